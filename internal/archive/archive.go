// Package archive periodically uploads dose snapshots to object storage for
// offline diagnostics.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/oszuidwest/zwfm-sounddose/internal/types"
	"github.com/oszuidwest/zwfm-sounddose/internal/util"
)

// Default archiver settings.
const (
	DefaultInterval     = time.Hour
	DefaultMaxAttempts  = 5
	defaultRetryInitial = 5 * time.Second
	defaultRetryMax     = 2 * time.Minute
	keyLayout           = "2006/01/02/150405"
)

// Source provides the state to archive.
type Source interface {
	Status() types.DoseStatus
	Records() []types.SoundDoseRecord
	Dump() string
}

// Uploader stores one object.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// Snapshot is the JSON document written for each upload.
type Snapshot struct {
	TakenAt time.Time               `json:"taken_at"`
	Status  types.DoseStatus        `json:"status"`
	Records []types.SoundDoseRecord `json:"records"`
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithPrefix sets the object key prefix.
func WithPrefix(prefix string) Option {
	return func(a *Archiver) { a.prefix = prefix }
}

// WithInterval sets the time between uploads.
func WithInterval(d time.Duration) Option {
	return func(a *Archiver) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithRetry sets the retry backoff and the attempts per upload.
func WithRetry(initial, maxDelay time.Duration, attempts int) Option {
	return func(a *Archiver) {
		a.backoff = util.NewBackoff(initial, maxDelay)
		a.maxAttempts = max(attempts, 1)
	}
}

// WithClock sets the time source used for object keys.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// Archiver uploads snapshots of a Source at a fixed interval.
type Archiver struct {
	source      Source
	uploader    Uploader
	prefix      string
	interval    time.Duration
	backoff     *util.Backoff
	maxAttempts int
	now         func() time.Time
}

// New creates an Archiver.
func New(source Source, uploader Uploader, opts ...Option) *Archiver {
	a := &Archiver{
		source:      source,
		uploader:    uploader,
		interval:    DefaultInterval,
		backoff:     util.NewBackoff(defaultRetryInitial, defaultRetryMax),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run uploads a snapshot every interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	slog.Info("dose archiver started", "interval", a.interval, "prefix", a.prefix)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dose archiver stopped")
			return nil
		case <-ticker.C:
			if _, err := a.uploadWithRetry(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("dose snapshot upload failed", "error", err)
			}
		}
	}
}

// uploadWithRetry calls UploadNow until it succeeds or attempts run out.
func (a *Archiver) uploadWithRetry(ctx context.Context) (string, error) {
	defer a.backoff.Reset()

	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		key, err := a.UploadNow(ctx)
		if err == nil {
			return key, nil
		}
		lastErr = err
		if attempt == a.maxAttempts {
			break
		}

		slog.Warn("dose snapshot upload failed, retrying",
			"attempt", attempt, "delay", a.backoff.Current(), "error", err)
		if err := a.backoff.Wait(ctx); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// UploadNow writes the JSON snapshot and the text dump. It returns the key of
// the JSON object.
func (a *Archiver) UploadNow(ctx context.Context) (string, error) {
	now := a.now().UTC()
	snap := Snapshot{
		TakenAt: now,
		Status:  a.source.Status(),
		Records: a.source.Records(),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", util.WrapError("marshal snapshot", err)
	}

	base := a.prefix + now.Format(keyLayout)
	key := base + ".json"
	if err := a.uploader.Upload(ctx, key, data, "application/json"); err != nil {
		return "", util.WrapError("upload snapshot", err)
	}
	if err := a.uploader.Upload(ctx, base+".txt", []byte(a.source.Dump()), "text/plain; charset=utf-8"); err != nil {
		return "", util.WrapError("upload dump", err)
	}

	slog.Info("dose snapshot uploaded", "key", key, "records", len(snap.Records), "csd", snap.Status.Csd)
	return key, nil
}
