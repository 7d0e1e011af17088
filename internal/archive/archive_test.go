package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

type fakeSource struct{}

func (fakeSource) Status() types.DoseStatus {
	return types.DoseStatus{Csd: 12.5, Rs2: 90, Records: 1}
}

func (fakeSource) Records() []types.SoundDoseRecord {
	return []types.SoundDoseRecord{{Timestamp: 1700000000, Duration: 4, Value: 0.1, AverageMel: 88, DeviceID: 2}}
}

func (fakeSource) Dump() string { return "Sound dose manager:\n" }

// fakeUploader records uploads and fails the first failures calls.
type fakeUploader struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	failures int
	calls    int
}

func newFakeUploader(failures int) *fakeUploader {
	return &fakeUploader{objects: map[string][]byte{}, types: map[string]string{}, failures: failures}
}

func (u *fakeUploader) Upload(_ context.Context, key string, body []byte, contentType string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.failures > 0 {
		u.failures--
		return errors.New("service unavailable")
	}
	u.objects[key] = body
	u.types[key] = contentType
	return nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.objects)
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 14, 5, 9, 0, time.UTC)
}

func TestUploadNow(t *testing.T) {
	up := newFakeUploader(0)
	a := New(fakeSource{}, up, WithPrefix("dose/"), WithClock(fixedClock))

	key, err := a.UploadNow(context.Background())
	if err != nil {
		t.Fatalf("UploadNow: %v", err)
	}
	if key != "dose/2026/03/01/140509.json" {
		t.Errorf("key = %q", key)
	}

	var snap Snapshot
	if err := json.Unmarshal(up.objects[key], &snap); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if snap.Status.Csd != 12.5 || len(snap.Records) != 1 || snap.Records[0].DeviceID != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if got := up.types[key]; got != "application/json" {
		t.Errorf("content type = %q", got)
	}
	if got := string(up.objects["dose/2026/03/01/140509.txt"]); got != "Sound dose manager:\n" {
		t.Errorf("dump object = %q", got)
	}
}

func TestUploadWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		attempts  int
		wantErr   bool
		wantCalls int
	}{
		{"succeeds first time", 0, 3, false, 2},
		{"recovers after failures", 2, 3, false, 4},
		{"gives up", 5, 3, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newFakeUploader(tt.failures)
			a := New(fakeSource{}, up, WithClock(fixedClock), WithRetry(time.Millisecond, 2*time.Millisecond, tt.attempts))

			_, err := a.uploadWithRetry(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("uploadWithRetry error = %v, wantErr %v", err, tt.wantErr)
			}
			if up.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", up.calls, tt.wantCalls)
			}
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	up := newFakeUploader(0)
	a := New(fakeSource{}, up, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for up.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if up.count() == 0 {
		t.Error("no snapshot uploaded")
	}
}
