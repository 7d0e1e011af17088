// Package sounddose tracks the cumulative sound dose of all output streams.
//
// A Manager owns one MEL processor per stream, forwards their values into a
// rolling dose aggregator and pushes momentary exposure events to at most one
// registered client.
package sounddose

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/oszuidwest/zwfm-sounddose/internal/audio"
	"github.com/oszuidwest/zwfm-sounddose/internal/dose"
	"github.com/oszuidwest/zwfm-sounddose/internal/observe"
	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

// RS2 threshold bounds in dBA.
const (
	MinRs2     = 80.0
	MaxRs2     = 100.0
	DefaultRs2 = 100.0
)

// Config configures a Manager. Zero values select defaults.
type Config struct {
	Window                 time.Duration
	DefaultRs2             float64
	FullScaleDBA           float64
	MelBatchSize           int
	ComputeCsdOnAllDevices bool
	Metrics                *observe.Metrics
	Now                    func() time.Time
}

// Manager is the processor registry and dose orchestrator. It implements
// audio.Callback for every processor it creates.
//
// Lock order: a processor's internal locks may be held when the Manager is
// called back, and the Manager may update processor settings while holding
// mu. The aggregator and client callbacks are never called with mu held.
type Manager struct {
	aggregator   *dose.Aggregator
	metrics      *observe.Metrics
	now          func() time.Time
	fullScaleDBA float64
	melBatchSize int

	resetting atomic.Bool

	mu              sync.Mutex
	processors      map[types.StreamHandle]weak.Pointer[audio.Processor]
	rs2             float64
	useFrameworkMel bool
	allDevices      bool
	activeDevice    types.DeviceID
	hasActiveDevice bool
	session         *session
	lastSessionID   uint64
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	rs2 := cfg.DefaultRs2
	if rs2 < MinRs2 || rs2 > MaxRs2 {
		rs2 = DefaultRs2
	}

	return &Manager{
		aggregator:      dose.NewAggregator(cfg.Window, dose.WithClock(now)),
		metrics:         metrics,
		now:             now,
		fullScaleDBA:    cfg.FullScaleDBA,
		melBatchSize:    cfg.MelBatchSize,
		processors:      make(map[types.StreamHandle]weak.Pointer[audio.Processor]),
		rs2:             rs2,
		useFrameworkMel: true,
		allDevices:      cfg.ComputeCsdOnAllDevices,
	}
}

// GetOrCreateProcessor returns the live processor of stream, creating one
// when none exists. A reused processor is moved to deviceID and picks up the
// current RS2 threshold. The Manager only holds a weak reference: the caller
// owns the processor and the entry disappears once it is garbage collected.
func (m *Manager) GetOrCreateProcessor(deviceID types.DeviceID, stream types.StreamHandle,
	sampleRate, channels int, format audio.Format) (*audio.Processor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wp, ok := m.processors[stream]; ok {
		if p := wp.Value(); p != nil {
			p.SetDeviceID(deviceID)
			p.SetOutputRs2(m.rs2)
			m.setActiveDeviceLocked(deviceID)
			slog.Debug("reusing processor", "stream", stream, "device_id", deviceID)
			return p, nil
		}
		m.dropLocked(stream)
	}

	p, err := audio.NewProcessor(audio.ProcessorConfig{
		SampleRate:   sampleRate,
		Channels:     channels,
		Format:       format,
		DeviceID:     deviceID,
		Rs2:          m.rs2,
		FullScaleDBA: m.fullScaleDBA,
		BatchSize:    m.melBatchSize,
	}, m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	m.processors[stream] = weak.Make(p)
	runtime.AddCleanup(p, m.pruneExpired, stream)
	m.setActiveDeviceLocked(deviceID)
	m.metrics.ActiveProcessors.Add(context.Background(), 1)

	slog.Info("created processor", "stream", stream, "device_id", deviceID,
		"sample_rate", sampleRate, "channels", channels, "format", format)
	return p, nil
}

// RemoveProcessor forgets the processor of stream. Unknown streams are ignored.
func (m *Manager) RemoveProcessor(stream types.StreamHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processors[stream]; ok {
		m.dropLocked(stream)
		slog.Info("removed processor", "stream", stream)
	}
}

// ReleaseProcessor forgets the processor of stream only if it is still p.
// Owners call it on close so they never drop a processor another owner
// created for the same handle.
func (m *Manager) ReleaseProcessor(stream types.StreamHandle, p *audio.Processor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.processors[stream]
	if !ok {
		return
	}
	if cur := wp.Value(); cur != nil && cur != p {
		slog.Debug("keeping processor of newer owner", "stream", stream)
		return
	}
	m.dropLocked(stream)
	slog.Info("removed processor", "stream", stream)
}

// dropLocked deletes the registry entry of stream. Caller must hold m.mu.
func (m *Manager) dropLocked(stream types.StreamHandle) {
	delete(m.processors, stream)
	m.metrics.ActiveProcessors.Add(context.Background(), -1)
}

// pruneExpired runs after a processor has been garbage collected.
func (m *Manager) pruneExpired(stream types.StreamHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The handle may already belong to a newer processor.
	if wp, ok := m.processors[stream]; ok && wp.Value() == nil {
		m.dropLocked(stream)
		slog.Debug("pruned expired processor", "stream", stream)
	}
}

// setActiveDeviceLocked records the device of the latest routing call.
// Caller must hold m.mu.
func (m *Manager) setActiveDeviceLocked(deviceID types.DeviceID) {
	if !m.hasActiveDevice || m.activeDevice != deviceID {
		slog.Debug("active device changed", "device_id", deviceID)
	}
	m.activeDevice = deviceID
	m.hasActiveDevice = true
}

// OnNewMelValues implements audio.Callback. The values are aggregated as one
// record ending now unless local aggregation is disabled or the device does
// not count towards the dose.
func (m *Manager) OnNewMelValues(mels []float64, offset, length int, deviceID types.DeviceID) {
	if offset < 0 || length <= 0 || offset+length > len(mels) {
		slog.Warn("ignoring invalid MEL range", "offset", offset, "length", length, "size", len(mels))
		return
	}

	// Only the device of the latest routing call counts. Another stream
	// still playing on an older device is not aggregated until it is routed
	// again or all devices are counted.
	m.mu.Lock()
	aggregate := m.useFrameworkMel &&
		(m.allDevices || !m.hasActiveDevice || deviceID == m.activeDevice)
	m.mu.Unlock()

	m.metrics.RecordMelValues(context.Background(), length, aggregate)
	if !aggregate {
		return
	}

	start := m.now().Add(-time.Duration(length) * dose.MelInterval)
	m.aggregator.AddRecord(dose.NewRecord(deviceID, start, mels[offset:offset+length]))
}

// OnMomentaryExposure implements audio.Callback by forwarding the event to
// the registered client. Without a live client the event is dropped.
func (m *Manager) OnMomentaryExposure(currentMel float64, deviceID types.DeviceID) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	ctx := context.Background()
	if s == nil {
		m.metrics.RecordMomentaryExposure(ctx, observe.StatusDropped)
		slog.Debug("dropping momentary exposure: no client", "current_dba", currentMel, "device_id", deviceID)
		return
	}

	if err := s.deliver(currentMel, deviceID); err != nil {
		m.metrics.RecordMomentaryExposure(ctx, observe.StatusDropped)
		slog.Warn("failed to deliver momentary exposure",
			"session_id", s.id, "current_dba", currentMel, "device_id", deviceID, "error", err)
		return
	}
	m.metrics.RecordMomentaryExposure(ctx, observe.StatusDelivered)
}

// SetOutputRs2 sets the momentary exposure threshold and applies it to all
// live processors. Values outside [MinRs2, MaxRs2] are rejected.
func (m *Manager) SetOutputRs2(rs2 float64) error {
	if math.IsNaN(rs2) || rs2 < MinRs2 || rs2 > MaxRs2 {
		return fmt.Errorf("%w: rs2 %v outside [%v, %v]", ErrInvalidArgument, rs2, MinRs2, MaxRs2)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rs2 = rs2
	for stream, wp := range m.processors {
		if p := wp.Value(); p != nil {
			p.SetOutputRs2(rs2)
			continue
		}
		m.dropLocked(stream)
	}

	slog.Info("RS2 threshold updated", "rs2", rs2)
	return nil
}

// GetOutputRs2 returns the momentary exposure threshold in dBA.
func (m *Manager) GetOutputRs2() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rs2
}

// GetCsd returns the current cumulative sound dose in percent.
func (m *Manager) GetCsd() float64 {
	return m.aggregator.CurrentDose()
}

// ResetCsd replaces the aggregated state with externally known records and
// dose. A reset that races with another one fails with ErrResetInProgress.
func (m *Manager) ResetCsd(csd float64, records []types.SoundDoseRecord) error {
	ctx := context.Background()
	if math.IsNaN(csd) || math.IsInf(csd, 0) || csd < 0 {
		m.metrics.RecordCsdReset(ctx, "rejected")
		return fmt.Errorf("%w: csd %v", ErrInvalidArgument, csd)
	}
	if !m.resetting.CompareAndSwap(false, true) {
		m.metrics.RecordCsdReset(ctx, "conflict")
		return ErrResetInProgress
	}
	defer m.resetting.Store(false)

	converted := make([]dose.Record, 0, len(records))
	for _, r := range records {
		converted = append(converted, RecordFromWire(r))
	}
	m.aggregator.SetRecordsWithDose(converted, csd)

	m.metrics.RecordCsdReset(ctx, "ok")
	slog.Info("cumulative dose reset", "csd", csd, "records", len(records))
	return nil
}

// ForceUseFrameworkMel enables or disables local aggregation of MEL values.
// When disabled the dose only changes through ResetCsd.
func (m *Manager) ForceUseFrameworkMel(enabled bool) {
	m.mu.Lock()
	m.useFrameworkMel = enabled
	m.mu.Unlock()
	slog.Info("framework MEL override", "enabled", enabled)
}

// UseFrameworkMel reports whether MEL values are aggregated locally.
func (m *Manager) UseFrameworkMel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.useFrameworkMel
}

// ForceComputeCsdOnAllDevices selects whether every device counts towards
// the dose, or only the active one.
func (m *Manager) ForceComputeCsdOnAllDevices(enabled bool) {
	m.mu.Lock()
	m.allDevices = enabled
	m.mu.Unlock()
	slog.Info("compute CSD on all devices override", "enabled", enabled)
}

// ComputeCsdOnAllDevices reports whether every device counts towards the dose.
func (m *Manager) ComputeCsdOnAllDevices() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allDevices
}

// CachedRecordsSize returns the number of records in the dose window.
func (m *Manager) CachedRecordsSize() int {
	return m.aggregator.Len()
}

// Records returns the records in the dose window in client shape.
func (m *Manager) Records() []types.SoundDoseRecord {
	recs := m.aggregator.RecordsSince(time.Time{})
	out := make([]types.SoundDoseRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, RecordToWire(r))
	}
	return out
}

// ProcessorCount returns the number of live processors, pruning expired ones.
func (m *Manager) ProcessorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.liveProcessorsLocked())
}

// liveProcessorsLocked returns the live processors by stream and prunes
// expired entries. Caller must hold m.mu.
func (m *Manager) liveProcessorsLocked() map[types.StreamHandle]*audio.Processor {
	live := make(map[types.StreamHandle]*audio.Processor, len(m.processors))
	for stream, wp := range m.processors {
		if p := wp.Value(); p != nil {
			live[stream] = p
			continue
		}
		m.dropLocked(stream)
	}
	return live
}

// Status returns a point-in-time summary of the dose state.
func (m *Manager) Status() types.DoseStatus {
	m.mu.Lock()
	status := types.DoseStatus{
		Rs2:             m.rs2,
		Processors:      len(m.liveProcessorsLocked()),
		UseFrameworkMel: m.useFrameworkMel,
		AllDevices:      m.allDevices,
	}
	if m.session != nil {
		status.SessionID = m.session.id
	}
	m.mu.Unlock()

	status.Csd = m.aggregator.CurrentDose()
	status.Records = m.aggregator.Len()
	return status
}

// Dump returns a human-readable snapshot for operators.
func (m *Manager) Dump() string {
	m.mu.Lock()
	live := m.liveProcessorsLocked()
	rs2 := m.rs2
	useFrameworkMel, allDevices := m.useFrameworkMel, m.allDevices
	activeDevice, hasActiveDevice := m.activeDevice, m.hasActiveDevice
	var sessionID uint64
	if m.session != nil {
		sessionID = m.session.id
	}
	m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Sound dose manager:\n")
	fmt.Fprintf(&b, "  RS2 threshold: %.1f dBA\n", rs2)
	fmt.Fprintf(&b, "  Active processors: %d\n", len(live))
	fmt.Fprintf(&b, "  Records in window: %d\n", m.aggregator.Len())
	fmt.Fprintf(&b, "  Current CSD: %.4f%%\n", m.aggregator.CurrentDose())
	fmt.Fprintf(&b, "  Use framework MEL: %t\n", useFrameworkMel)
	fmt.Fprintf(&b, "  Compute CSD on all devices: %t\n", allDevices)
	if hasActiveDevice {
		fmt.Fprintf(&b, "  Active device: %d\n", activeDevice)
	} else {
		fmt.Fprintf(&b, "  Active device: none\n")
	}
	if sessionID != 0 {
		fmt.Fprintf(&b, "  Client session: %d\n", sessionID)
	} else {
		fmt.Fprintf(&b, "  Client session: none\n")
	}

	for _, stream := range slices.Sorted(maps.Keys(live)) {
		p := live[stream]
		fmt.Fprintf(&b, "  Stream %d: device %d, %d Hz, %d ch, %s, rs2 %.1f dBA, peak %.1f dBA\n",
			stream, p.DeviceID(), p.SampleRate(), p.Channels(), p.Format(), p.OutputRs2(), p.Peak())
	}
	return b.String()
}

// Close ends the active client session without notifying it.
func (m *Manager) Close() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s != nil {
		s.stopWatch()
	}
}
