package audio

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

const (
	// DefaultFullScaleDBA is the loudness in dBA of a 0 dBFS signal at the output.
	DefaultFullScaleDBA = 100.0
	// DefaultBatchSize is the number of MEL values delivered per callback.
	DefaultBatchSize = 4
)

// Sentinel errors for processor construction.
var (
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
	ErrInvalidChannels   = errors.New("channel count must be positive")
	ErrInvalidFormat     = errors.New("unsupported sample format")
	ErrNilCallback       = errors.New("callback is required")
)

// Callback receives the output of a Processor. Calls for one processor are
// serialised and arrive in production order.
type Callback interface {
	// OnNewMelValues delivers mels[offset:offset+length], one value per
	// second of audio, measured on deviceID.
	OnNewMelValues(mels []float64, offset, length int, deviceID types.DeviceID)
	// OnMomentaryExposure reports a MEL value above the RS2 threshold.
	OnMomentaryExposure(currentMel float64, deviceID types.DeviceID)
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	SampleRate   int
	Channels     int
	Format       Format
	DeviceID     types.DeviceID
	Rs2          float64
	FullScaleDBA float64 // Defaults to DefaultFullScaleDBA if zero
	BatchSize    int     // Defaults to DefaultBatchSize if zero
}

// Processor turns PCM frames of one stream into one-second MEL values.
//
// Concurrency: Process and Flush are serialised by procMu, which is also held
// while callbacks run. SetDeviceID and SetOutputRs2 only take mu and never
// wait for a callback, so they are safe to call while holding other locks.
type Processor struct {
	sampleRate int
	channels   int
	format     Format
	fullScale  float64
	batchSize  int
	callback   Callback
	peak       *PeakHolder

	mu       sync.Mutex // Protects deviceID and rs2
	deviceID types.DeviceID
	rs2      float64

	procMu  sync.Mutex // Protects accumulation state
	level   LevelData
	carry   []byte
	pending []float64
}

// NewProcessor creates a processor reporting to cb.
func NewProcessor(cfg ProcessorConfig, cb Callback) (*Processor, error) {
	if cfg.SampleRate <= 0 {
		return nil, ErrInvalidSampleRate
	}
	if cfg.Channels <= 0 {
		return nil, ErrInvalidChannels
	}
	if cfg.Format.BytesPerSample() == 0 {
		return nil, ErrInvalidFormat
	}
	if cb == nil {
		return nil, ErrNilCallback
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	fullScale := cfg.FullScaleDBA
	if fullScale == 0 {
		fullScale = DefaultFullScaleDBA
	}

	return &Processor{
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		format:     cfg.Format,
		fullScale:  fullScale,
		batchSize:  batch,
		callback:   cb,
		peak:       NewPeakHolder(),
		deviceID:   cfg.DeviceID,
		rs2:        cfg.Rs2,
		pending:    make([]float64, 0, batch),
	}, nil
}

// SampleRate returns the stream sample rate in Hz.
func (p *Processor) SampleRate() int { return p.sampleRate }

// Channels returns the stream channel count.
func (p *Processor) Channels() int { return p.channels }

// Format returns the stream sample format.
func (p *Processor) Format() Format { return p.format }

// Peak returns the held peak MEL value in dBA.
func (p *Processor) Peak() float64 { return p.peak.Peak() }

// DeviceID returns the device the stream is currently routed to.
func (p *Processor) DeviceID() types.DeviceID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceID
}

// SetDeviceID updates the device attached to subsequent MEL values.
func (p *Processor) SetDeviceID(id types.DeviceID) {
	p.mu.Lock()
	p.deviceID = id
	p.mu.Unlock()
}

// OutputRs2 returns the momentary exposure threshold in dBA.
func (p *Processor) OutputRs2() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rs2
}

// SetOutputRs2 updates the momentary exposure threshold.
func (p *Processor) SetOutputRs2(rs2 float64) {
	p.mu.Lock()
	p.rs2 = rs2
	p.mu.Unlock()
}

// Process consumes interleaved PCM. Partial frames are kept until the next call.
func (p *Processor) Process(buf []byte) {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	if len(p.carry) > 0 {
		buf = append(p.carry, buf...)
		p.carry = nil
	}

	frameSize := p.format.BytesPerSample() * p.channels
	for len(buf) >= frameSize {
		remaining := p.sampleRate - p.level.FrameCount
		chunk := min(len(buf), remaining*frameSize)
		n := accumulate(buf[:chunk], p.format, p.channels, &p.level)
		buf = buf[n:]

		if p.level.FrameCount >= p.sampleRate {
			p.emitLocked()
		}
	}

	if len(buf) > 0 {
		p.carry = bytes.Clone(buf)
	}
}

// Flush delivers buffered MEL values that have not filled a batch yet.
func (p *Processor) Flush() {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	if len(p.pending) > 0 {
		p.flushLocked(p.DeviceID())
	}
}

// emitLocked closes the current one-second period. Caller must hold p.procMu.
func (p *Processor) emitLocked() {
	mel := p.level.LevelDB() + p.fullScale
	p.level.Reset()
	p.peak.Update(mel, time.Now())

	p.mu.Lock()
	deviceID, rs2 := p.deviceID, p.rs2
	p.mu.Unlock()

	if mel > rs2 {
		p.callback.OnMomentaryExposure(mel, deviceID)
	}

	p.pending = append(p.pending, mel)
	if len(p.pending) >= p.batchSize {
		p.flushLocked(deviceID)
	}
}

// flushLocked hands the pending batch to the callback. Caller must hold p.procMu.
func (p *Processor) flushLocked(deviceID types.DeviceID) {
	values := p.pending
	p.pending = make([]float64, 0, p.batchSize)
	p.callback.OnNewMelValues(values, 0, len(values), deviceID)
}
