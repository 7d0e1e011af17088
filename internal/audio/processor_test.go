package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

// recordingCallback captures processor output.
type recordingCallback struct {
	mu        sync.Mutex
	batches   [][]float64
	devices   []types.DeviceID
	momentary []float64
}

func (c *recordingCallback) OnNewMelValues(mels []float64, offset, length int, deviceID types.DeviceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, append([]float64(nil), mels[offset:offset+length]...))
	c.devices = append(c.devices, deviceID)
}

func (c *recordingCallback) OnMomentaryExposure(currentMel float64, _ types.DeviceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.momentary = append(c.momentary, currentMel)
}

func (c *recordingCallback) values() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []float64
	for _, b := range c.batches {
		all = append(all, b...)
	}
	return all
}

// pcmS16 returns frames of a constant signal at level dBFS.
func pcmS16(levelDB float64, frames, channels int) []byte {
	amp := int16(math.Round(MaxSampleValue * math.Pow(10, levelDB/20)))
	buf := make([]byte, frames*channels*2)
	for i := 0; i < len(buf); i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(amp))
	}
	return buf
}

// pcmF32 returns frames of a constant float signal at level dBFS.
func pcmF32(levelDB float64, frames, channels int) []byte {
	amp := float32(math.Pow(10, levelDB/20))
	buf := make([]byte, frames*channels*4)
	for i := 0; i < len(buf); i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], math.Float32bits(amp))
	}
	return buf
}

func newTestProcessor(t *testing.T, cfg ProcessorConfig) (*Processor, *recordingCallback) {
	t.Helper()
	cb := &recordingCallback{}
	p, err := NewProcessor(cfg, cb)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p, cb
}

func TestNewProcessor_Validation(t *testing.T) {
	cb := &recordingCallback{}
	tests := []struct {
		name string
		cfg  ProcessorConfig
		cb   Callback
		want error
	}{
		{"zero sample rate", ProcessorConfig{Channels: 2, Format: FormatS16LE}, cb, ErrInvalidSampleRate},
		{"zero channels", ProcessorConfig{SampleRate: 48000, Format: FormatS16LE}, cb, ErrInvalidChannels},
		{"unknown format", ProcessorConfig{SampleRate: 48000, Channels: 2, Format: "u8"}, cb, ErrInvalidFormat},
		{"nil callback", ProcessorConfig{SampleRate: 48000, Channels: 2, Format: FormatS16LE}, nil, ErrNilCallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.cfg, tt.cb)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewProcessor error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("f32le"); err != nil || f != FormatF32LE {
		t.Errorf("ParseFormat(f32le) = %q, %v", f, err)
	}
	if _, err := ParseFormat("mp3"); err == nil {
		t.Error("expected error for mp3")
	}
}

func TestProcessor_OneMelPerSecond(t *testing.T) {
	const rate = 8000
	p, cb := newTestProcessor(t, ProcessorConfig{
		SampleRate: rate, Channels: 1, Format: FormatS16LE,
		DeviceID: 7, Rs2: 100, BatchSize: 2,
	})

	p.Process(pcmS16(-5, 3*rate, 1))

	if got := len(cb.batches); got != 1 {
		t.Fatalf("got %d batches before flush, want 1", got)
	}
	p.Flush()

	values := cb.values()
	if len(values) != 3 {
		t.Fatalf("got %d MEL values, want 3", len(values))
	}
	for i, v := range values {
		if math.Abs(v-95) > 0.01 {
			t.Errorf("value[%d] = %.3f, want 95", i, v)
		}
	}
	for _, d := range cb.devices {
		if d != 7 {
			t.Errorf("device = %d, want 7", d)
		}
	}
	if len(cb.momentary) != 0 {
		t.Errorf("unexpected momentary exposures: %v", cb.momentary)
	}
	if peak := p.Peak(); math.Abs(peak-95) > 0.01 {
		t.Errorf("Peak = %.3f, want 95", peak)
	}
}

func TestProcessor_UnalignedBuffers(t *testing.T) {
	const rate = 4000
	p, cb := newTestProcessor(t, ProcessorConfig{
		SampleRate: rate, Channels: 2, Format: FormatS16LE, Rs2: 100, BatchSize: 1,
	})

	data := pcmS16(-20, 2*rate, 2)
	for len(data) > 0 {
		n := min(7, len(data))
		p.Process(data[:n])
		data = data[n:]
	}

	values := cb.values()
	if len(values) != 2 {
		t.Fatalf("got %d MEL values, want 2", len(values))
	}
	for _, v := range values {
		if math.Abs(v-80) > 0.01 {
			t.Errorf("value = %.3f, want 80", v)
		}
	}
}

func TestProcessor_Float32(t *testing.T) {
	const rate = 1000
	p, cb := newTestProcessor(t, ProcessorConfig{
		SampleRate: rate, Channels: 2, Format: FormatF32LE, Rs2: 100, BatchSize: 1, FullScaleDBA: 110,
	})

	p.Process(pcmF32(-30, rate, 2))

	values := cb.values()
	if len(values) != 1 || math.Abs(values[0]-80) > 0.01 {
		t.Errorf("values = %v, want [80]", values)
	}
}

func TestProcessor_SilenceIsFloored(t *testing.T) {
	const rate = 1000
	p, cb := newTestProcessor(t, ProcessorConfig{
		SampleRate: rate, Channels: 1, Format: FormatS16LE, Rs2: 100, BatchSize: 1,
	})

	p.Process(make([]byte, rate*2))

	values := cb.values()
	if len(values) != 1 || values[0] != MinDB+DefaultFullScaleDBA {
		t.Errorf("values = %v, want [%v]", values, MinDB+DefaultFullScaleDBA)
	}
}

func TestProcessor_MomentaryExposure(t *testing.T) {
	const rate = 1000
	p, cb := newTestProcessor(t, ProcessorConfig{
		SampleRate: rate, Channels: 1, Format: FormatS16LE, Rs2: 90,
	})

	p.Process(pcmS16(-5, 3*rate, 1))
	if got := len(cb.momentary); got != 3 {
		t.Fatalf("got %d momentary exposures, want 3", got)
	}

	p.SetOutputRs2(96)
	if got := p.OutputRs2(); got != 96 {
		t.Errorf("OutputRs2 = %v, want 96", got)
	}
	p.Process(pcmS16(-5, 2*rate, 1))
	if got := len(cb.momentary); got != 3 {
		t.Errorf("got %d momentary exposures after raising RS2, want 3", got)
	}
}

func TestProcessor_SetDeviceID(t *testing.T) {
	const rate = 1000
	p, cb := newTestProcessor(t, ProcessorConfig{
		SampleRate: rate, Channels: 1, Format: FormatS16LE, DeviceID: 1, Rs2: 100, BatchSize: 1,
	})

	p.Process(pcmS16(-10, rate, 1))
	p.SetDeviceID(2)
	p.Process(pcmS16(-10, rate, 1))

	if len(cb.devices) != 2 || cb.devices[0] != 1 || cb.devices[1] != 2 {
		t.Errorf("devices = %v, want [1 2]", cb.devices)
	}
	if got := p.DeviceID(); got != 2 {
		t.Errorf("DeviceID = %d, want 2", got)
	}
}

func TestPeakHolder(t *testing.T) {
	p := NewPeakHolder()
	p.SetHoldDuration(0)

	var zero = p.Peak()
	if zero != MinDB {
		t.Fatalf("initial peak = %v, want %v", zero, MinDB)
	}

	now := p.heldAt
	if got := p.Update(90, now.Add(1)); got != 90 {
		t.Errorf("Update(90) = %v", got)
	}
	// A lower value replaces the peak once the hold has expired.
	if got := p.Update(70, now.Add(2)); got != 70 {
		t.Errorf("Update(70) after hold = %v, want 70", got)
	}
}
