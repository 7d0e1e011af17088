// Package audio converts raw PCM into one-second loudness (MEL) values and
// reports them to a Callback.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// MinDB is the minimum level in dBFS (silence).
	MinDB = -60.0
	// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
	MaxSampleValue = 32768.0
)

// Format is the PCM sample encoding of a stream.
type Format string

// Supported sample formats.
const (
	FormatS16LE Format = "s16le" // 16-bit signed little-endian
	FormatF32LE Format = "f32le" // 32-bit float little-endian
)

// BytesPerSample returns the size of one sample, or 0 for unknown formats.
func (f Format) BytesPerSample() int {
	switch f {
	case FormatS16LE:
		return 2
	case FormatF32LE:
		return 4
	default:
		return 0
	}
}

// ParseFormat returns the Format named by s.
func ParseFormat(s string) (Format, error) {
	f := Format(s)
	if f.BytesPerSample() == 0 {
		return "", fmt.Errorf("unsupported sample format %q", s)
	}
	return f, nil
}

// LevelData holds raw sample accumulator data for level calculation.
type LevelData struct {
	SumSquares  float64
	FrameCount  int
	SampleCount int
}

// accumulate adds whole frames from buf to data and returns the number of
// bytes consumed.
func accumulate(buf []byte, format Format, channels int, data *LevelData) int {
	frameSize := format.BytesPerSample() * channels
	frames := len(buf) / frameSize
	n := frames * frameSize

	switch format {
	case FormatS16LE:
		for i := 0; i+1 < n; i += 2 {
			v := float64(int16(binary.LittleEndian.Uint16(buf[i:]))) / MaxSampleValue
			data.SumSquares += v * v
		}
	case FormatF32LE:
		for i := 0; i+3 < n; i += 4 {
			v := float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i:])))
			data.SumSquares += v * v
		}
	}

	data.FrameCount += frames
	data.SampleCount += frames * channels
	return n
}

// LevelDB returns the RMS level in dBFS of the accumulated samples.
func (d *LevelData) LevelDB() float64 {
	if d.SampleCount == 0 || d.SumSquares == 0 {
		return MinDB
	}
	return max(10*math.Log10(d.SumSquares/float64(d.SampleCount)), MinDB)
}

// Reset resets accumulators for the next measurement period.
func (d *LevelData) Reset() {
	d.SumSquares = 0
	d.FrameCount = 0
	d.SampleCount = 0
}
