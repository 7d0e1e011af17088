// Package dose computes the cumulative sound dose (CSD) over a rolling window
// following the IEC 62368-1 3 dB exchange rate.
//
// A level L (dBA) held for d seconds contributes
//
//	100 * 10^((L - ReferenceLevel) / 10) * d / ReferenceDuration
//
// percent of the weekly limit. 100 dBA for ReferenceDuration, or 80 dBA for
// 40 hours, is exactly 100 %.
package dose

import (
	"math"
	"time"

	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

const (
	// DefaultWindow is the CSD rolling window of 7 days.
	DefaultWindow = 604800 * time.Second
	// ReferenceLevel is the level in dBA whose reference duration is a full dose.
	ReferenceLevel = 100.0
	// ReferenceDuration is how long ReferenceLevel may be sustained for 100 %.
	ReferenceDuration = 1440 * time.Second
	// MelInterval is the span covered by one MEL value.
	MelInterval = time.Second
)

// Contribution returns the dose in percent for a level held for d.
func Contribution(level float64, d time.Duration) float64 {
	if d <= 0 || math.IsNaN(level) || math.IsInf(level, -1) {
		return 0
	}
	return 100 * math.Pow(10, (level-ReferenceLevel)/10) * d.Seconds() / ReferenceDuration.Seconds()
}

// Record is one immutable exposure measurement. Records are ordered by
// Timestamp inside an Aggregator.
type Record struct {
	DeviceID  types.DeviceID
	Timestamp time.Time
	Duration  time.Duration
	// Level is the energy average of the covered MEL values in dBA.
	Level float64
	// Dose is the contribution of this record in percent.
	Dose float64
}

// NewRecord builds a record from consecutive one-second MEL values starting
// at start.
func NewRecord(deviceID types.DeviceID, start time.Time, mels []float64) Record {
	var energy, total float64
	for _, mel := range mels {
		energy += math.Pow(10, mel/10)
		total += Contribution(mel, MelInterval)
	}

	level := math.Inf(-1)
	if len(mels) > 0 && energy > 0 {
		level = 10 * math.Log10(energy/float64(len(mels)))
	}

	return Record{
		DeviceID:  deviceID,
		Timestamp: start,
		Duration:  time.Duration(len(mels)) * MelInterval,
		Level:     level,
		Dose:      total,
	}
}

// End returns the end of the span covered by the record.
func (r Record) End() time.Time {
	return r.Timestamp.Add(r.Duration)
}
