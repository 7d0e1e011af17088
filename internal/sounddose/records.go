package sounddose

import (
	"math"
	"time"

	"github.com/oszuidwest/zwfm-sounddose/internal/dose"
	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

// RecordFromWire converts a client record to an aggregator record. A record
// without a duration covers one MEL interval.
func RecordFromWire(r types.SoundDoseRecord) dose.Record {
	d := time.Duration(r.Duration) * time.Second
	if d <= 0 {
		d = dose.MelInterval
	}
	return dose.Record{
		DeviceID:  r.DeviceID,
		Timestamp: time.Unix(r.Timestamp, 0),
		Duration:  d,
		Level:     r.AverageMel,
		Dose:      r.Value,
	}
}

// RecordToWire converts an aggregator record to the client shape. Records
// without measurable energy report an average of 0 dBA.
func RecordToWire(r dose.Record) types.SoundDoseRecord {
	level := r.Level
	if math.IsInf(level, 0) || math.IsNaN(level) {
		level = 0
	}
	return types.SoundDoseRecord{
		Timestamp:  r.Timestamp.Unix(),
		Duration:   int32(r.Duration / time.Second),
		Value:      r.Dose,
		AverageMel: level,
		DeviceID:   r.DeviceID,
	}
}
