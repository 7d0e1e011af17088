// Package types provides shared type definitions used across the sound dose service.
package types

// StreamHandle identifies one playback stream. It is unique while the stream
// is alive and may be reused by the platform afterwards.
type StreamHandle int32

// DeviceID identifies the output device a stream is routed to.
type DeviceID int32

// SoundDoseRecord is the client-facing shape of one exposure record.
type SoundDoseRecord struct {
	// Timestamp is the record start in Unix seconds.
	Timestamp int64 `json:"timestamp" validate:"gte=0"`
	// Duration is the covered time span in seconds.
	Duration int32 `json:"duration" validate:"gte=0"`
	// Value is the dose contribution of the record in percent of the weekly limit.
	Value float64 `json:"value" validate:"gte=0"`
	// AverageMel is the energy-averaged loudness over the record in dBA.
	AverageMel float64 `json:"average_mel"`
	// DeviceID is the device the record was measured on.
	DeviceID DeviceID `json:"device_id"`
}

// DoseStatus is the point-in-time dose summary returned to API clients.
type DoseStatus struct {
	Csd             float64 `json:"csd"`
	Rs2             float64 `json:"rs2"`
	Processors      int     `json:"processors"`
	Records         int     `json:"records"`
	UseFrameworkMel bool    `json:"use_framework_mel"`
	AllDevices      bool    `json:"compute_csd_on_all_devices"`
	SessionID       uint64  `json:"session_id,omitzero"`
}
