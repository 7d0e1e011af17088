package server

import "github.com/oszuidwest/zwfm-sounddose/internal/types"

// Request types for WebSocket commands with validation tags.
// These types define the expected input for each command and use
// go-playground/validator struct tags for automatic validation.

// RegisterRequest is the request body for sounddose/register.
type RegisterRequest struct {
	ProtocolVersion string `json:"protocol_version" validate:"required,max=64"`
}

// SetRs2Request is the request body for sounddose/set-rs2 and POST /api/rs2.
type SetRs2Request struct {
	Rs2 *float64 `json:"rs2" validate:"required,gte=80,lte=100"`
}

// ResetCsdRequest is the request body for sounddose/reset-csd.
type ResetCsdRequest struct {
	Csd     *float64                `json:"csd" validate:"required,gte=0"`
	Records []types.SoundDoseRecord `json:"records" validate:"omitempty,dive"`
}

// ToggleRequest is the request body for the force-* commands.
type ToggleRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// IngestParams are the query parameters of a PCM ingest connection.
type IngestParams struct {
	Stream     types.StreamHandle `json:"stream" validate:"gte=0"`
	Device     types.DeviceID     `json:"device" validate:"gte=0"`
	SampleRate int                `json:"rate" validate:"gte=8000,lte=192000"`
	Channels   int                `json:"channels" validate:"gte=1,lte=32"`
	Format     string             `json:"format" validate:"oneof=s16le f32le"`
}
