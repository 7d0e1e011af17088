package types

// WSCommandResult is the standard response for command execution.
type WSCommandResult struct {
	Type    string           `json:"type"`            // "<command>_result"
	ID      string           `json:"id,omitempty"`    // Echoed command ID
	Success bool             `json:"success"`         // true if command succeeded
	Error   *ValidationError `json:"error,omitempty"` // Validation errors if failed
	Data    any              `json:"data,omitempty"`  // Optional response data
}

// WSMomentaryExposure is pushed to the registered client when a stream
// exceeds the RS2 threshold.
type WSMomentaryExposure struct {
	Type       string   `json:"type"` // "momentary_exposure"
	CurrentDBA float64  `json:"current_dba"`
	DeviceID   DeviceID `json:"device_id"`
}

// RegisterResult is returned by sounddose/register.
type RegisterResult struct {
	SessionID       uint64 `json:"session_id"`
	ConnectionID    string `json:"connection_id"`
	ProtocolVersion string `json:"protocol_version"`
}

// WSStatusResponse is the periodic status message pushed to command connections.
type WSStatusResponse struct {
	Type            string     `json:"type"` // "status"
	Dose            DoseStatus `json:"dose"`
	Version         string     `json:"version"`
	ProtocolVersion string     `json:"protocol_version"`
}
