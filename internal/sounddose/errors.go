package sounddose

import "errors"

// Sentinel errors returned by the Manager and SoundDose handles.
var (
	// ErrInvalidArgument reports a rejected input. No state was changed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrResetInProgress reports a ResetCsd racing with another reset.
	ErrResetInProgress = errors.New("reset already in progress")
	// errClientGone reports delivery to a client whose liveness has ended.
	errClientGone = errors.New("client gone")
)
