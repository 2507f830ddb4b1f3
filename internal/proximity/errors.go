package proximity

import "errors"

var (
	// ErrNoSession is returned when a command needs a live session and there is none
	ErrNoSession = errors.New("no live proximity session")
	// ErrStaleConfirmation is returned for confirmations that no longer apply
	ErrStaleConfirmation = errors.New("confirmation does not match a session awaiting it")
	// ErrNoRecording is returned when a stop is requested with nothing recording
	ErrNoRecording = errors.New("no recording in progress")
	// ErrInvalidSnapshot is returned when a persisted snapshot cannot be restored
	ErrInvalidSnapshot = errors.New("invalid session snapshot")
)
