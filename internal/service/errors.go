package service

import "errors"

var (
	// ErrCaptureFailed means the device refused or failed to capture audio. Sessions continue without a recording.
	ErrCaptureFailed = errors.New("audio capture failed")
	// ErrBridgeTimeout means the device did not answer a capture command in time. The command is retried.
	ErrBridgeTimeout = errors.New("recording bridge timed out")
	// ErrBridgeFatal means the bridge cannot serve the session at all, e.g. the store keeps
	// rejecting the recording. The session fails.
	ErrBridgeFatal = errors.New("recording bridge failed")
	// ErrUploadFailed means a finished recording could not be handed to the store
	ErrUploadFailed = errors.New("recording upload failed")
	// ErrHandleNotLive is returned for stop requests on handles that are not recording
	ErrHandleNotLive = errors.New("recording handle is not live")
	// ErrAlreadyRunning is returned when starting a worker loop that is already running
	ErrAlreadyRunning = errors.New("worker loop already running")
	// ErrLeaseHeld means another process owns the vendor's worker loop
	ErrLeaseHeld = errors.New("vendor lease held by another instance")
	// ErrNoFix means no location fix arrived within the wait bound
	ErrNoFix = errors.New("no location fix available")
	// ErrNotMonitored is returned for commands addressed to a vendor without a running loop
	ErrNotMonitored = errors.New("vendor is not monitored")
	// ErrInvalidConfig is returned for vendor configs that fail validation
	ErrInvalidConfig = errors.New("invalid proximity config")
)
