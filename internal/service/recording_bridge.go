package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"salesfloor/proximity/internal/model"
	"salesfloor/proximity/internal/proximity"
)

// BridgeOptions tunes the recording bridge
type BridgeOptions struct {
	Timeout        time.Duration // bound on each device round trip
	UploadAttempts int
	UploadBackoff  time.Duration // initial interval between upload and create attempts
	CreateAttempts int
	Now            func() time.Time
}

// RecordingBridge turns state machine commands into audio captures and store uploads.
// It is the only writer of RecordingHandle.Status.
type RecordingBridge struct {
	store   RecordingStore
	capture AudioCapture
	opts    BridgeOptions
	logger  *log.Logger

	mu        sync.Mutex
	handles   map[string]*model.RecordingHandle // live handles by ID
	bySession map[string]string                 // session ID -> live handle ID
}

// NewRecordingBridge creates a new recording bridge
func NewRecordingBridge(store RecordingStore, capture AudioCapture, opts BridgeOptions, logger *log.Logger) *RecordingBridge {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.UploadAttempts < 1 {
		opts.UploadAttempts = 3
	}
	if opts.CreateAttempts < 1 {
		opts.CreateAttempts = 3
	}
	if opts.UploadBackoff <= 0 {
		opts.UploadBackoff = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RecordingBridge{
		store:     store,
		capture:   capture,
		opts:      opts,
		logger:    logger,
		handles:   make(map[string]*model.RecordingHandle),
		bySession: make(map[string]string),
	}
}

// Start creates or resumes the session's handle and starts capture.
// While a handle is pending or recording the same handle is returned, so retried
// commands never create duplicates. A timeout leaves the handle pending.
func (b *RecordingBridge) Start(ctx context.Context, cmd proximity.Command) (*model.RecordingHandle, error) {
	handle := b.liveForSession(cmd.SessionID)
	if handle != nil && handle.Status == model.RecordingRecording {
		return copyHandle(handle), nil
	}

	if handle == nil {
		created, err := b.create(ctx, cmd)
		if err != nil {
			return nil, err
		}
		handle = created
		b.track(handle)
	}

	captureCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	err := b.capture.Start(captureCtx, CaptureRequest{
		VendorID:    cmd.VendorID,
		SessionID:   cmd.SessionID,
		RecordingID: handle.ID,
		SampleRate:  handle.SampleRate,
		Background:  cmd.BackgroundAllowed,
	})

	switch {
	case err == nil:
		b.mu.Lock()
		handle.Status = model.RecordingRecording
		handle.StartedAt = b.opts.Now().UTC()
		snapshot := copyHandle(handle)
		b.mu.Unlock()
		if err := b.store.UpdateRecording(ctx, snapshot); err != nil {
			b.logger.Warn("failed to persist recording start", "recording", handle.ID, "err", err)
		}
		b.logger.Info("recording started", "recording", handle.ID, "session", cmd.SessionID, "trigger", cmd.Trigger)
		return snapshot, nil
	case isTimeout(err):
		b.logger.Warn("capture start timed out", "recording", handle.ID, "session", cmd.SessionID)
		return copyHandle(handle), fmt.Errorf("start %s: %w", handle.ID, ErrBridgeTimeout)
	default:
		b.mu.Lock()
		handle.Status = model.RecordingFailed
		handle.FailureReason = err.Error()
		snapshot := copyHandle(handle)
		b.mu.Unlock()
		b.untrack(handle.ID)
		if uerr := b.store.UpdateRecording(ctx, snapshot); uerr != nil {
			b.logger.Warn("failed to persist capture failure", "recording", handle.ID, "err", uerr)
		}
		if !errors.Is(err, ErrCaptureFailed) {
			err = fmt.Errorf("%w: %v", ErrCaptureFailed, err)
		}
		return snapshot, err
	}
}

// create stores a pending handle, retrying with backoff. A store that keeps failing is fatal for the session.
func (b *RecordingBridge) create(ctx context.Context, cmd proximity.Command) (*model.RecordingHandle, error) {
	var created *model.RecordingHandle
	attempt := 0
	op := func() error {
		attempt++
		h, err := b.store.CreateRecording(ctx, cmd.SessionID, model.RecordingMetadata{
			VendorID:     cmd.VendorID,
			ZoneID:       cmd.ZoneID,
			TriggerType:  cmd.Trigger,
			AudioQuality: cmd.Policy.AudioQuality,
		})
		if err != nil {
			b.logger.Warn("failed to create recording", "session", cmd.SessionID, "attempt", attempt, "err", err)
			return err
		}
		created = h
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.opts.UploadBackoff
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.opts.CreateAttempts-1)), ctx)
	if err := backoff.Retry(op, retry); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("create recording for session %s: %v: %w", cmd.SessionID, err, ErrBridgeTimeout)
		}
		return nil, fmt.Errorf("create recording for session %s after %d attempts: %v: %w", cmd.SessionID, attempt, err, ErrBridgeFatal)
	}
	return created, nil
}

// Stop ends a recording and uploads it. A confirmed receipt leaves the handle uploading,
// where the transcription pipeline takes over; exhausted retries leave it failed.
func (b *RecordingBridge) Stop(ctx context.Context, handleID string) (*model.RecordingHandle, error) {
	handle, err := b.lookup(ctx, handleID)
	if err != nil {
		return nil, fmt.Errorf("stop %s: %v: %w", handleID, err, ErrBridgeFatal)
	}
	if handle.Status != model.RecordingRecording {
		return copyHandle(handle), fmt.Errorf("stop %s in status %s: %w", handleID, handle.Status, ErrHandleNotLive)
	}

	captureCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	pcm, err := b.capture.Stop(captureCtx, handle.VendorID, handle.ID)
	cancel()
	if err != nil {
		return b.failUpload(ctx, handle, fmt.Errorf("stop capture: %v: %w", err, ErrUploadFailed))
	}

	b.mu.Lock()
	stoppedAt := b.opts.Now().UTC()
	handle.Status = model.RecordingStopped
	handle.StoppedAt = &stoppedAt
	handle.DurationSeconds = stoppedAt.Sub(handle.StartedAt).Seconds()
	snapshot := copyHandle(handle)
	b.mu.Unlock()
	if err := b.store.UpdateRecording(ctx, snapshot); err != nil {
		b.logger.Warn("failed to persist recording stop", "recording", handle.ID, "err", err)
	}

	b.mu.Lock()
	handle.Status = model.RecordingUploading
	snapshot = copyHandle(handle)
	b.mu.Unlock()

	var finalized *model.RecordingHandle
	attempt := 0
	upload := func() error {
		attempt++
		if attempt == 1 {
			if err := b.store.UpdateRecording(ctx, snapshot); err != nil {
				return err
			}
		}
		h, err := b.store.FinalizeRecording(ctx, handle.ID, pcm)
		if err != nil {
			b.logger.Warn("recording upload attempt failed", "recording", handle.ID, "attempt", attempt, "err", err)
			return err
		}
		finalized = h
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.opts.UploadBackoff
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.opts.UploadAttempts-1)), ctx)
	if err := backoff.Retry(upload, retry); err != nil {
		return b.failUpload(ctx, handle, fmt.Errorf("upload %s after %d attempts: %v: %w", handle.ID, attempt, err, ErrUploadFailed))
	}

	b.mu.Lock()
	handle.BlobPath = finalized.BlobPath
	handle.BlobSize = finalized.BlobSize
	handle.UploadedAt = finalized.UploadedAt
	snapshot = copyHandle(handle)
	b.mu.Unlock()
	b.untrack(handle.ID)
	b.logger.Info("recording handed off", "recording", handle.ID, "duration", handle.DurationSeconds)
	return snapshot, nil
}

func (b *RecordingBridge) failUpload(ctx context.Context, handle *model.RecordingHandle, cause error) (*model.RecordingHandle, error) {
	b.mu.Lock()
	handle.Status = model.RecordingFailed
	handle.FailureReason = cause.Error()
	snapshot := copyHandle(handle)
	b.mu.Unlock()
	b.untrack(handle.ID)
	// Keep the blob reference if an attempt got as far as writing it.
	if stored, err := b.store.GetRecording(ctx, handle.ID); err == nil && snapshot.BlobPath == "" {
		snapshot.BlobPath = stored.BlobPath
		snapshot.BlobSize = stored.BlobSize
	}
	if err := b.store.UpdateRecording(ctx, snapshot); err != nil {
		b.logger.Warn("failed to persist recording failure", "recording", handle.ID, "err", err)
	}
	b.logger.Error("recording lost", "recording", handle.ID, "err", cause)
	return snapshot, cause
}

// Discard aborts capture and deletes a pending or recording handle. It never fails:
// remote errors are logged. handleID may be empty to discard the session's live handle.
func (b *RecordingBridge) Discard(ctx context.Context, sessionID, handleID string) {
	var handle *model.RecordingHandle
	if handleID != "" {
		handle = b.live(handleID)
	}
	if handle == nil && sessionID != "" {
		handle = b.liveForSession(sessionID)
	}
	if handle == nil || !handle.Live() {
		return
	}
	b.untrack(handle.ID)

	abortCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	if err := b.capture.Abort(abortCtx, handle.VendorID, handle.ID); err != nil {
		b.logger.Warn("capture abort failed", "recording", handle.ID, "err", err)
	}
	cancel()
	if err := b.store.DeleteRecording(ctx, handle.ID); err != nil {
		b.logger.Warn("failed to delete discarded recording", "recording", handle.ID, "err", err)
	}
	b.logger.Info("recording discarded", "recording", handle.ID, "session", handle.ProximitySessionID)
}

// Adopt registers a live handle loaded from the store after a restart
func (b *RecordingBridge) Adopt(handle *model.RecordingHandle) {
	if handle == nil || !handle.Live() {
		return
	}
	b.track(copyHandle(handle))
}

// Recover adopts every live handle the store holds for vendorID and returns how many it found
func (b *RecordingBridge) Recover(ctx context.Context, vendorID string) (int, error) {
	handles, err := b.store.LiveRecordings(ctx, vendorID)
	if err != nil {
		return 0, err
	}
	for i := range handles {
		b.Adopt(&handles[i])
	}
	return len(handles), nil
}

// Handle returns a copy of a live handle
func (b *RecordingBridge) Handle(handleID string) (*model.RecordingHandle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[handleID]
	if !ok {
		return nil, false
	}
	return copyHandle(h), true
}

// Get returns a handle by ID, live or not
func (b *RecordingBridge) Get(ctx context.Context, handleID string) (*model.RecordingHandle, error) {
	if h, ok := b.Handle(handleID); ok {
		return h, nil
	}
	return b.store.GetRecording(ctx, handleID)
}

func (b *RecordingBridge) lookup(ctx context.Context, handleID string) (*model.RecordingHandle, error) {
	if h := b.live(handleID); h != nil {
		return h, nil
	}
	h, err := b.store.GetRecording(ctx, handleID)
	if err != nil {
		return nil, err
	}
	if h.Live() {
		b.track(h)
	}
	return h, nil
}

func (b *RecordingBridge) live(handleID string) *model.RecordingHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[handleID]
}

func (b *RecordingBridge) liveForSession(sessionID string) *model.RecordingHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.bySession[sessionID]; ok {
		return b.handles[id]
	}
	return nil
}

func (b *RecordingBridge) track(h *model.RecordingHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles[h.ID] = h
	b.bySession[h.ProximitySessionID] = h.ID
}

func (b *RecordingBridge) untrack(handleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.handles[handleID]; ok {
		if b.bySession[h.ProximitySessionID] == handleID {
			delete(b.bySession, h.ProximitySessionID)
		}
		delete(b.handles, handleID)
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrBridgeTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func copyHandle(h *model.RecordingHandle) *model.RecordingHandle {
	c := *h
	return &c
}
