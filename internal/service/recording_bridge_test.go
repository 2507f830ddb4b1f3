package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesfloor/proximity/internal/logging"
	"salesfloor/proximity/internal/model"
	"salesfloor/proximity/internal/proximity"
)

type fakeCapture struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	hang     bool
	starts   int
	stops    int
	aborts   int
	last     CaptureRequest
}

func (f *fakeCapture) Start(ctx context.Context, req CaptureRequest) error {
	f.mu.Lock()
	f.starts++
	f.last = req
	hang, err := f.hang, f.startErr
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeCapture) Stop(_ context.Context, _, _ string) (*audio.IntBuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	samples := make([]int, 800)
	for i := range samples {
		samples[i] = (i % 64) * 256
	}
	return &audio.IntBuffer{Data: samples, Format: &audio.Format{SampleRate: 8000, NumChannels: 1}, SourceBitDepth: 16}, nil
}

func (f *fakeCapture) Abort(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return nil
}

func (f *fakeCapture) set(fn func(f *fakeCapture)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeHandoff struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	published []string
}

func (h *fakeHandoff) PublishRecording(_ context.Context, handle *model.RecordingHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failFirst {
		return errors.New("jetstream unavailable")
	}
	h.published = append(h.published, handle.ID)
	return nil
}

type bridgeRig struct {
	bridge  *RecordingBridge
	store   *GormRecordingStore
	capture *fakeCapture
	handoff *fakeHandoff
	clock   *fakeClock
}

func newBridgeRig(t *testing.T) *bridgeRig {
	t.Helper()
	handoff := &fakeHandoff{}
	store := NewGormRecordingStore(newTestDB(t), t.TempDir(), handoff, logging.Discard())
	capture := &fakeCapture{}
	clock := newFakeClock(base)
	bridge := NewRecordingBridge(store, capture, BridgeOptions{
		Timeout:        20 * time.Millisecond,
		UploadAttempts: 3,
		UploadBackoff:  time.Millisecond,
		Now:            clock.Now,
	}, logging.Discard())
	return &bridgeRig{bridge: bridge, store: store, capture: capture, handoff: handoff, clock: clock}
}

func startCommand(sessionID string) proximity.Command {
	return proximity.Command{
		Type:              model.CommandStartRecording,
		VendorID:          "vendor-1",
		SessionID:         sessionID,
		ZoneID:            "showroom",
		Policy:            model.RecordingPolicy{AudioQuality: model.QualityLow},
		Trigger:           model.TriggerAutomatic,
		BackgroundAllowed: true,
	}
}

func countRecordings(t *testing.T, store *GormRecordingStore, sessionID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, store.db.Model(&model.RecordingHandle{}).Where("proximity_session_id = ?", sessionID).Count(&n).Error)
	return n
}

func TestBridgeStartAndStop(t *testing.T) {
	t.Parallel()

	r := newBridgeRig(t)
	ctx := context.Background()

	h, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.NoError(t, err)
	assert.Equal(t, model.RecordingRecording, h.Status)
	assert.Equal(t, 8000, h.SampleRate)
	assert.True(t, r.capture.last.Background)
	assert.Equal(t, h.ID, r.capture.last.RecordingID)

	stored, err := r.store.GetRecording(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingRecording, stored.Status)

	r.clock.Advance(90 * time.Second)
	done, err := r.bridge.Stop(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingUploading, done.Status)
	assert.InDelta(t, 90.0, done.DurationSeconds, 1e-9)
	require.NotNil(t, done.UploadedAt)
	assert.Equal(t, []string{h.ID}, r.handoff.published)

	f, err := os.Open(done.BlobPath)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	assert.EqualValues(t, 8000, dec.SampleRate)

	stored, err = r.store.GetRecording(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingUploading, stored.Status)
	assert.Equal(t, done.BlobPath, stored.BlobPath)

	_, live := r.bridge.Handle(h.ID)
	assert.False(t, live)
}

func TestBridgeStartIsIdempotentWhilePending(t *testing.T) {
	t.Parallel()

	r := newBridgeRig(t)
	ctx := context.Background()
	r.capture.set(func(f *fakeCapture) { f.hang = true })

	first, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.ErrorIs(t, err, ErrBridgeTimeout)
	assert.Equal(t, model.RecordingPending, first.Status)

	second, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.ErrorIs(t, err, ErrBridgeTimeout)
	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 1, countRecordings(t, r.store, "session-1"))

	r.capture.set(func(f *fakeCapture) { f.hang = false })
	third, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, model.RecordingRecording, third.Status)

	again, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 3, r.capture.starts, "a recording handle is not started twice")
	assert.EqualValues(t, 1, countRecordings(t, r.store, "session-1"))
}

func TestBridgeCaptureFailure(t *testing.T) {
	t.Parallel()

	r := newBridgeRig(t)
	ctx := context.Background()
	r.capture.set(func(f *fakeCapture) { f.startErr = errors.New("microphone busy") })

	h, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.ErrorIs(t, err, ErrCaptureFailed)
	assert.Equal(t, model.RecordingFailed, h.Status)
	assert.Contains(t, h.FailureReason, "microphone busy")

	stored, err := r.store.GetRecording(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingFailed, stored.Status)

	r.capture.set(func(f *fakeCapture) { f.startErr = nil })
	retry, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, retry.ID, "failed handles are not reused")
}

func TestBridgeUploadRetries(t *testing.T) {
	t.Parallel()

	r := newBridgeRig(t)
	ctx := context.Background()
	r.handoff.failFirst = 2

	h, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.NoError(t, err)
	done, err := r.bridge.Stop(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingUploading, done.Status)
	assert.Equal(t, 3, r.handoff.calls)
}

func TestBridgeUploadFailure(t *testing.T) {
	t.Parallel()

	r := newBridgeRig(t)
	ctx := context.Background()
	r.handoff.failFirst = 100

	h, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.NoError(t, err)
	done, err := r.bridge.Stop(ctx, h.ID)
	require.ErrorIs(t, err, ErrUploadFailed)
	assert.Equal(t, model.RecordingFailed, done.Status)
	assert.Equal(t, 3, r.handoff.calls)

	stored, err := r.store.GetRecording(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingFailed, stored.Status)

	_, err = r.bridge.Stop(ctx, h.ID)
	assert.ErrorIs(t, err, ErrHandleNotLive)
}

func TestBridgeDiscard(t *testing.T) {
	t.Parallel()

	r := newBridgeRig(t)
	ctx := context.Background()
	r.capture.set(func(f *fakeCapture) { f.hang = true })

	h, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.ErrorIs(t, err, ErrBridgeTimeout)

	r.bridge.Discard(ctx, "session-1", "")
	assert.Equal(t, 1, r.capture.aborts)
	assert.EqualValues(t, 0, countRecordings(t, r.store, "session-1"))
	_, live := r.bridge.Handle(h.ID)
	assert.False(t, live)

	r.bridge.Discard(ctx, "session-1", h.ID)
	r.bridge.Discard(ctx, "", "unknown")
	assert.Equal(t, 1, r.capture.aborts, "discarding twice is a no-op")
}

func TestBridgeAdoptAfterRestart(t *testing.T) {
	t.Parallel()

	r := newBridgeRig(t)
	ctx := context.Background()
	h, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.NoError(t, err)

	restarted := NewRecordingBridge(r.store, r.capture, BridgeOptions{Timeout: 20 * time.Millisecond, UploadBackoff: time.Millisecond}, logging.Discard())
	loaded, err := r.store.GetRecording(ctx, h.ID)
	require.NoError(t, err)
	restarted.Adopt(loaded)

	again, err := restarted.Start(ctx, startCommand("session-1"))
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID)

	done, err := restarted.Stop(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingUploading, done.Status)
}

func TestBridgeRecover(t *testing.T) {
	t.Parallel()

	r := newBridgeRig(t)
	ctx := context.Background()
	live, err := r.bridge.Start(ctx, startCommand("session-1"))
	require.NoError(t, err)
	stopped, err := r.bridge.Start(ctx, startCommand("session-2"))
	require.NoError(t, err)
	_, err = r.bridge.Stop(ctx, stopped.ID)
	require.NoError(t, err)

	restarted := NewRecordingBridge(r.store, r.capture, BridgeOptions{Timeout: 20 * time.Millisecond}, logging.Discard())
	n, err := restarted.Recover(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only live handles are adopted")

	h, ok := restarted.Handle(live.ID)
	require.True(t, ok)
	assert.Equal(t, model.RecordingRecording, h.Status)
	_, ok = restarted.Handle(stopped.ID)
	assert.False(t, ok)
}

// rejectingStore fails every CreateRecording call
type rejectingStore struct {
	RecordingStore
	mu      sync.Mutex
	creates int
}

func (s *rejectingStore) CreateRecording(context.Context, string, model.RecordingMetadata) (*model.RecordingHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	return nil, errors.New("constraint violation")
}

func (s *rejectingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

func TestBridgeStoreRejectionIsFatal(t *testing.T) {
	t.Parallel()

	r := newBridgeRig(t)
	store := &rejectingStore{RecordingStore: r.store}
	bridge := NewRecordingBridge(store, r.capture, BridgeOptions{Timeout: 20 * time.Millisecond, UploadBackoff: time.Millisecond}, logging.Discard())

	_, err := bridge.Start(context.Background(), startCommand("session-1"))
	require.ErrorIs(t, err, ErrBridgeFatal)
	assert.NotErrorIs(t, err, ErrBridgeTimeout)
	assert.Equal(t, 3, store.count())
	assert.Zero(t, r.capture.starts, "capture is never asked for")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = bridge.Start(ctx, startCommand("session-2"))
	assert.ErrorIs(t, err, ErrBridgeTimeout, "a cancelled caller is retried, not failed")
}

func TestBridgeStopUnknownHandle(t *testing.T) {
	t.Parallel()

	r := newBridgeRig(t)
	_, err := r.bridge.Stop(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrBridgeFatal)
}
