package service

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesfloor/proximity/internal/model"
)

func uploadedHandle() *model.RecordingHandle {
	stopped := base.Add(time.Minute)
	return &model.RecordingHandle{
		ID:                 "rec-1",
		ProximitySessionID: "session-1",
		VendorID:           "vendor-1",
		ZoneID:             "showroom",
		Status:             model.RecordingUploading,
		TriggerType:        model.TriggerAutomatic,
		SampleRate:         8000,
		StartedAt:          base,
		StoppedAt:          &stopped,
		DurationSeconds:    60,
		BlobPath:           "data/recordings/vendor-1/rec-1.wav",
		BlobSize:           960044,
	}
}

func TestCoreRecordingHandoff(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	handoff := &CoreRecordingHandoff{pub: pub}
	require.NoError(t, handoff.PublishRecording(context.Background(), uploadedHandle()))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, RecordingUploadedSubject, pub.subjects[0])
	var receipt RecordingReceipt
	require.NoError(t, json.Unmarshal(pub.payloads[0], &receipt))
	assert.Equal(t, "session-1", receipt.SessionID)
	assert.Equal(t, "automatic", receipt.Trigger)
	assert.InDelta(t, 60, receipt.DurationSeconds, 0)
}

// TestJetStreamService runs against a JetStream-enabled server when PROXIMITY_TEST_NATS_URL is set
func TestJetStreamService(t *testing.T) {
	url := os.Getenv("PROXIMITY_TEST_NATS_URL")
	if url == "" {
		t.Skip("PROXIMITY_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := NewJetStreamService(nc)
	require.NoError(t, err)
	_, err = NewJetStreamService(nc)
	require.NoError(t, err, "stream setup is idempotent")

	ctx := context.Background()
	require.NoError(t, js.Publish(ctx, statusEvent("vendor-1", model.StateEntered)))
	require.NoError(t, js.PublishRecording(ctx, uploadedHandle()))

	info, err := js.GetStreamInfo(StreamEvents)
	require.NoError(t, err)
	assert.NotZero(t, info.State.Msgs)
}
