// NATS JetStream persistence for proximity events and finished recordings

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"salesfloor/proximity/internal/model"
)

// JetStreamService persists events and recording receipts in JetStream streams
type JetStreamService struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Stream names
const (
	StreamEvents     = "PROX_EVENTS"
	StreamRecordings = "PROX_RECORDINGS"
)

// RecordingUploadedSubject carries finalized recordings to the transcription pipeline
const RecordingUploadedSubject = "proximity.recordings.uploaded"

// NewJetStreamService creates the JetStream context and makes sure the streams exist
func NewJetStreamService(nc *nats.Conn) (*JetStreamService, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	s := &JetStreamService{
		nc: nc,
		js: js,
	}

	if err := s.initStreams(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *JetStreamService) initStreams() error {
	streams := []nats.StreamConfig{
		{
			Name:      StreamEvents,
			Subjects:  []string{"proximity.events.*"},
			Retention: nats.LimitsPolicy,
			MaxMsgs:   -1,
			MaxBytes:  2 * 1024 * 1024 * 1024, // 2GB
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			// Consumed once by the transcription service
			Name:      StreamRecordings,
			Subjects:  []string{"proximity.recordings.*"},
			Retention: nats.WorkQueuePolicy,
			MaxMsgs:   100000,
			MaxAge:    30 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		cfg := cfg
		_, err := s.js.AddStream(&cfg)
		if err != nil {
			if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				if _, err = s.js.UpdateStream(&cfg); err != nil {
					return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
				}
			} else {
				return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
			}
		}
	}

	return nil
}

// Publish persists a proximity event on proximity.events.<vendor>
func (s *JetStreamService) Publish(ctx context.Context, event model.ProximityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := s.js.Publish(EventSubject(event.VendorID), payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("persist %s event: %w", event.Type, err)
	}
	return nil
}

// RecordingReceipt is the message handed to the transcription pipeline
type RecordingReceipt struct {
	RecordingID     string  `json:"recording_id"`
	SessionID       string  `json:"session_id"`
	VendorID        string  `json:"vendor_id"`
	ZoneID          string  `json:"zone_id"`
	BlobPath        string  `json:"blob_path"`
	BlobSize        int64   `json:"blob_size"`
	SampleRate      int     `json:"sample_rate"`
	DurationSeconds float64 `json:"duration_seconds"`
	Trigger         string  `json:"trigger"`
}

// PublishRecording hands a finalized recording over; the JetStream ack is the receipt
func (s *JetStreamService) PublishRecording(ctx context.Context, handle *model.RecordingHandle) error {
	payload, err := json.Marshal(receiptFor(handle))
	if err != nil {
		return err
	}
	_, err = s.js.Publish(RecordingUploadedSubject, payload,
		nats.Context(ctx),
		nats.MsgId(handle.ID), // dedupes retried handoffs
	)
	if err != nil {
		return fmt.Errorf("hand off recording %s: %w", handle.ID, err)
	}
	return nil
}

func receiptFor(handle *model.RecordingHandle) RecordingReceipt {
	return RecordingReceipt{
		RecordingID:     handle.ID,
		SessionID:       handle.ProximitySessionID,
		VendorID:        handle.VendorID,
		ZoneID:          handle.ZoneID,
		BlobPath:        handle.BlobPath,
		BlobSize:        handle.BlobSize,
		SampleRate:      handle.SampleRate,
		DurationSeconds: handle.DurationSeconds,
		Trigger:         string(handle.TriggerType),
	}
}

// GetStreamInfo returns stream state for the health endpoint
func (s *JetStreamService) GetStreamInfo(stream string) (*nats.StreamInfo, error) {
	return s.js.StreamInfo(stream)
}

// CoreRecordingHandoff publishes receipts on core NATS when JetStream is disabled.
// Without persistence the handoff is fire-and-forget.
type CoreRecordingHandoff struct {
	pub EventPublisher
}

// NewCoreRecordingHandoff creates a handoff over a plain NATS connection
func NewCoreRecordingHandoff(nc *nats.Conn) *CoreRecordingHandoff {
	return &CoreRecordingHandoff{pub: nc}
}

// PublishRecording publishes the receipt
func (h *CoreRecordingHandoff) PublishRecording(_ context.Context, handle *model.RecordingHandle) error {
	payload, err := json.Marshal(receiptFor(handle))
	if err != nil {
		return err
	}
	return h.pub.Publish(RecordingUploadedSubject, payload)
}
