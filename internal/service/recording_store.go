package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"salesfloor/proximity/internal/model"
)

// RecordingStore persists recording handles and their audio
type RecordingStore interface {
	CreateRecording(ctx context.Context, sessionID string, meta model.RecordingMetadata) (*model.RecordingHandle, error)
	UpdateRecording(ctx context.Context, handle *model.RecordingHandle) error
	FinalizeRecording(ctx context.Context, handleID string, pcm *audio.IntBuffer) (*model.RecordingHandle, error)
	DeleteRecording(ctx context.Context, handleID string) error
	GetRecording(ctx context.Context, handleID string) (*model.RecordingHandle, error)
	LiveRecordings(ctx context.Context, vendorID string) ([]model.RecordingHandle, error)
}

// RecordingHandoff passes finalized recordings to the transcription pipeline
type RecordingHandoff interface {
	PublishRecording(ctx context.Context, handle *model.RecordingHandle) error
}

// GormRecordingStore keeps handles in the database and audio as WAV files under dir
type GormRecordingStore struct {
	db      *gorm.DB
	dir     string
	handoff RecordingHandoff
	logger  *log.Logger
	newID   func() string
}

// NewGormRecordingStore creates a new recording store. handoff may be nil.
func NewGormRecordingStore(db *gorm.DB, dir string, handoff RecordingHandoff, logger *log.Logger) *GormRecordingStore {
	if logger == nil {
		logger = log.Default()
	}
	return &GormRecordingStore{
		db:      db,
		dir:     dir,
		handoff: handoff,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// CreateRecording inserts a pending handle for a session
func (s *GormRecordingStore) CreateRecording(ctx context.Context, sessionID string, meta model.RecordingMetadata) (*model.RecordingHandle, error) {
	handle := &model.RecordingHandle{
		ID:                 s.newID(),
		ProximitySessionID: sessionID,
		VendorID:           meta.VendorID,
		ZoneID:             meta.ZoneID,
		Status:             model.RecordingPending,
		TriggerType:        meta.TriggerType,
		AudioQuality:       meta.AudioQuality,
		SampleRate:         meta.AudioQuality.SampleRate(),
	}
	if err := s.db.WithContext(ctx).Create(handle).Error; err != nil {
		return nil, fmt.Errorf("create recording for session %s: %w", sessionID, err)
	}
	return handle, nil
}

// UpdateRecording saves the handle's current state
func (s *GormRecordingStore) UpdateRecording(ctx context.Context, handle *model.RecordingHandle) error {
	if err := s.db.WithContext(ctx).Save(handle).Error; err != nil {
		return fmt.Errorf("update recording %s: %w", handle.ID, err)
	}
	return nil
}

// GetRecording loads a handle by ID
func (s *GormRecordingStore) GetRecording(ctx context.Context, handleID string) (*model.RecordingHandle, error) {
	var handle model.RecordingHandle
	if err := s.db.WithContext(ctx).First(&handle, "id = ?", handleID).Error; err != nil {
		return nil, fmt.Errorf("get recording %s: %w", handleID, err)
	}
	return &handle, nil
}

// LiveRecordings returns a vendor's pending and recording handles
func (s *GormRecordingStore) LiveRecordings(ctx context.Context, vendorID string) ([]model.RecordingHandle, error) {
	var handles []model.RecordingHandle
	err := s.db.WithContext(ctx).
		Where("vendor_id = ? AND status IN ?", vendorID, []model.RecordingStatus{model.RecordingPending, model.RecordingRecording}).
		Order("created_at").
		Find(&handles).Error
	if err != nil {
		return nil, fmt.Errorf("list live recordings for vendor %s: %w", vendorID, err)
	}
	return handles, nil
}

// FinalizeRecording writes the captured audio as a WAV blob and hands the recording off.
// Receipt is confirmed once the handoff is acknowledged.
func (s *GormRecordingStore) FinalizeRecording(ctx context.Context, handleID string, pcm *audio.IntBuffer) (*model.RecordingHandle, error) {
	handle, err := s.GetRecording(ctx, handleID)
	if err != nil {
		return nil, err
	}

	if handle.BlobPath == "" {
		path, size, err := s.writeWAV(handle, pcm)
		if err != nil {
			return nil, err
		}
		handle.BlobPath = path
		handle.BlobSize = size
		if err := s.UpdateRecording(ctx, handle); err != nil {
			return nil, err
		}
	}

	if s.handoff != nil {
		if err := s.handoff.PublishRecording(ctx, handle); err != nil {
			return nil, fmt.Errorf("hand off recording %s: %w", handle.ID, err)
		}
	}

	now := time.Now().UTC()
	handle.UploadedAt = &now
	if err := s.UpdateRecording(ctx, handle); err != nil {
		return nil, err
	}
	return handle, nil
}

func (s *GormRecordingStore) writeWAV(handle *model.RecordingHandle, pcm *audio.IntBuffer) (string, int64, error) {
	if pcm == nil || pcm.Format == nil {
		return "", 0, fmt.Errorf("recording %s: no audio", handle.ID)
	}
	path := filepath.Join(s.dir, handle.VendorID, handle.ID+".wav")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create directories: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	bitDepth := pcm.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	enc := wav.NewEncoder(f, pcm.Format.SampleRate, bitDepth, pcm.Format.NumChannels, 1)
	if err := enc.Write(pcm); err != nil {
		return "", 0, fmt.Errorf("failed to write to WAV encoder: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to finalize WAV: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	return path, info.Size(), nil
}

// DeleteRecording removes a handle and its blob. A missing blob is not an error.
func (s *GormRecordingStore) DeleteRecording(ctx context.Context, handleID string) error {
	var handle model.RecordingHandle
	err := s.db.WithContext(ctx).First(&handle, "id = ?", handleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get recording %s: %w", handleID, err)
	}
	if handle.BlobPath != "" {
		if err := os.Remove(handle.BlobPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove recording blob", "recording", handleID, "path", handle.BlobPath, "err", err)
		}
	}
	if err := s.db.WithContext(ctx).Delete(&model.RecordingHandle{}, "id = ?", handleID).Error; err != nil {
		return fmt.Errorf("delete recording %s: %w", handleID, err)
	}
	return nil
}
