package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"salesfloor/proximity/internal/model"
)

// SessionArchive stores closed sessions for reporting
type SessionArchive interface {
	Archive(ctx context.Context, session model.ProximitySession) error
}

// SessionHistory persists closed proximity sessions and exports them
type SessionHistory struct {
	db *gorm.DB
}

// NewSessionHistory creates a new session history service
func NewSessionHistory(db *gorm.DB) *SessionHistory {
	return &SessionHistory{db: db}
}

// Archive upserts a closed session. Archiving the same session twice keeps the latest copy.
func (s *SessionHistory) Archive(ctx context.Context, session model.ProximitySession) error {
	if session.ID == "" {
		return fmt.Errorf("archive session: missing id")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&session).Error
	if err != nil {
		return fmt.Errorf("archive session %s: %w", session.ID, err)
	}
	return nil
}

// SessionFilter narrows a history query
type SessionFilter struct {
	VendorID string
	ZoneID   string
	From     time.Time
	To       time.Time
	Limit    int
}

// List returns archived sessions, newest first
func (s *SessionHistory) List(ctx context.Context, filter SessionFilter) ([]model.ProximitySession, error) {
	query := s.db.WithContext(ctx).Model(&model.ProximitySession{})
	if filter.VendorID != "" {
		query = query.Where("vendor_id = ?", filter.VendorID)
	}
	if filter.ZoneID != "" {
		query = query.Where("zone_id = ?", filter.ZoneID)
	}
	if !filter.From.IsZero() {
		query = query.Where("entered_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("entered_at < ?", filter.To)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var sessions []model.ProximitySession
	if err := query.Order("entered_at DESC").Order("id").Limit(limit).Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

var historyHeaders = []string{
	"Session", "Vendor", "Zone", "Zone name", "State", "Trigger",
	"Entered at", "Exited at", "Dwell (s)", "Recording", "Truncated", "Failure reason",
}

// Export writes the matching sessions to an xlsx workbook
func (s *SessionHistory) Export(ctx context.Context, filter SessionFilter) (*bytes.Buffer, error) {
	sessions, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Sessions"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}

	for i, header := range historyHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, header)
	}

	for i, session := range sessions {
		row := i + 2
		exited := ""
		if session.ExitedAt != nil {
			exited = session.ExitedAt.UTC().Format(time.RFC3339)
		}
		values := []interface{}{
			session.ID,
			session.VendorID,
			session.ZoneID,
			session.ZoneName,
			string(session.State),
			string(session.TriggerType),
			session.EnteredAt.UTC().Format(time.RFC3339),
			exited,
			session.DwellSeconds,
			session.RecordingID,
			session.Truncated,
			session.FailureReason,
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(sheetName, cell, value)
		}
	}

	f.SetColWidth(sheetName, "A", "D", 24)
	f.SetColWidth(sheetName, "E", "K", 16)
	f.SetColWidth(sheetName, "L", "L", 40)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return &buf, nil
}
