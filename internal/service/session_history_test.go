package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"salesfloor/proximity/internal/model"
)

func closedSession(id, vendorID string, entered time.Time, state model.SessionState) model.ProximitySession {
	exited := entered.Add(10 * time.Minute)
	return model.ProximitySession{
		ID:              id,
		VendorID:        vendorID,
		AgencyID:        "agency-1",
		ZoneID:          "showroom",
		ZoneName:        "Showroom",
		State:           state,
		EnteredAt:       entered,
		LastConfirmedAt: exited,
		ExitedAt:        &exited,
		DwellSeconds:    600,
		TriggerType:     model.TriggerAutomatic,
	}
}

func TestSessionHistoryArchiveAndList(t *testing.T) {
	t.Parallel()

	history := NewSessionHistory(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, history.Archive(ctx, closedSession("s-1", "vendor-1", base, model.StateCompleted)))
	require.NoError(t, history.Archive(ctx, closedSession("s-2", "vendor-1", base.Add(time.Hour), model.StateCancelled)))
	require.NoError(t, history.Archive(ctx, closedSession("s-3", "vendor-2", base, model.StateCompleted)))

	updated := closedSession("s-1", "vendor-1", base, model.StateCompleted)
	updated.RecordingID = "rec-1"
	require.NoError(t, history.Archive(ctx, updated), "archiving twice upserts")

	sessions, err := history.List(ctx, SessionFilter{VendorID: "vendor-1"})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s-2", sessions[0].ID, "newest first")
	assert.Equal(t, "rec-1", sessions[1].RecordingID)

	sessions, err = history.List(ctx, SessionFilter{VendorID: "vendor-1", From: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.StateCancelled, sessions[0].State)

	assert.Error(t, history.Archive(ctx, model.ProximitySession{}))
}

func TestSessionHistoryExport(t *testing.T) {
	t.Parallel()

	history := NewSessionHistory(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, history.Archive(ctx, closedSession("s-1", "vendor-1", base, model.StateCompleted)))

	buf, err := history.Export(ctx, SessionFilter{VendorID: "vendor-1"})
	require.NoError(t, err)

	f, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Sessions")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Session", rows[0][0])
	assert.Equal(t, "s-1", rows[1][0])
	assert.Equal(t, "completed", rows[1][4])
	assert.Equal(t, "2024-03-04T10:00:00Z", rows[1][6])
	assert.Equal(t, "600", rows[1][8])
}
