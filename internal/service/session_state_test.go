package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesfloor/proximity/internal/model"
	"salesfloor/proximity/internal/proximity"
)

func sampleSnapshot(vendorID string) proximity.Snapshot {
	return proximity.Snapshot{
		VendorID: vendorID,
		AgencyID: "agency-1",
		Session: &model.ProximitySession{
			ID:              "session-1",
			VendorID:        vendorID,
			ZoneID:          "showroom",
			State:           model.StateActive,
			EnteredAt:       base,
			LastConfirmedAt: base.Add(5 * time.Second),
			RecordingID:     "rec-1",
			RecordingOpen:   true,
		},
		Cooldowns:    map[string]time.Time{"office": base.Add(time.Minute)},
		LastAccepted: base.Add(5 * time.Second),
		SavedAt:      base.Add(5 * time.Second),
	}
}

func exerciseSnapshotStore(t *testing.T, store SnapshotStore, vendorID string) {
	ctx := context.Background()

	snap, err := store.Load(ctx, vendorID)
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, store.Save(ctx, sampleSnapshot(vendorID)))
	snap, err = store.Load(ctx, vendorID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.NotNil(t, snap.Session)
	assert.Equal(t, model.StateActive, snap.Session.State)
	assert.Equal(t, "rec-1", snap.Session.RecordingID)
	assert.True(t, snap.LastAccepted.Equal(base.Add(5*time.Second)))
	assert.True(t, snap.Cooldowns["office"].Equal(base.Add(time.Minute)))

	require.NoError(t, store.Delete(ctx, vendorID))
	snap, err = store.Load(ctx, vendorID)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func exerciseLease(t *testing.T, lease Lease, vendorID string) {
	ctx := context.Background()
	ttl := time.Minute

	require.NoError(t, lease.Acquire(ctx, vendorID, "instance-a", ttl))
	require.NoError(t, lease.Acquire(ctx, vendorID, "instance-a", ttl), "re-acquire by the holder")
	assert.ErrorIs(t, lease.Acquire(ctx, vendorID, "instance-b", ttl), ErrLeaseHeld)
	assert.ErrorIs(t, lease.Renew(ctx, vendorID, "instance-b", ttl), ErrLeaseHeld)
	require.NoError(t, lease.Renew(ctx, vendorID, "instance-a", ttl))

	require.NoError(t, lease.Release(ctx, vendorID, "instance-b"), "releasing a foreign lease is a no-op")
	assert.ErrorIs(t, lease.Acquire(ctx, vendorID, "instance-b", ttl), ErrLeaseHeld)

	require.NoError(t, lease.Release(ctx, vendorID, "instance-a"))
	require.NoError(t, lease.Acquire(ctx, vendorID, "instance-b", ttl))
	require.NoError(t, lease.Release(ctx, vendorID, "instance-b"))
}

func TestMemorySessionState(t *testing.T) {
	t.Parallel()

	state := NewMemorySessionState()
	exerciseSnapshotStore(t, state, "vendor-1")
	exerciseLease(t, state, "vendor-1")
}

func TestMemoryLeaseExpires(t *testing.T) {
	t.Parallel()

	state := NewMemorySessionState()
	clock := newFakeClock(base)
	state.now = clock.Now
	ctx := context.Background()

	require.NoError(t, state.Acquire(ctx, "vendor-1", "instance-a", time.Minute))
	clock.Advance(2 * time.Minute)
	require.NoError(t, state.Acquire(ctx, "vendor-1", "instance-b", time.Minute), "expired leases can be taken over")
	assert.ErrorIs(t, state.Renew(ctx, "vendor-1", "instance-a", time.Minute), ErrLeaseHeld)
}

func TestCorruptSnapshot(t *testing.T) {
	t.Parallel()

	state := NewMemorySessionState()
	state.PutRaw("vendor-1", []byte("{not json"))
	_, err := state.Load(context.Background(), "vendor-1")
	assert.ErrorIs(t, err, proximity.ErrInvalidSnapshot)

	state.PutRaw("vendor-2", []byte(`{"vendor_id":"vendor-3"}`))
	_, err = state.Load(context.Background(), "vendor-2")
	assert.ErrorIs(t, err, proximity.ErrInvalidSnapshot)
}

// TestRedisSessionState runs against a real server when PROXIMITY_TEST_REDIS_ADDR is set
func TestRedisSessionState(t *testing.T) {
	addr := os.Getenv("PROXIMITY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROXIMITY_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	vendorID := "test-vendor-" + time.Now().Format("150405.000000")
	state := NewRedisSessionState(rdb)
	exerciseSnapshotStore(t, state, vendorID)
	exerciseLease(t, state, vendorID)
}
