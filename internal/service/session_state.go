package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"salesfloor/proximity/internal/proximity"
)

// SnapshotStore persists the last known machine state per vendor
type SnapshotStore interface {
	// Load returns nil without error when nothing is stored. Undecodable data yields proximity.ErrInvalidSnapshot.
	Load(ctx context.Context, vendorID string) (*proximity.Snapshot, error)
	Save(ctx context.Context, snap proximity.Snapshot) error
	Delete(ctx context.Context, vendorID string) error
}

// Lease gives one process exclusive ownership of a vendor's worker loop
type Lease interface {
	Acquire(ctx context.Context, vendorID, owner string, ttl time.Duration) error
	Renew(ctx context.Context, vendorID, owner string, ttl time.Duration) error
	Release(ctx context.Context, vendorID, owner string) error
}

const (
	snapshotKeyPrefix = "proximity:snapshot:"
	leaseKeyPrefix    = "proximity:lease:"
)

var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisSessionState keeps snapshots and leases in Redis so any instance can resume a vendor
type RedisSessionState struct {
	redis redis.Cmdable
}

// NewRedisSessionState creates a new Redis-backed session state store
func NewRedisSessionState(rdb redis.Cmdable) *RedisSessionState {
	return &RedisSessionState{redis: rdb}
}

// Load reads a vendor's snapshot
func (s *RedisSessionState) Load(ctx context.Context, vendorID string) (*proximity.Snapshot, error) {
	data, err := s.redis.Get(ctx, snapshotKeyPrefix+vendorID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for vendor %s: %w", vendorID, err)
	}
	return decodeSnapshot(vendorID, data)
}

// Save writes a vendor's snapshot
func (s *RedisSessionState) Save(ctx context.Context, snap proximity.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, snapshotKeyPrefix+snap.VendorID, data, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot for vendor %s: %w", snap.VendorID, err)
	}
	return nil
}

// Delete removes a vendor's snapshot
func (s *RedisSessionState) Delete(ctx context.Context, vendorID string) error {
	return s.redis.Del(ctx, snapshotKeyPrefix+vendorID).Err()
}

// Acquire takes the vendor lease with SET NX. Re-acquiring a lease already held by owner renews it.
func (s *RedisSessionState) Acquire(ctx context.Context, vendorID, owner string, ttl time.Duration) error {
	ok, err := s.redis.SetNX(ctx, leaseKeyPrefix+vendorID, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease for vendor %s: %w", vendorID, err)
	}
	if ok {
		return nil
	}
	return s.Renew(ctx, vendorID, owner, ttl)
}

// Renew extends the lease if owner still holds it
func (s *RedisSessionState) Renew(ctx context.Context, vendorID, owner string, ttl time.Duration) error {
	n, err := renewLeaseScript.Run(ctx, s.redis, []string{leaseKeyPrefix + vendorID}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lease for vendor %s: %w", vendorID, err)
	}
	if n == 0 {
		return fmt.Errorf("vendor %s: %w", vendorID, ErrLeaseHeld)
	}
	return nil
}

// Release gives the lease up if owner holds it
func (s *RedisSessionState) Release(ctx context.Context, vendorID, owner string) error {
	return releaseLeaseScript.Run(ctx, s.redis, []string{leaseKeyPrefix + vendorID}, owner).Err()
}

func decodeSnapshot(vendorID string, data []byte) (*proximity.Snapshot, error) {
	var snap proximity.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("vendor %s: %v: %w", vendorID, err, proximity.ErrInvalidSnapshot)
	}
	if snap.VendorID != vendorID {
		return nil, fmt.Errorf("vendor %s: snapshot names %q: %w", vendorID, snap.VendorID, proximity.ErrInvalidSnapshot)
	}
	return &snap, nil
}

// MemorySessionState is an in-process SnapshotStore and Lease for single-instance runs and tests.
// Snapshots are stored encoded so they go through the same decode path as Redis.
type MemorySessionState struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	leases    map[string]memoryLease
	now       func() time.Time
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewMemorySessionState creates an empty in-memory store
func NewMemorySessionState() *MemorySessionState {
	return &MemorySessionState{
		snapshots: make(map[string][]byte),
		leases:    make(map[string]memoryLease),
		now:       time.Now,
	}
}

// Load reads a vendor's snapshot
func (s *MemorySessionState) Load(_ context.Context, vendorID string) (*proximity.Snapshot, error) {
	s.mu.Lock()
	data, ok := s.snapshots[vendorID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeSnapshot(vendorID, data)
}

// Save writes a vendor's snapshot
func (s *MemorySessionState) Save(_ context.Context, snap proximity.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.VendorID] = data
	return nil
}

// Delete removes a vendor's snapshot
func (s *MemorySessionState) Delete(_ context.Context, vendorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, vendorID)
	return nil
}

// PutRaw stores undecoded bytes for a vendor
func (s *MemorySessionState) PutRaw(vendorID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[vendorID] = data
}

// Acquire takes the vendor lease
func (s *MemorySessionState) Acquire(_ context.Context, vendorID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.leases[vendorID]; ok && l.owner != owner && now.Before(l.expires) {
		return fmt.Errorf("vendor %s: %w", vendorID, ErrLeaseHeld)
	}
	s.leases[vendorID] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return nil
}

// Renew extends the lease if owner still holds it
func (s *MemorySessionState) Renew(_ context.Context, vendorID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l, ok := s.leases[vendorID]
	if !ok || l.owner != owner || !now.Before(l.expires) {
		return fmt.Errorf("vendor %s: %w", vendorID, ErrLeaseHeld)
	}
	s.leases[vendorID] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return nil
}

// Release gives the lease up if owner holds it
func (s *MemorySessionState) Release(_ context.Context, vendorID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[vendorID]; ok && l.owner == owner {
		delete(s.leases, vendorID)
	}
	return nil
}
