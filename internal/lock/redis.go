// Package lock provides the redis-backed coordination primitives the
// scheduler relies on: a short-lived exclusive lease per schedule and an
// hourly processed marker that suppresses duplicate sends.
//
// The two keys are independent on purpose. The lease bounds the critical
// section; the marker outlives lease release so a duplicate tick cannot
// re-send within the same hour bucket even after the lock is gone.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix      = "notification:lock:"
	processedKeyPrefix = "notification:processed:"
)

// ErrNotHeld is returned by Release when the lease is no longer owned by
// this worker (expired or taken over).
var ErrNotHeld = errors.New("lock not held by this worker")

// releaseScript deletes the lease only when the stored owner matches, so a
// worker can never release a lease that expired and was re-acquired.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end`)

type Store struct {
	rdb   *redis.Client
	owner string
}

// NewStore creates a lock store. owner must be unique per worker instance;
// it is stored as the lease value for compare-owner release.
func NewStore(rdb *redis.Client, owner string) *Store {
	return &Store{rdb: rdb, owner: owner}
}

// Acquire takes the per-schedule lease if absent. false means another worker
// owns processing for this schedule.
func (s *Store) Acquire(ctx context.Context, scheduleID uuid.UUID, lease time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKey(scheduleID), s.owner, lease).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// Release drops the lease if still owned by this worker.
func (s *Store) Release(ctx context.Context, scheduleID uuid.UUID) error {
	n, err := releaseScript.Run(ctx, s.rdb, []string{lockKey(scheduleID)}, s.owner).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// IsProcessed reports whether the schedule already completed successfully in
// the hour bucket containing now.
func (s *Store) IsProcessed(ctx context.Context, scheduleID uuid.UUID, now time.Time) (bool, error) {
	n, err := s.rdb.Exists(ctx, processedKey(scheduleID, now)).Result()
	if err != nil {
		return false, fmt.Errorf("processed marker lookup: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records a successful end-to-end processing for the current
// hour bucket. Called only after the schedule row has been persisted.
func (s *Store) MarkProcessed(ctx context.Context, scheduleID uuid.UUID, now time.Time, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, processedKey(scheduleID, now), "processed", ttl).Err(); err != nil {
		return fmt.Errorf("set processed marker: %w", err)
	}
	return nil
}

func lockKey(id uuid.UUID) string {
	return lockKeyPrefix + id.String()
}

// processedKey buckets by UTC hour so a marker from one hour never
// suppresses the next occurrence.
func processedKey(id uuid.UUID, now time.Time) string {
	bucket := now.UTC().Truncate(time.Hour).Format(time.RFC3339)
	return processedKeyPrefix + id.String() + ":" + bucket
}
