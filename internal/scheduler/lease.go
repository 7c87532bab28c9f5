package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramin-karimi/facegraph/internal/telemetry"
)

const leasePrefix = "facegraph:lease:"

// leaseClient is the slice of the Redis client the lease needs.
type leaseClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Reservation is the outcome of one lease attempt.
type Reservation struct {
	Reserved  bool
	Remaining time.Duration
	// FailOpen marks a reservation granted despite a lease-store error.
	FailOpen bool
}

// Lease is a distributed create-if-absent lock with TTL over Redis, used to
// keep concurrent scheduler instances from double-firing the same work.
//
// Infra errors fail open: a duplicate scan is recoverable, a fleet-wide
// scheduling stall is not.
type Lease struct {
	client leaseClient
	logger *log.Logger
}

func NewLease(client leaseClient, logger *log.Logger) *Lease {
	return &Lease{client: client, logger: logger}
}

// Reserve atomically claims the key for ttl. When the key is already held,
// Remaining reports the time left on the current holder.
func (l *Lease) Reserve(ctx context.Context, key string, ttl time.Duration) Reservation {
	fullKey := leasePrefix + key
	ok, err := l.client.SetNX(ctx, fullKey, "1", ttl).Result()
	if err != nil {
		l.logger.Printf("lease store error for %s, failing open: %v", key, err)
		return Reservation{Reserved: true, FailOpen: true}
	}
	if ok {
		return Reservation{Reserved: true, Remaining: ttl}
	}
	telemetry.RecordLeaseConflict()
	remaining, err := l.client.PTTL(ctx, fullKey).Result()
	if err != nil || remaining < 0 {
		remaining = 0
	}
	return Reservation{Reserved: false, Remaining: remaining}
}

// Release drops the lease early. Safe to call for keys not held.
func (l *Lease) Release(ctx context.Context, key string) {
	if err := l.client.Del(ctx, leasePrefix+key).Err(); err != nil {
		l.logger.Printf("lease release for %s: %v", key, err)
	}
}
