package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// ObjectProber is the minimal object-store surface readiness needs.
type ObjectProber interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// BuildReadinessChecks returns the db, bucket and redis probes wired into
// /readyz. The redis probe is nil when no client is configured, which drops
// it from the readiness report instead of failing it.
func BuildReadinessChecks(pool Pinger, objects ObjectProber, rdb *redis.Client) (dbCheck, bucketCheck, redisCheck func(ctx context.Context) error) {
	dbCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	bucketCheck = func(ctx context.Context) error {
		if objects == nil {
			return fmt.Errorf("object store not configured")
		}
		// A missing probe object is fine; only transport failures matter.
		_, err := objects.Exists(ctx, ".readyz-probe")
		return err
	}
	if rdb != nil {
		redisCheck = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	return dbCheck, bucketCheck, redisCheck
}
