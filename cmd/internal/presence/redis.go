package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed instance can keep a username reserved.
	DefaultTTL = 90 * time.Second

	redisKeyPrefix = "vouch:presence:"
)

// Compare-and-delete / compare-and-extend so only the holder can touch its lease.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisRegistry shares presence across instances using leased keys.
// Leases must be refreshed (see Refresh) faster than ttl.
type RedisRegistry struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisRegistry wraps rdb. A non-positive ttl selects DefaultTTL.
func NewRedisRegistry(rdb redis.UniversalClient, ttl time.Duration) (*RedisRegistry, error) {
	if rdb == nil {
		return nil, fmt.Errorf("presence: nil redis client")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{rdb: rdb, ttl: ttl}, nil
}

func redisKey(username string) string { return redisKeyPrefix + username }

// Reserve is SET key connID NX PX ttl.
func (r *RedisRegistry) Reserve(ctx context.Context, username, connID string) (bool, error) {
	if err := checkArgs(username, connID); err != nil {
		return false, err
	}
	ok, err := r.rdb.SetNX(ctx, redisKey(username), connID, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("presence: reserve: %w", err)
	}
	if ok {
		return true, nil
	}

	// Idempotent for the current holder.
	holder, err := r.rdb.Get(ctx, redisKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: reserve: %w", err)
	}
	return holder == connID, nil
}

// Release deletes the lease only if connID holds it.
func (r *RedisRegistry) Release(ctx context.Context, username, connID string) error {
	if err := checkArgs(username, connID); err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, r.rdb, []string{redisKey(username)}, connID).Err(); err != nil {
		return fmt.Errorf("presence: release: %w", err)
	}
	return nil
}

// Refresh extends the lease; false means connID no longer holds username.
func (r *RedisRegistry) Refresh(ctx context.Context, username, connID string) (bool, error) {
	if err := checkArgs(username, connID); err != nil {
		return false, err
	}
	n, err := refreshScript.Run(ctx, r.rdb, []string{redisKey(username)}, connID, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("presence: refresh: %w", err)
	}
	return n == 1, nil
}

// Ping checks Redis reachability.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
