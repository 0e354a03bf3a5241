// Package presence tracks which users currently hold at least one live
// connection.
package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Tracker counts live connections per user. A user is online while the count
// is positive and, for expiring trackers, the entry has been refreshed within
// its TTL.
type Tracker interface {
	Connect(ctx context.Context, userID string) error
	Disconnect(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string) error
	Online(ctx context.Context, userIDs []string) (map[string]bool, error)
}

const keyPrefix = "chat:presence:"

func presenceKey(userID string) string { return keyPrefix + userID }

// RedisTracker keeps a connection counter per user under a TTL so crashed
// processes do not leave users online forever. The counter never goes below
// zero. If it expires while connections are still open, the next refresh
// recreates it at one, so the user can briefly read as offline after one
// of several connections closes but is online again within a refresh period.
type RedisTracker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisTracker(rdb *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{rdb: rdb, ttl: ttl}
}

// disconnectScript decrements and deletes the counter at zero in one step,
// so a missing or expired key never turns negative.
var disconnectScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
return n
`)

// refreshScript extends the TTL, recreating an expired counter at one.
var refreshScript = redis.NewScript(`
if redis.call('PEXPIRE', KEYS[1], ARGV[1]) == 1 then
	return 1
end
redis.call('SET', KEYS[1], 1, 'PX', ARGV[1])
return 0
`)

func (t *RedisTracker) Connect(ctx context.Context, userID string) error {
	key := presenceKey(userID)
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	return errors.Wrapf(err, "presence connect %s", userID)
}

func (t *RedisTracker) Disconnect(ctx context.Context, userID string) error {
	err := disconnectScript.Run(ctx, t.rdb, []string{presenceKey(userID)}).Err()
	return errors.Wrapf(err, "presence disconnect %s", userID)
}

func (t *RedisTracker) Refresh(ctx context.Context, userID string) error {
	err := refreshScript.Run(ctx, t.rdb, []string{presenceKey(userID)}, t.ttl.Milliseconds()).Err()
	return errors.Wrapf(err, "presence refresh %s", userID)
}

func (t *RedisTracker) Online(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(id)
	}
	vals, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "presence lookup")
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			out[userIDs[i]] = true
		}
	}
	return out, nil
}

// MemoryTracker is a process-local Tracker without expiry.
type MemoryTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{counts: make(map[string]int)}
}

func (t *MemoryTracker) Connect(_ context.Context, userID string) error {
	t.mu.Lock()
	t.counts[userID]++
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) Disconnect(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[userID] <= 1 {
		delete(t.counts, userID)
		return nil
	}
	t.counts[userID]--
	return nil
}

func (t *MemoryTracker) Refresh(context.Context, string) error { return nil }

func (t *MemoryTracker) Online(_ context.Context, userIDs []string) (map[string]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if t.counts[id] > 0 {
			out[id] = true
		}
	}
	return out, nil
}
