package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix = "presence:user:"
	connKeyPrefix = "presence:conn:"
	opTimeout     = 2 * time.Second
)

// RedisRegistry backs presence with a shared keyed store so multiple server
// processes observe the same announcements. Redis failures are logged and
// treated as absence; they never surface to callers.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisRegistry connects to addr. Entries expire after ttl as a safety
// net against processes that die without forgetting their connections;
// ttl <= 0 disables expiry.
func NewRedisRegistry(addr, password string, ttl time.Duration, logger *slog.Logger) *RedisRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRegistry{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		ttl:    ttl,
		logger: logger,
	}
}

func (r *RedisRegistry) Announce(entry Entry) bool {
	if entry.UserID == "" || entry.ConnectionID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	payload, err := json.Marshal(entry)
	if err != nil {
		r.logger.Warn("presence announce marshal failed", "err", err)
		return false
	}
	// SETNX keeps first-registration-wins across processes.
	ok, err := r.client.SetNX(ctx, userKeyPrefix+entry.UserID, payload, r.ttl).Result()
	if err != nil {
		r.logger.Warn("presence announce failed", "user_id", entry.UserID, "err", err)
		return false
	}
	if !ok {
		return false
	}
	if err := r.client.Set(ctx, connKeyPrefix+entry.ConnectionID, entry.UserID, r.ttl).Err(); err != nil {
		r.logger.Warn("presence conn index failed", "connection_id", entry.ConnectionID, "err", err)
	}
	return true
}

func (r *RedisRegistry) Forget(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	userID, err := r.client.Get(ctx, connKeyPrefix+connectionID).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("presence forget lookup failed", "connection_id", connectionID, "err", err)
		}
		return
	}
	// Only drop the user mapping when it still points at this connection.
	raw, err := r.client.Get(ctx, userKeyPrefix+userID).Result()
	if err == nil {
		var entry Entry
		if json.Unmarshal([]byte(raw), &entry) == nil && entry.ConnectionID == connectionID {
			if err := r.client.Del(ctx, userKeyPrefix+userID).Err(); err != nil {
				r.logger.Warn("presence forget failed", "user_id", userID, "err", err)
			}
		}
	}
	if err := r.client.Del(ctx, connKeyPrefix+connectionID).Err(); err != nil {
		r.logger.Warn("presence conn cleanup failed", "connection_id", connectionID, "err", err)
	}
}

func (r *RedisRegistry) Lookup(userID string) (Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	raw, err := r.client.Get(ctx, userKeyPrefix+userID).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("presence lookup failed", "user_id", userID, "err", err)
		}
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		r.logger.Warn("presence entry corrupt", "user_id", userID, "err", err)
		return Entry{}, false
	}
	return entry, true
}

// Close releases the redis client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
