// Package ratelimit throttles how fast a single account may create
// conversations and send messages.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sendKeyPrefix = "whisper:send"
	redisTimeout  = 2 * time.Second
)

// countAndExpire bumps the per-sender counter and arms the window TTL on
// the first hit, so abandoned counters clean themselves up.
var countAndExpire = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// SendLimiter caps outbound messages per sender within a fixed one-minute
// window. State lives in Redis so every server process shares one budget.
type SendLimiter struct {
	perMinute int
	client    *redis.Client
}

// NewSendLimiter connects to Redis and returns a limiter allowing perMinute
// sends per account.
func NewSendLimiter(addr, password string, perMinute int) (*SendLimiter, error) {
	if perMinute <= 0 {
		return nil, errors.New("send limiter requires a positive per-minute limit")
	}
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("send limiter requires a redis address")
	}
	return &SendLimiter{
		perMinute: perMinute,
		client: redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(addr),
			Password: password,
		}),
	}, nil
}

// Allow reports whether senderID still has budget in the current minute.
// When Redis is unreachable the limiter fails closed.
func (l *SendLimiter) Allow(senderID string) bool {
	if l == nil {
		return false
	}
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return false
	}
	slot := time.Now().UTC().Truncate(time.Minute).Unix()
	key := fmt.Sprintf("%s:%s:%d", sendKeyPrefix, senderID, slot)

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	n, err := countAndExpire.Run(ctx, l.client, []string{key}, time.Minute.Milliseconds()).Int64()
	if err != nil {
		return false
	}
	return n <= int64(l.perMinute)
}

// Close releases the Redis connection.
func (l *SendLimiter) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
