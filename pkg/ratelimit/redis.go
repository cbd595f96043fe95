package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

// acquireScript increments the window counter, sets its expiry on first use and
// gives the unit back when the window is already full.
var acquireScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

type RedisLimiter struct {
	client   redis.UniversalClient
	policies map[string]models.RateLimitPolicy
	prefix   string
	logger   *slog.Logger
	now      func() time.Time
}

func NewRedisLimiter(logger *slog.Logger, client redis.UniversalClient, policies map[string]models.RateLimitPolicy) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		policies: policies,
		prefix:   "dmflow:ratelimit",
		logger:   logger.With("module", "redis_rate_limiter"),
		now:      time.Now,
	}
}

func (l *RedisLimiter) key(channelAccountID, apiType string, windowStart time.Time) string {
	return l.prefix + ":" + channelAccountID + ":" + apiType + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

func (l *RedisLimiter) Acquire(ctx context.Context, channelAccountID, apiType string) (bool, error) {
	policy, err := policyFor(l.policies, apiType)
	if err != nil {
		return false, err
	}

	if policy.MaxRequests <= 0 {
		return false, nil
	}

	windowStart := l.now().UTC().Truncate(policy.Period)
	key := l.key(channelAccountID, apiType, windowStart)

	// Keep the key a little past the window so late callers still see a full bucket.
	ttl := windowStart.Add(policy.Period).Sub(l.now().UTC()) + time.Second

	result, err := acquireScript.Run(ctx, l.client, []string{key}, policy.MaxRequests, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to run rate limit script: %w", err)
	}

	if result == 0 {
		l.logger.DebugContext(ctx, "rate limit window at capacity",
			"channel_account_id", channelAccountID,
			"api_type", apiType)
	}

	return result == 1, nil
}
