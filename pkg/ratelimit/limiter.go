// Package ratelimit implements the per-account fixed-window limiter consulted before every provider call.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
)

// Limiter performs an atomic test-and-increment. A false result means the window is at capacity
// and nothing was consumed.
type Limiter interface {
	Acquire(ctx context.Context, channelAccountID, apiType string) (bool, error)
}

// DefaultPolicies are the per-account provider quotas used when none are configured.
func DefaultPolicies() map[string]models.RateLimitPolicy {
	return map[string]models.RateLimitPolicy{
		models.APITypeMessages: {MaxRequests: 200, Period: time.Hour},
		models.APITypeComments: {MaxRequests: 60, Period: time.Hour},
	}
}

func policyFor(policies map[string]models.RateLimitPolicy, apiType string) (models.RateLimitPolicy, error) {
	policy, ok := policies[apiType]
	if !ok || policy.Period <= 0 {
		return models.RateLimitPolicy{}, fmt.Errorf("no rate limit policy for api type %q", apiType)
	}

	return policy, nil
}

// StoreLimiter keeps its counters in the rate_limit_windows table.
type StoreLimiter struct {
	repo     persistence.RateLimitRepository
	policies map[string]models.RateLimitPolicy
	logger   *slog.Logger
	now      func() time.Time
}

func NewStoreLimiter(logger *slog.Logger, repo persistence.RateLimitRepository, policies map[string]models.RateLimitPolicy) *StoreLimiter {
	return &StoreLimiter{
		repo:     repo,
		policies: policies,
		logger:   logger.With("module", "rate_limiter"),
		now:      time.Now,
	}
}

func (l *StoreLimiter) Acquire(ctx context.Context, channelAccountID, apiType string) (bool, error) {
	policy, err := policyFor(l.policies, apiType)
	if err != nil {
		return false, err
	}

	windowStart := l.now().UTC().Truncate(policy.Period)

	allowed, err := l.repo.Acquire(ctx, channelAccountID, apiType, windowStart, policy.MaxRequests)
	if err != nil {
		return false, fmt.Errorf("failed to acquire rate limit: %w", err)
	}

	if !allowed {
		l.logger.DebugContext(ctx, "rate limit window at capacity",
			"channel_account_id", channelAccountID,
			"api_type", apiType,
			"window_start", windowStart)
	}

	return allowed, nil
}
