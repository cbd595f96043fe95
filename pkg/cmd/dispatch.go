package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/dukex/dmflow/pkg/providers/credentials"
	"github.com/dukex/dmflow/pkg/providers/graph"
	"github.com/dukex/dmflow/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
)

// NewLimiter returns the rate limiter for backend ("database" or "redis") and a close func for
// any connection it opened.
func NewLimiter(ctx context.Context, logger *slog.Logger, backend, redisURL string, persistence persistence.Persistence) (ratelimit.Limiter, func() error, error) {
	noop := func() error { return nil }

	switch backend {
	case "database", "":
		return ratelimit.NewStoreLimiter(logger, persistence.RateLimits(), ratelimit.DefaultPolicies()), noop, nil
	case "redis":
		options, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("invalid redis url: %w", err)
		}

		client := redis.NewClient(options)

		err = client.Ping(ctx).Err()
		if err != nil {
			_ = client.Close()

			return nil, noop, fmt.Errorf("failed to reach redis: %w", err)
		}

		return ratelimit.NewRedisLimiter(logger, client, ratelimit.DefaultPolicies()), client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported rate limit backend %q", backend)
	}
}

// NewProviders returns the Graph messaging client and the configured token source.
func NewProviders(logger *slog.Logger, graphURL, accessTokens string) (*graph.Client, *credentials.Static, error) {
	tokens, err := credentials.Parse(accessTokens)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid access tokens: %w", err)
	}

	return graph.NewClient(logger, graphURL, nil), tokens, nil
}
