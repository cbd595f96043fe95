package cmd

import (
	"github.com/dukex/dmflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

// CommonFlags are shared by every binary.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://... or memory://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
	}
}

// DispatchFlags configure the provider side: rate limiting, Graph API and tokens.
func DispatchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "rate-limit-backend",
			Usage:   "Rate limit counter store (database, redis)",
			Value:   "database",
			Sources: cli.EnvVars("RATE_LIMIT_BACKEND"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL used when the rate limit backend is redis",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "graph-api-url",
			Usage:   "Base URL of the Graph API",
			Sources: cli.EnvVars("GRAPH_API_URL"),
		},
		&cli.StringFlag{
			Name:    "access-tokens",
			Usage:   "Page access tokens as account=token pairs; a bare token applies to every account",
			Sources: cli.EnvVars("ACCESS_TOKENS"),
		},
	}
}

// MetricsFlag is the port of the standalone /metrics listener; 0 disables it.
func MetricsFlag() cli.Flag {
	return &cli.IntFlag{
		Name:    "metrics-port",
		Usage:   "Port serving /metrics (0 disables)",
		Value:   0,
		Sources: cli.EnvVars("METRICS_PORT"),
	}
}

func SetupLogging(command *cli.Command) {
	log.Setup(command.String("log-level"), command.String("log-format"))
}
