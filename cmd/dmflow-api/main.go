package main

import (
	"context"
	"os"

	"github.com/dukex/dmflow/pkg/cmd"
	"github.com/dukex/dmflow/pkg/flow"
	"github.com/dukex/dmflow/pkg/log"
	"github.com/dukex/dmflow/pkg/metrics"
	"github.com/dukex/dmflow/pkg/otelhelper"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	flags := append(cmd.CommonFlags(),
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.StringFlag{
			Name:     "app-secret",
			Usage:    "App secret used to verify webhook signatures",
			Required: true,
			Sources:  cli.EnvVars("APP_SECRET"),
		},
		&cli.StringFlag{
			Name:    "verify-token",
			Usage:   "Token expected in the webhook subscription handshake",
			Sources: cli.EnvVars("VERIFY_TOKEN"),
		},
	)

	command := &cli.Command{
		Name:                  "dmflow-api",
		Usage:                 "Receive webhooks and serve the operator API",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			cmd.SetupLogging(command)

			logger.InfoContext(ctx, "Initializing dmflow API")

			tracer, shutdownTracer, err := otelhelper.NewTracer(ctx, "dmflow-api", command.Bool("otel-enabled"))
			if err != nil {
				return err
			}

			defer func() {
				err := shutdownTracer(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to flush traces", "error", err)
				}
			}()

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(logger, command.String("event-bus"), command.String("kafka-brokers"), "dmflow-api")
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			m := metrics.NewMetrics()
			pipeline := cmd.NewPipeline(logger, persistence, eventBus, m, tracer, flow.DefaultConfig())

			api := NewAPI(logger, persistence, pipeline, m, WebhookConfig{
				AppSecret:   command.String("app-secret"),
				VerifyToken: command.String("verify-token"),
			})

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "API server stopped", "error", err)

				return err
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
