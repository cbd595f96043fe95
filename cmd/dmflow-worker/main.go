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

func main() {
	logger := log.WithModule("worker")

	flags := append(cmd.CommonFlags(),
		cmd.MetricsFlag(),
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Executions stepped in parallel per batch",
			Value:   flow.DefaultConfig().Concurrency,
			Sources: cli.EnvVars("WORKER_CONCURRENCY"),
		},
	)

	command := &cli.Command{
		Name:                  "dmflow-worker",
		Usage:                 "Process inbound events and step activated flows",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			cmd.SetupLogging(command)

			logger.InfoContext(ctx, "Initializing dmflow worker")

			tracer, shutdownTracer, err := otelhelper.NewTracer(ctx, "dmflow-worker", command.Bool("otel-enabled"))
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

			eventBus, err := cmd.NewEventBus(logger, command.String("event-bus"), command.String("kafka-brokers"), "dmflow-worker")
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			m := metrics.NewMetrics()
			cmd.ServeMetrics(ctx, logger, m, command.Int("metrics-port"))

			config := flow.DefaultConfig()
			config.Concurrency = command.Int("concurrency")

			pipeline := cmd.NewPipeline(logger, persistence, eventBus, m, tracer, config)

			return NewWorker(logger, pipeline, eventBus).Start(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
