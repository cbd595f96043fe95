// Package main provides the dmflow scheduler: the periodic pass that steps due executions,
// dispatches outbound messages, sweeps unannounced inbound events and checks queue health.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/dmflow/pkg/cmd"
	"github.com/dukex/dmflow/pkg/dispatch"
	"github.com/dukex/dmflow/pkg/flow"
	"github.com/dukex/dmflow/pkg/log"
	"github.com/dukex/dmflow/pkg/metrics"
	"github.com/dukex/dmflow/pkg/otelhelper"
	"github.com/dukex/dmflow/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

func main() {
	logger := log.WithModule("scheduler")

	flags := append(cmd.CommonFlags(), cmd.DispatchFlags()...)
	flags = append(flags, cmd.MetricsFlag())
	flags = append(flags, schedulerFlags()...)

	command := &cli.Command{
		Name:                  "dmflow-scheduler",
		Usage:                 "Run the periodic execution, dispatch and health passes",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			cmd.SetupLogging(command)

			logger.InfoContext(ctx, "Initializing dmflow scheduler")

			tracer, shutdownTracer, err := otelhelper.NewTracer(ctx, "dmflow-scheduler", command.Bool("otel-enabled"))
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

			eventBus, err := cmd.NewEventBus(logger, command.String("event-bus"), command.String("kafka-brokers"), "dmflow-scheduler")
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			limiter, closeLimiter, err := cmd.NewLimiter(ctx, logger, command.String("rate-limit-backend"), command.String("redis-url"), persistence)
			if err != nil {
				return err
			}

			defer func() {
				if err := closeLimiter(); err != nil {
					logger.ErrorContext(ctx, "Failed to close rate limiter", "error", err)
				}
			}()

			provider, tokens, err := cmd.NewProviders(logger, command.String("graph-api-url"), command.String("access-tokens"))
			if err != nil {
				return err
			}

			m := metrics.NewMetrics()
			cmd.ServeMetrics(ctx, logger, m, command.Int("metrics-port"))

			flowConfig := flow.DefaultConfig()
			flowConfig.MaxRetries = command.Int("max-retries")

			pipeline := cmd.NewPipeline(logger, persistence, eventBus, m, tracer, flowConfig)

			dispatchConfig := dispatch.DefaultConfig()
			dispatchConfig.BatchSize = command.Int("dispatch-batch-size")
			dispatchConfig.FanOut = command.Int("dispatch-fan-out")

			dispatcher := dispatch.NewDispatcher(logger, persistence, limiter, provider, tokens, eventBus, dispatchConfig).
				WithTracer(tracer).
				WithMetrics(m)

			health := scheduler.HealthConfig{
				StaleTimeout:     command.Duration("stale-timeout"),
				MaxRetries:       command.Int("max-retries"),
				ExecutionBacklog: command.Int64("execution-backlog"),
				OutboundBacklog:  command.Int64("outbound-backlog"),
				InboundBacklog:   command.Int("inbound-backlog"),
				InboundGrace:     command.Duration("sweep-grace"),
			}

			s := scheduler.New(logger, command.String("schedule"),
				scheduler.NewStepJob(pipeline.Executor, command.Int("step-batch-size"), command.Int("max-batches")),
				scheduler.NewDispatchJob(dispatcher, command.Int("max-batches")),
				scheduler.NewSweepJob(pipeline.Processor, command.Duration("sweep-grace"), command.Int("sweep-limit")),
				scheduler.NewHealthJob(logger, persistence, eventBus, m, health),
			).WithTracer(tracer).WithMetrics(m)

			if command.Bool("once") {
				return s.RunOnce(ctx)
			}

			err = s.Start(ctx)
			if err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			<-sigChan
			logger.InfoContext(ctx, "Shutting down scheduler...")

			stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			return s.Stop(stopCtx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
