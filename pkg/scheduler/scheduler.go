// Package scheduler drives the queues on a fixed period: it steps executions, dispatches outbound
// messages, sweeps unannounced inbound events and runs the health pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/dmflow/pkg/metrics"
	"github.com/dukex/dmflow/pkg/otelhelper"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultSchedule = "@every 60s"

// Job is one unit of periodic work. Jobs must tolerate overlapping runs from other instances.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Scheduler struct {
	schedule string
	jobs     []Job
	cron     *cron.Cron
	entries  map[string]cron.EntryID
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(logger *slog.Logger, schedule string, jobs ...Job) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	return &Scheduler{
		schedule: schedule,
		jobs:     jobs,
		entries:  make(map[string]cron.EntryID),
		logger:   logger.With("module", "scheduler"),
		tracer:   otelhelper.NoopTracer(),
	}
}

func (s *Scheduler) WithTracer(tracer trace.Tracer) *Scheduler {
	s.tracer = tracer

	return s
}

func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m

	return s
}

// Start registers every job on the schedule. A job still running when its next tick fires is
// skipped for that tick.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := cron.ParseStandard(s.schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.schedule, err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))

	s.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(
			cron.SkipIfStillRunning(cronLogger),
			cron.Recover(cronLogger),
		),
	)

	for _, job := range s.jobs {
		entryID, err := s.cron.AddFunc(s.schedule, func() {
			_ = s.run(s.ctx, job)
		})
		if err != nil {
			s.cancel()

			return fmt.Errorf("failed to schedule job %s: %w", job.Name(), err)
		}

		s.entries[job.Name()] = entryID
	}

	s.cron.Start()

	s.logger.InfoContext(ctx, "scheduler started", "schedule", s.schedule, "jobs", len(s.jobs))

	return nil
}

// RunOnce runs every job once, in registration order.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error

	for _, job := range s.jobs {
		err := s.run(ctx, job)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name(), err))
		}
	}

	return errors.Join(errs...)
}

// Stop halts the ticker and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}

	s.cancel()

	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.InfoContext(ctx, "scheduler stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	started := time.Now()
	defer s.metrics.ObserveJob(job.Name(), started)

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler."+job.Name(), attribute.String(otelhelper.JobKey, job.Name()))
	defer span.End()

	err := job.Run(ctx)
	if err != nil {
		otelhelper.SetError(span, err)
		s.logger.ErrorContext(ctx, "job failed", "job", job.Name(), "error", err)

		return err
	}

	s.logger.DebugContext(ctx, "job finished", "job", job.Name(), "duration", time.Since(started))

	return nil
}
