package scheduler

import (
	"context"
	"time"
)

// StepRunner claims and steps eligible executions, skipping the listed ids, and returns the
// ids it claimed.
type StepRunner interface {
	StepBatch(ctx context.Context, limit int, skip []string) ([]string, error)
}

// MessageDispatcher leases and sends due outbound messages.
type MessageDispatcher interface {
	RunBatch(ctx context.Context) (int, error)
}

// EventSweeper reprocesses inbound events the bus never delivered.
type EventSweeper interface {
	Sweep(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// StepJob drains the execution queue in batches until a batch comes back short or MaxBatches is
// reached. An execution stepped earlier in the tick is not claimed again, so every execution
// advances at most one node per tick.
type StepJob struct {
	runner     StepRunner
	batchSize  int
	maxBatches int
}

func NewStepJob(runner StepRunner, batchSize, maxBatches int) *StepJob {
	return &StepJob{runner: runner, batchSize: max(batchSize, 1), maxBatches: max(maxBatches, 1)}
}

func (j *StepJob) Name() string { return "step" }

func (j *StepJob) Run(ctx context.Context) error {
	var stepped []string

	for range j.maxBatches {
		batch, err := j.runner.StepBatch(ctx, j.batchSize, stepped)
		if err != nil {
			return err
		}

		stepped = append(stepped, batch...)

		if len(batch) < j.batchSize || ctx.Err() != nil {
			return nil
		}
	}

	return nil
}

type DispatchJob struct {
	dispatcher MessageDispatcher
	maxBatches int
}

func NewDispatchJob(dispatcher MessageDispatcher, maxBatches int) *DispatchJob {
	return &DispatchJob{dispatcher: dispatcher, maxBatches: max(maxBatches, 1)}
}

func (j *DispatchJob) Name() string { return "dispatch" }

func (j *DispatchJob) Run(ctx context.Context) error {
	for range j.maxBatches {
		dispatched, err := j.dispatcher.RunBatch(ctx)
		if err != nil {
			return err
		}

		if dispatched == 0 || ctx.Err() != nil {
			return nil
		}
	}

	return nil
}

type SweepJob struct {
	sweeper EventSweeper
	grace   time.Duration
	limit   int
}

func NewSweepJob(sweeper EventSweeper, grace time.Duration, limit int) *SweepJob {
	return &SweepJob{sweeper: sweeper, grace: grace, limit: limit}
}

func (j *SweepJob) Name() string { return "sweep" }

func (j *SweepJob) Run(ctx context.Context) error {
	_, err := j.sweeper.Sweep(ctx, j.grace, j.limit)

	return err
}
