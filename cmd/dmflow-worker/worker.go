// Package main provides the dmflow worker: it consumes inbound announcements from the event bus
// and runs activated executions right away instead of waiting for the next scheduler tick.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/dmflow/pkg/cmd"
	"github.com/dukex/dmflow/pkg/eventbus"
	"github.com/dukex/dmflow/pkg/events"
)

type Worker struct {
	logger   *slog.Logger
	pipeline *cmd.Pipeline
	eventBus eventbus.EventSubscriber
}

func NewWorker(logger *slog.Logger, pipeline *cmd.Pipeline, eventBus eventbus.EventSubscriber) *Worker {
	return &Worker{
		logger:   logger.With("module", "dmflow-worker"),
		pipeline: pipeline,
		eventBus: eventBus,
	}
}

// Register wires the handlers without subscribing.
func (w *Worker) Register() error {
	err := w.pipeline.Processor.Register(w.eventBus)
	if err != nil {
		return err
	}

	return w.eventBus.Handle(events.ExecutionActivatedEvent, w.handleExecutionActivated)
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker")

	err := w.Register()
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

// handleExecutionActivated takes the first step of the activated execution. The claim is
// shared with the scheduler, so an execution already taken there is left alone.
func (w *Worker) handleExecutionActivated(ctx context.Context, event any) error {
	activated, ok := event.(*events.ExecutionActivated)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionActivated")

		return nil
	}

	stepped, err := w.pipeline.Executor.StepExecution(ctx, activated.ExecutionID)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to step execution", "execution_id", activated.ExecutionID, "error", err)

		return err
	}

	w.logger.DebugContext(ctx, "Handled activation", "execution_id", activated.ExecutionID, "stepped", stepped)

	return nil
}
