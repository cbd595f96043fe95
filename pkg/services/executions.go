package services

import (
	"context"
	"fmt"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
)

// Canceller aborts a running execution.
type Canceller interface {
	Cancel(ctx context.Context, executionID, reason string) (*models.FlowExecution, error)
}

type Executions struct {
	persistence persistence.Persistence
	canceller   Canceller
}

func NewExecutions(persistence persistence.Persistence, canceller Canceller) *Executions {
	return &Executions{
		persistence: persistence,
		canceller:   canceller,
	}
}

func (e *Executions) GetExecution(ctx context.Context, id string) (*models.FlowExecution, error) {
	execution, err := e.persistence.Executions().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return execution, nil
}

// CancelExecution stops an execution. Cancelling a finished execution is a conflict.
func (e *Executions) CancelExecution(ctx context.Context, id, reason string) (*models.FlowExecution, error) {
	if reason == "" {
		reason = "operator"
	}

	execution, err := e.canceller.Cancel(ctx, id, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel execution: %w", err)
	}

	return execution, nil
}
