// Package protocol defines the contract between the flow engine and its actions.
package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/dmflow/pkg/models"
)

// ActionInput is the step an action runs in. Actions mutate Execution.Context in place;
// the engine persists it with the step.
type ActionInput struct {
	Execution    *models.FlowExecution
	Conversation *models.Conversation
	Now          time.Time
}

type Action interface {
	Execute(ctx context.Context, input *ActionInput, logger *slog.Logger) error
}

// ActionFactory validates node params and builds the action. A Create error is a flow
// authoring mistake and is not retried.
type ActionFactory interface {
	Create(params map[string]any) (Action, error)
	ID() string
}
