// Package logmessage provides the log action: it writes a templated line to the service log.
package logmessage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/dmflow/pkg/protocol"
	"github.com/dukex/dmflow/pkg/template"
)

var ErrMessageRequired = errors.New("log: message is required")

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

type ActionFactory struct{}

func (*ActionFactory) ID() string {
	return "log"
}

func (*ActionFactory) Create(params map[string]any) (protocol.Action, error) {
	message, _ := params["message"].(string)
	if message == "" {
		return nil, ErrMessageRequired
	}

	return &Action{message: message}, nil
}

type Action struct {
	message string
}

func (a *Action) Execute(ctx context.Context, input *protocol.ActionInput, logger *slog.Logger) error {
	rendered, err := template.RenderString(a.message, template.Data(input.Execution))
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}

	logger.InfoContext(ctx, rendered, "action_type", "log", "execution_id", input.Execution.ID)

	return nil
}
