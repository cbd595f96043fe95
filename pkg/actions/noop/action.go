// Package noop provides the noop action, a placeholder step that only advances the flow.
package noop

import (
	"context"
	"log/slog"

	"github.com/dukex/dmflow/pkg/protocol"
)

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

type ActionFactory struct{}

func (*ActionFactory) ID() string {
	return "noop"
}

func (*ActionFactory) Create(map[string]any) (protocol.Action, error) {
	return &Action{}, nil
}

type Action struct{}

func (*Action) Execute(context.Context, *protocol.ActionInput, *slog.Logger) error {
	return nil
}
