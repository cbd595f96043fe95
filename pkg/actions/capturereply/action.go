// Package capturereply provides the capture_reply action: it copies the last quick reply into a context field.
package capturereply

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/protocol"
)

var (
	ErrFieldRequired = errors.New("capture_reply: field is required")
	ErrInvalidSource = errors.New("capture_reply: source must be text or payload")
)

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

type ActionFactory struct{}

func (*ActionFactory) ID() string {
	return "capture_reply"
}

func (*ActionFactory) Create(params map[string]any) (protocol.Action, error) {
	field, _ := params["field"].(string)
	if strings.TrimSpace(field) == "" {
		return nil, ErrFieldRequired
	}

	source, _ := params["source"].(string)
	switch source {
	case "":
		source = "text"
	case "text", "payload":
	default:
		return nil, ErrInvalidSource
	}

	return &Action{field: field, source: source}, nil
}

type Action struct {
	field  string
	source string
}

func (a *Action) Execute(ctx context.Context, input *protocol.ActionInput, logger *slog.Logger) error {
	execution := input.Execution
	if execution.Context == nil {
		execution.Context = map[string]any{}
	}

	key := models.ContextLastReply
	if a.source == "payload" {
		key = models.ContextLastReplyPayload
	}

	value, ok := execution.Context[key]
	if !ok {
		logger.DebugContext(ctx, "no reply to capture", "field", a.field)

		return nil
	}

	execution.Context[a.field] = value

	return nil
}
