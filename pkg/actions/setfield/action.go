// Package setfield provides the set_field action: it stores a value, optionally templated, in the flow context.
package setfield

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/dmflow/pkg/protocol"
	"github.com/dukex/dmflow/pkg/template"
)

var ErrFieldRequired = errors.New("set_field: field is required")

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

type ActionFactory struct{}

func (*ActionFactory) ID() string {
	return "set_field"
}

func (*ActionFactory) Create(params map[string]any) (protocol.Action, error) {
	field, _ := params["field"].(string)
	if strings.TrimSpace(field) == "" {
		return nil, ErrFieldRequired
	}

	return &Action{field: field, value: params["value"]}, nil
}

type Action struct {
	field string
	value any
}

func (a *Action) Execute(ctx context.Context, input *protocol.ActionInput, logger *slog.Logger) error {
	value := a.value

	if expr, ok := value.(string); ok && strings.Contains(expr, "{{") {
		rendered, err := template.Render(expr, template.Data(input.Execution))
		if err != nil {
			return fmt.Errorf("set_field %q: %w", a.field, err)
		}

		value = rendered
	}

	if input.Execution.Context == nil {
		input.Execution.Context = map[string]any{}
	}

	input.Execution.Context[a.field] = value

	logger.DebugContext(ctx, "context field set", "field", a.field)

	return nil
}
