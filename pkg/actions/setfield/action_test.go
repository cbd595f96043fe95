package setfield

import (
	"context"
	"testing"

	"github.com/dukex/dmflow/pkg/log"
	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionFactory_Create(t *testing.T) {
	factory := NewActionFactory()
	assert.Equal(t, "set_field", factory.ID())

	_, err := factory.Create(map[string]any{"value": 1})
	assert.ErrorIs(t, err, ErrFieldRequired)

	action, err := factory.Create(map[string]any{"field": "plan", "value": "pro"})
	require.NoError(t, err)
	assert.IsType(t, &Action{}, action)
}

func TestAction_Execute(t *testing.T) {
	tests := []struct {
		name     string
		params   map[string]any
		context  map[string]any
		expected any
	}{
		{
			name:     "literal value",
			params:   map[string]any{"field": "plan", "value": "pro"},
			expected: "pro",
		},
		{
			name:     "templated value",
			params:   map[string]any{"field": "greeting", "value": "hi {{ .vars.name }}"},
			context:  map[string]any{"name": "ana"},
			expected: "hi ana",
		},
		{
			name:     "templated number",
			params:   map[string]any{"field": "count", "value": "{{ len .vars.items }}"},
			context:  map[string]any{"items": []any{1, 2, 3}},
			expected: 3.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, err := NewActionFactory().Create(tt.params)
			require.NoError(t, err)

			execution := &models.FlowExecution{Context: tt.context}

			err = action.Execute(context.Background(), &protocol.ActionInput{Execution: execution}, log.Discard())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, execution.Context[tt.params["field"].(string)])
		})
	}
}
