package template

import (
	"testing"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_SimpleExpression(t *testing.T) {
	data := map[string]any{
		"name":  "John",
		"age":   30,
		"isNew": true,
	}

	result, err := Render("{{ .name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "John", result)

	result, err = Render("{{ .isNew }}", data)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	// Numbers always come back as float64.
	result, err = Render("{{ .age }}", data)
	require.NoError(t, err)
	assert.Equal(t, 30.0, result)
}

func TestRender_ObjectConstruction(t *testing.T) {
	data := map[string]any{
		"user":   map[string]any{"name": "Alice"},
		"orders": []any{1, 2},
	}

	result, err := Render(`{"user_name": "{{ .user.name }}", "total_orders": {{ len .orders }}}`, data)
	require.NoError(t, err)

	resultMap, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Alice", resultMap["user_name"])
	assert.Equal(t, 2.0, resultMap["total_orders"])
}

func TestRenderString_MissingKeysRenderEmpty(t *testing.T) {
	result, err := RenderString("Hi {{ .vars.name }}!", map[string]any{"vars": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "Hi !", result)

	plain, err := RenderString("no templating here", nil)
	require.NoError(t, err)
	assert.Equal(t, "no templating here", plain)
}

func TestRender_ParseError(t *testing.T) {
	_, err := Render("{{ .name ", map[string]any{})
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	execution := &models.FlowExecution{
		ID:           "exec-1",
		Context:      map[string]any{"plan": "pro", "score": 0},
		PendingReply: &models.Reply{Text: "Yes please", Payload: "YES"},
	}
	data := Data(execution)

	tests := []struct {
		expr string
		want bool
	}{
		{`eq .vars.plan "pro"`, true},
		{`{{ eq .vars.plan "free" }}`, false},
		{`.vars.score`, false},
		{`.vars.missing`, false},
		{`eq .reply.payload "YES"`, true},
		{`contains .reply.text "please"`, true},
		{`.vars.plan`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruthy(t *testing.T) {
	assert.True(t, Truthy(true))
	assert.True(t, Truthy("yes"))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(0.0))
	assert.True(t, Truthy([]any{1}))
	assert.False(t, Truthy(map[string]any{}))
	assert.False(t, Truthy(nil))
}
