package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowSpec_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    FlowSpec
		wantErr error
	}{
		{
			name: "message then end",
			spec: FlowSpec{Entry: "a", Nodes: map[string]*Node{
				"a": {Type: NodeTypeMessage, Text: "hi", Go: "b"},
				"b": {Type: NodeTypeEnd},
			}},
		},
		{
			name: "cycle through wait is allowed",
			spec: FlowSpec{Entry: "a", Nodes: map[string]*Node{
				"a": {Type: NodeTypeMessage, Text: "ping", Go: "w"},
				"w": {Type: NodeTypeWait, DurationMs: 1000, Go: "a"},
			}},
		},
		{
			name:    "missing entry",
			spec:    FlowSpec{Nodes: map[string]*Node{"a": {Type: NodeTypeEnd}}},
			wantErr: ErrMissingEntry,
		},
		{
			name:    "entry not in nodes",
			spec:    FlowSpec{Entry: "x", Nodes: map[string]*Node{"a": {Type: NodeTypeEnd}}},
			wantErr: ErrDanglingTarget,
		},
		{
			name: "dangling quick reply target",
			spec: FlowSpec{Entry: "q", Nodes: map[string]*Node{
				"q": {Type: NodeTypeQuickReply, Text: "pick", Options: []QuickReplyOption{{Text: "Yes", Go: "nope"}}},
			}},
			wantErr: ErrDanglingTarget,
		},
		{
			name: "condition without branches",
			spec: FlowSpec{Entry: "c", Nodes: map[string]*Node{
				"c": {Type: NodeTypeCondition, Expr: "{{ .vip }}"},
			}},
			wantErr: ErrMissingNodeField,
		},
		{
			name: "wait without duration",
			spec: FlowSpec{Entry: "w", Nodes: map[string]*Node{
				"w": {Type: NodeTypeWait, Go: "e"},
				"e": {Type: NodeTypeEnd},
			}},
			wantErr: ErrMissingNodeField,
		},
		{
			name:    "unknown type",
			spec:    FlowSpec{Entry: "a", Nodes: map[string]*Node{"a": {Type: "carousel"}}},
			wantErr: ErrUnknownNodeType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.spec.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNode_Targets(t *testing.T) {
	t.Parallel()

	node := &Node{
		Type:    NodeTypeQuickReply,
		Text:    "pick",
		Options: []QuickReplyOption{{Text: "Yes", Go: "y"}, {Text: "No", Go: "n"}},
		Default: "d",
	}

	assert.Equal(t, []string{"y", "n", "d"}, node.Targets())
	assert.Empty(t, (&Node{Type: NodeTypeEnd}).Targets())
	assert.Empty(t, (&Node{Type: NodeTypeMessage, Text: "last"}).Targets())
}

func TestQuickReplyOption_MatchKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "YES_PAYLOAD", QuickReplyOption{Text: "Yes", Payload: "YES_PAYLOAD"}.MatchKey())
	assert.Equal(t, "Yes", QuickReplyOption{Text: "Yes"}.MatchKey())
}
