package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlowExecution_Eligible(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	tests := []struct {
		name string
		exec FlowExecution
		want bool
	}{
		{"queued", FlowExecution{Status: ExecutionStatusQueued}, true},
		{"processing", FlowExecution{Status: ExecutionStatusProcessing}, false},
		{"waiting for reply", FlowExecution{Status: ExecutionStatusQueued, SuspendedOn: SuspensionReply}, false},
		{"timer not due", FlowExecution{Status: ExecutionStatusQueued, SuspendedOn: SuspensionTimer, NotBefore: &later}, false},
		{"timer due", FlowExecution{Status: ExecutionStatusQueued, SuspendedOn: SuspensionTimer, NotBefore: &now}, true},
		{"completed", FlowExecution{Status: ExecutionStatusCompleted}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, tt.exec.Eligible(now))
		})
	}
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, ExecutionStatusQueued.IsTerminal())
	assert.False(t, ExecutionStatusProcessing.IsTerminal())
	assert.True(t, ExecutionStatusCompleted.IsTerminal())
	assert.True(t, ExecutionStatusFailed.IsTerminal())
	assert.True(t, ExecutionStatusCancelled.IsTerminal())
}

func TestFlowExecution_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	original := &FlowExecution{
		Context:      map[string]any{"name": "ana"},
		PendingReply: &Reply{Text: "yes"},
	}

	clone := original.Clone()
	clone.Context["name"] = "bia"
	clone.PendingReply.Text = "no"

	assert.Equal(t, "ana", original.Context["name"])
	assert.Equal(t, "yes", original.PendingReply.Text)
}

func TestOutboundMessage_APIType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, APITypeComments, (&OutboundMessage{Channel: ChannelPublic}).APIType())
	assert.Equal(t, APITypeMessages, (&OutboundMessage{Channel: ChannelDirect}).APIType())
}

func TestRateLimitWindow_Expired(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := RateLimitWindow{WindowStart: start}

	assert.False(t, window.Expired(start.Add(59*time.Second), time.Minute))
	assert.True(t, window.Expired(start.Add(time.Minute), time.Minute))
}
