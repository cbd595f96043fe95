package models

import (
	"strings"
	"time"
)

type ExecutionStatus string

const (
	ExecutionStatusQueued     ExecutionStatus = "queued"
	ExecutionStatusProcessing ExecutionStatus = "processing"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// Suspension is the persisted marker of what a queued execution waits for.
type Suspension string

const (
	SuspensionNone  Suspension = ""
	SuspensionReply Suspension = "reply"
	SuspensionTimer Suspension = "timer"
)

// Execution failure codes recorded in FlowExecution.Error.
const (
	ErrCodeInvalidNodeReference = "invalid_node_reference"
	ErrCodeUnknownAction        = "unknown_action"
	ErrCodeStepQuotaExceeded    = "step_quota_exceeded"
	ErrCodeFlowInactive         = "flow_inactive"
	ErrCodeInvalidFlowSpec      = "invalid_flow_spec"
	ErrCodeRetriesExhausted     = "retries_exhausted"
	ErrCodeInvalidExpression    = "invalid_expression"
	ErrCodeInvalidActionParams  = "invalid_action_params"
)

// Reply is an inbound user answer delivered to an execution suspended on a quickReply node.
type Reply struct {
	MessageID  string    `json:"message_id,omitempty"`
	Text       string    `json:"text"`
	Payload    string    `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// FlowExecution is one conversation's cursor through a flow.
type FlowExecution struct {
	ID               string          `json:"id"`
	FlowID           string          `json:"flow_id"`
	ConversationID   string          `json:"conversation_id"`
	TriggerMessageID *string         `json:"trigger_message_id,omitempty"`
	ActivationKey    *string         `json:"activation_key,omitempty"`
	Status           ExecutionStatus `json:"status"`
	CurrentNodeID    string          `json:"current_node_id"`
	Context          map[string]any  `json:"context"`
	SuspendedOn      Suspension      `json:"suspended_on,omitempty"`
	PendingReply     *Reply          `json:"pending_reply,omitempty"`
	NotBefore        *time.Time      `json:"not_before,omitempty"`
	ClaimToken       string          `json:"-"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
	StepCount        int             `json:"step_count"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	RetryCount       int             `json:"retry_count"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}

// Eligible reports whether a queued execution may be claimed at now.
func (e *FlowExecution) Eligible(now time.Time) bool {
	if e.Status != ExecutionStatusQueued || e.SuspendedOn == SuspensionReply {
		return false
	}

	return e.NotBefore == nil || !e.NotBefore.After(now)
}

// RetriesExhausted reports whether the execution failed after running out of retries.
func (e *FlowExecution) RetriesExhausted() bool {
	return e.Status == ExecutionStatusFailed && strings.HasPrefix(e.Error, ErrCodeRetriesExhausted)
}

// Clone returns a deep-enough copy so callers can mutate the result freely.
func (e *FlowExecution) Clone() *FlowExecution {
	clone := *e

	clone.Context = make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		clone.Context[k] = v
	}

	if e.PendingReply != nil {
		reply := *e.PendingReply
		clone.PendingReply = &reply
	}

	return &clone
}

// Context keys the engine writes when a quick reply is resolved.
const (
	ContextLastReply        = "last_reply"
	ContextLastReplyPayload = "last_reply_payload"
)
