// Package events defines the messages exchanged over the event bus: inbound work for the
// worker and lifecycle notifications for the dashboard.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic is the single bus topic; consumers route on the event type metadata.
const Topic = "dmflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	InboundReceivedEvent EventType = "inbound.received"

	ExecutionActivatedEvent EventType = "execution.activated"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	MessageFailedEvent EventType = "message.failed"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a new event of the given type.
func NewBaseEvent(eventType EventType, at time.Time) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: at,
	}
}

// InboundReceived announces a freshly stored inbound event to the worker.
type InboundReceived struct {
	BaseEvent

	EventID         string `json:"event_id"`
	ProviderEventID string `json:"provider_event_id"`
	Kind            string `json:"kind"`
}

func (e InboundReceived) GetType() EventType {
	return InboundReceivedEvent
}

type ExecutionActivated struct {
	BaseEvent

	ExecutionID    string   `json:"execution_id"`
	FlowID         string   `json:"flow_id"`
	ConversationID string   `json:"conversation_id"`
	TriggerID      string   `json:"trigger_id,omitempty"`
	Superseded     []string `json:"superseded,omitempty"`
}

func (e ExecutionActivated) GetType() EventType {
	return ExecutionActivatedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID    string `json:"execution_id"`
	FlowID         string `json:"flow_id"`
	ConversationID string `json:"conversation_id"`
	Steps          int    `json:"steps"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

// ExecutionFailed surfaces a terminal execution failure for operator inspection.
type ExecutionFailed struct {
	BaseEvent

	ExecutionID    string `json:"execution_id"`
	FlowID         string `json:"flow_id"`
	ConversationID string `json:"conversation_id"`
	NodeID         string `json:"node_id,omitempty"`
	Error          string `json:"error"`
	RetryCount     int    `json:"retry_count"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID    string `json:"execution_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

// MessageFailed surfaces an outbound message that reached the failed status.
type MessageFailed struct {
	BaseEvent

	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
	Detail         string `json:"detail,omitempty"`
}

func (e MessageFailed) GetType() EventType {
	return MessageFailedEvent
}
