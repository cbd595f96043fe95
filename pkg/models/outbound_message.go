package models

import "time"

type MessageType string

const (
	MessageTypeText       MessageType = "text"
	MessageTypeQuickReply MessageType = "quickReply"
	MessageTypeMedia      MessageType = "media"
	MessageTypeSystem     MessageType = "system"
)

type PolicyTag string

const (
	PolicyTagNone       PolicyTag = "NONE"
	PolicyTagHumanAgent PolicyTag = "HUMAN_AGENT"
)

type DeliveryStatus string

const (
	DeliveryStatusQueued    DeliveryStatus = "queued"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// MessageChannel tells direct messages apart from public replies under a comment.
type MessageChannel string

const (
	ChannelDirect MessageChannel = "direct"
	ChannelPublic MessageChannel = "public"
)

// Dispatch failure reasons recorded in OutboundMessage.FailureReason.
const (
	FailureWindowExpired      = "window_expired"
	FailureAutomationPaused   = "automation_paused"
	FailureRateLimitExhausted = "rate_limit_exhausted"
	FailureInvalidRecipient   = "invalid_recipient"
	FailureProviderError      = "provider_error"
	FailureCredentials        = "credentials_unavailable"
	FailureUnsupportedType    = "unsupported_message_type"
)

// MessagePayload carries the variant-specific body of an outbound message.
type MessagePayload struct {
	Text      string             `json:"text,omitempty"`
	Options   []QuickReplyOption `json:"options,omitempty"`
	URL       string             `json:"url,omitempty"`
	MediaType string             `json:"media_type,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// OutboundMessage is a message intent owned by the dispatch queue until it reaches a final status.
type OutboundMessage struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversation_id"  validate:"required"`
	ExecutionID       *string        `json:"execution_id,omitempty"`
	StepKey           *string        `json:"step_key,omitempty"`
	Channel           MessageChannel `json:"channel"          validate:"required,oneof=direct public"`
	ReplyToID         *string        `json:"reply_to_id,omitempty"`
	MsgType           MessageType    `json:"msg_type"         validate:"required,oneof=text quickReply media system"`
	Payload           MessagePayload `json:"payload"`
	PolicyTag         PolicyTag      `json:"policy_tag"       validate:"required,oneof=NONE HUMAN_AGENT"`
	DeliveryStatus    DeliveryStatus `json:"delivery_status"`
	ExternalMessageID *string        `json:"external_message_id,omitempty"`
	RetryCount        int            `json:"retry_count"`
	DeferCount        int            `json:"defer_count"`
	NotBefore         time.Time      `json:"not_before"`
	LeaseUntil        *time.Time     `json:"-"`
	FailureReason     *string        `json:"failure_reason,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IsFinal reports whether the dispatch queue is done with the message.
func (m *OutboundMessage) IsFinal() bool {
	return m.DeliveryStatus != DeliveryStatusQueued
}

// APIType is the provider API bucket a message is rate limited under.
func (m *OutboundMessage) APIType() string {
	if m.Channel == ChannelPublic {
		return APITypeComments
	}

	return APITypeMessages
}

// Stream identifies the ordered stream a message belongs to: messages of one conversation on
// one channel are sent in creation order.
func (m *OutboundMessage) Stream() string {
	return m.ConversationID + ":" + string(m.Channel)
}

// Precedes reports whether m was created before other. Ties break on the id, which is time ordered.
func (m *OutboundMessage) Precedes(other *OutboundMessage) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}

	return m.ID < other.ID
}

// MessageStats is the queue depth per delivery status.
type MessageStats map[DeliveryStatus]int64

// ExecutionStats is the queue depth per execution status.
type ExecutionStats map[ExecutionStatus]int64
