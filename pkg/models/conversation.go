package models

import "time"

// MessagingWindow is how long after the last inbound user message free-form automated replies are allowed.
const MessagingWindow = 24 * time.Hour

type ConversationStatus string

const (
	ConversationStatusOpen    ConversationStatus = "open"
	ConversationStatusSnoozed ConversationStatus = "snoozed"
	ConversationStatusClosed  ConversationStatus = "closed"
)

// Conversation is the durable record for one external user talking to one channel account.
type Conversation struct {
	ID                 string             `json:"id"`
	ChannelAccountID   string             `json:"channel_account_id"   validate:"required"`
	ExternalUserID     string             `json:"external_user_id"     validate:"required"`
	ThreadKey          string             `json:"thread_key"`
	LastUserMessageAt  *time.Time         `json:"last_user_message_at,omitempty"`
	LastAgentMessageAt *time.Time         `json:"last_agent_message_at,omitempty"`
	WindowExpiresAt    *time.Time         `json:"window_expires_at,omitempty"`
	Status             ConversationStatus `json:"status"               validate:"required,oneof=open snoozed closed"`
	AutomationPaused   bool               `json:"automation_paused"`
	HumanAgentUntil    *time.Time         `json:"human_agent_until,omitempty"`
	ActiveFlowID       *string            `json:"active_flow_id,omitempty"`
	ActiveExecutionID  *string            `json:"active_execution_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// DefaultThreadKey derives the thread key used when the channel has one thread per user.
func DefaultThreadKey(channelAccountID, externalUserID string) string {
	return channelAccountID + ":" + externalUserID
}

// RecordUserMessage opens the messaging window from at. It is a no-op unless at is later
// than the last recorded user message, so replays never move the window backwards.
func (c *Conversation) RecordUserMessage(at time.Time) {
	if c.LastUserMessageAt != nil && !at.After(*c.LastUserMessageAt) {
		return
	}

	expires := at.Add(MessagingWindow)

	c.LastUserMessageAt = &at
	c.WindowExpiresAt = &expires
	c.AutomationPaused = false
	c.Status = ConversationStatusOpen
	c.UpdatedAt = at
}

func (c *Conversation) RecordAgentMessage(at time.Time) {
	c.LastAgentMessageAt = &at
	c.UpdatedAt = at
}

// WindowExpired reports whether now is past the messaging window. A conversation
// that never received a user message has no window and counts as expired.
func (c *Conversation) WindowExpired(now time.Time) bool {
	if c.WindowExpiresAt == nil {
		return true
	}

	return now.After(*c.WindowExpiresAt)
}

// Paused reports the effective pause state: the stored flag, or an expired window
// that the health pass has not written back yet.
func (c *Conversation) Paused(now time.Time) bool {
	return c.AutomationPaused || (c.WindowExpiresAt != nil && now.After(*c.WindowExpiresAt))
}

func (c *Conversation) HasActiveExecution() bool {
	return c.ActiveExecutionID != nil && *c.ActiveExecutionID != ""
}
