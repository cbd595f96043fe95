package models

import (
	"encoding/json"
	"time"
)

// InboundEventKind classifies a normalized provider event.
type InboundEventKind string

const (
	InboundKindMessage    InboundEventKind = "message"
	InboundKindComment    InboundEventKind = "comment"
	InboundKindMention    InboundEventKind = "mention"
	InboundKindStoryReply InboundEventKind = "story_reply"
	InboundKindDelivery   InboundEventKind = "delivery"
)

// InboundEvent is one raw provider event in the append-only event store.
// The payload is immutable; only the processed flag changes.
type InboundEvent struct {
	ID                string           `json:"id"`
	ProviderEventID   string           `json:"provider_event_id"`
	ExternalAccountID string           `json:"external_account_id"`
	ChannelAccountID  *string          `json:"channel_account_id,omitempty"`
	Kind              InboundEventKind `json:"kind"`
	RawPayload        json.RawMessage  `json:"raw_payload"`
	ReceivedAt        time.Time        `json:"received_at"`
	Processed         bool             `json:"processed"`
	ProcessedAt       *time.Time       `json:"processed_at,omitempty"`
}

// ChannelAccount maps a provider-side account (page or business profile) to a team.
type ChannelAccount struct {
	ID                string    `json:"id"`
	TeamID            string    `json:"team_id"`
	ExternalAccountID string    `json:"external_account_id"`
	Name              string    `json:"name"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
}

// Contact is the per-account profile of an external user.
type Contact struct {
	ID               string    `json:"id"`
	ChannelAccountID string    `json:"channel_account_id"`
	ExternalUserID   string    `json:"external_user_id"`
	DisplayName      *string   `json:"display_name,omitempty"`
	Tags             []string  `json:"tags"`
	Consent          bool      `json:"consent"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasTag reports whether the contact already carries tag.
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}

	return false
}
