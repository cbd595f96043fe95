package models

import "time"

type TriggerType string

const (
	TriggerTypeComment    TriggerType = "comment"
	TriggerTypeStoryReply TriggerType = "story_reply"
	TriggerTypeMention    TriggerType = "mention"
)

type PostScopeMode string

const (
	PostScopeAll      PostScopeMode = "all"
	PostScopeSpecific PostScopeMode = "specific"
	PostScopeNext     PostScopeMode = "next"
)

type PostScope struct {
	Mode    PostScopeMode `json:"mode"               validate:"required,oneof=all specific next"`
	PostIDs []string      `json:"post_ids,omitempty" validate:"required_if=Mode specific"`
}

type TriggerFilters struct {
	IncludeKeywords []string `json:"include_keywords,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
}

// Trigger maps public engagement on a channel account to a flow activation.
// Authored by the dashboard; the pipeline only flips NextConsumed.
type Trigger struct {
	ID               string         `json:"id"`
	TeamID           string         `json:"team_id"            validate:"required"`
	ChannelAccountID string         `json:"channel_account_id" validate:"required"`
	TriggerType      TriggerType    `json:"trigger_type"       validate:"required,oneof=comment story_reply mention"`
	PostScope        PostScope      `json:"post_scope"`
	Filters          TriggerFilters `json:"filters"`
	PublicReplies    []string       `json:"public_replies,omitempty"`
	FlowID           string         `json:"flow_id"            validate:"required"`
	IsActive         bool           `json:"is_active"`
	ActivatedAt      time.Time      `json:"activated_at"`
	NextConsumed     bool           `json:"next_consumed"`
	CreatedAt        time.Time      `json:"created_at"`
}

// EngagementEvent is the normalized comment, mention or story reply the matcher evaluates.
type EngagementEvent struct {
	EventID          string      `json:"event_id"`
	ChannelAccountID string      `json:"channel_account_id"`
	Type             TriggerType `json:"type"`
	ExternalUserID   string      `json:"external_user_id"`
	PostID           string      `json:"post_id,omitempty"`
	CommentID        string      `json:"comment_id,omitempty"`
	Text             string      `json:"text"`
	OccurredAt       time.Time   `json:"occurred_at"`
}
