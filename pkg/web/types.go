package web

import (
	"time"

	"github.com/dukex/dmflow/pkg/models"
)

// SendMessageRequest is an operator reply to a conversation.
type SendMessageRequest struct {
	Text            string     `json:"text"                        validate:"required,max=1000"`
	HumanAgentUntil *time.Time `json:"human_agent_until,omitempty"`
}

type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=200"`
}

type CreateFlowRequest struct {
	TeamID   string          `json:"team_id"   validate:"required"`
	Name     string          `json:"name"      validate:"required,min=3"`
	IsActive bool            `json:"is_active"`
	Spec     models.FlowSpec `json:"spec"`
}

// CreateTriggerRequest mirrors models.Trigger without the server-managed fields.
type CreateTriggerRequest struct {
	TeamID           string                `json:"team_id"            validate:"required"`
	ChannelAccountID string                `json:"channel_account_id" validate:"required"`
	TriggerType      models.TriggerType    `json:"trigger_type"       validate:"required,oneof=comment story_reply mention"`
	PostScope        models.PostScope      `json:"post_scope"`
	Filters          models.TriggerFilters `json:"filters"`
	PublicReplies    []string              `json:"public_replies,omitempty" validate:"omitempty,dive,required,max=500"`
	FlowID           string                `json:"flow_id"            validate:"required"`
	IsActive         bool                  `json:"is_active"`
}

func (r CreateTriggerRequest) Trigger() *models.Trigger {
	return &models.Trigger{
		TeamID:           r.TeamID,
		ChannelAccountID: r.ChannelAccountID,
		TriggerType:      r.TriggerType,
		PostScope:        r.PostScope,
		Filters:          r.Filters,
		PublicReplies:    r.PublicReplies,
		FlowID:           r.FlowID,
		IsActive:         r.IsActive,
	}
}

// WebhookAck is returned to the provider once a delivery is stored.
type WebhookAck struct {
	Received int `json:"received"`
}
