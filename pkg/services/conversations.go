package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
)

const recentMessagesLimit = 50

type Conversations struct {
	persistence persistence.Persistence
	logger      *slog.Logger
	now         func() time.Time
}

// NewConversations creates the operator conversation service.
func NewConversations(logger *slog.Logger, persistence persistence.Persistence) *Conversations {
	return &Conversations{
		persistence: persistence,
		logger:      logger.With("module", "conversation_service"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HealthCheck checks the health of the persistence layer.
func (c *Conversations) HealthCheck(ctx context.Context) (string, bool) {
	if c.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := c.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ConversationView is a conversation with its active execution and latest outbound messages.
type ConversationView struct {
	Conversation    *models.Conversation      `json:"conversation"`
	ActiveExecution *models.FlowExecution     `json:"active_execution,omitempty"`
	Messages        []*models.OutboundMessage `json:"messages"`
}

func (c *Conversations) GetConversation(ctx context.Context, id string) (*ConversationView, error) {
	conversation, err := c.persistence.Conversations().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	view := &ConversationView{Conversation: conversation}

	if conversation.ActiveExecutionID != nil {
		execution, err := c.persistence.Executions().GetByID(ctx, *conversation.ActiveExecutionID)
		if err != nil && !persistence.IsNotFound(err) {
			return nil, fmt.Errorf("failed to get active execution: %w", err)
		}

		view.ActiveExecution = execution
	}

	view.Messages, err = c.persistence.Outbound().ListByConversation(ctx, id, recentMessagesLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return view, nil
}

// SendAgentMessageRequest is a reply typed by a human operator.
type SendAgentMessageRequest struct {
	ConversationID  string
	Text            string
	HumanAgentUntil *time.Time
}

// SendAgentMessage queues a HUMAN_AGENT text message. Those bypass the messaging window and the
// automation pause at dispatch; the rate limit still applies.
func (c *Conversations) SendAgentMessage(ctx context.Context, req SendAgentMessageRequest) (*models.OutboundMessage, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrTextRequired
	}

	now := c.now()

	if req.HumanAgentUntil != nil && !req.HumanAgentUntil.After(now) {
		return nil, ErrHumanAgentInPast
	}

	conversation, err := c.persistence.Conversations().GetByID(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	if conversation.Status == models.ConversationStatusClosed {
		return nil, ErrConversationClosed
	}

	if req.HumanAgentUntil != nil {
		err = c.persistence.Conversations().SetHumanAgentUntil(ctx, conversation.ID, req.HumanAgentUntil.UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to record human agent window: %w", err)
		}
	}

	message := &models.OutboundMessage{
		ConversationID: conversation.ID,
		Channel:        models.ChannelDirect,
		MsgType:        models.MessageTypeText,
		Payload:        models.MessagePayload{Text: text},
		PolicyTag:      models.PolicyTagHumanAgent,
		DeliveryStatus: models.DeliveryStatusQueued,
		NotBefore:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = c.persistence.Outbound().Enqueue(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue agent message: %w", err)
	}

	c.logger.InfoContext(ctx, "agent message queued",
		"conversation_id", conversation.ID,
		"message_id", message.ID,
	)

	return message, nil
}
