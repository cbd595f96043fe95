// Package conversation maps external users to durable conversations and keeps the messaging window current.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
)

type Resolver struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

func NewResolver(logger *slog.Logger, persistence persistence.Persistence) *Resolver {
	return &Resolver{
		persistence: persistence,
		logger:      logger.With("module", "conversation_resolver"),
	}
}

// Resolve returns the conversation of (account, user), creating it and the contact when absent.
// An empty threadKey falls back to one thread per user.
func (r *Resolver) Resolve(ctx context.Context, channelAccountID, externalUserID, threadKey string, at time.Time) (*models.Conversation, error) {
	if channelAccountID == "" || externalUserID == "" {
		return nil, fmt.Errorf("resolve conversation: account and user are required")
	}

	_, err := r.persistence.Contacts().Ensure(ctx, channelAccountID, externalUserID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure contact: %w", err)
	}

	conversation, err := r.persistence.Conversations().Upsert(ctx, channelAccountID, externalUserID, threadKey, at)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	return conversation, nil
}

// RecordInbound reopens the 24h window for a user message received at.
func (r *Resolver) RecordInbound(ctx context.Context, conversationID string, at time.Time) (*models.Conversation, error) {
	conversation, err := r.persistence.Conversations().RecordInbound(ctx, conversationID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to record inbound message: %w", err)
	}

	r.logger.DebugContext(ctx, "messaging window reopened",
		"conversation_id", conversationID,
		"window_expires_at", conversation.WindowExpiresAt)

	return conversation, nil
}

func (r *Resolver) RecordAgentMessage(ctx context.Context, conversationID string, at time.Time) error {
	err := r.persistence.Conversations().RecordAgentMessage(ctx, conversationID, at)
	if err != nil {
		return fmt.Errorf("failed to record agent message: %w", err)
	}

	return nil
}
