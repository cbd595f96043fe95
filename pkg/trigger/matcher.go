// Package trigger turns public engagement (comments, mentions, story replies) into flow activations.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/dukex/dmflow/pkg/flow"
	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
)

// Public replies go out after a random delay in [MinReplyDelay, MaxReplyDelay].
const (
	MinReplyDelay = 10 * time.Second
	MaxReplyDelay = 60 * time.Second
)

// Activator starts a flow on a conversation.
type Activator interface {
	Activate(ctx context.Context, req flow.ActivateRequest) (*models.FlowExecution, error)
}

type Matcher struct {
	repository *Repository
	outbound   persistence.OutboundRepository
	activator  Activator
	logger     *slog.Logger
	now        func() time.Time
	intn       func(n int) int
}

func NewMatcher(logger *slog.Logger, persistence persistence.Persistence, activator Activator) *Matcher {
	return &Matcher{
		repository: NewRepository(persistence),
		outbound:   persistence.Outbound(),
		activator:  activator,
		logger:     logger.With("module", "trigger_matcher"),
		now:        func() time.Time { return time.Now().UTC() },
		intn:       rand.IntN,
	}
}

// Match returns the triggers the event fires, in trigger creation order. A "next" scoped
// trigger is consumed here, so a trigger returned once for it is never returned again.
func (m *Matcher) Match(ctx context.Context, event *models.EngagementEvent) ([]*models.Trigger, error) {
	candidates, err := m.repository.ForEvent(ctx, event)
	if err != nil {
		return nil, err
	}

	matched := make([]*models.Trigger, 0, len(candidates))

	for _, trigger := range candidates {
		if !inScope(trigger, event) || !KeywordsMatch(trigger.Filters, event.Text) {
			continue
		}

		if trigger.PostScope.Mode == models.PostScopeNext {
			consumed, err := m.repository.ConsumeNext(ctx, trigger.ID)
			if err != nil {
				return matched, err
			}

			if !consumed {
				continue
			}
		}

		matched = append(matched, trigger)
	}

	m.logger.DebugContext(ctx, "completed trigger matching",
		"event_id", event.EventID,
		"trigger_type", event.Type,
		"candidates", len(candidates),
		"matches_found", len(matched))

	return matched, nil
}

// Fire matches the event and, for every accepted trigger, schedules a public reply to the
// comment and activates the trigger's flow on the conversation. When several triggers fire
// the last activation wins. Triggers whose flow can never activate are logged and skipped;
// only transient failures are returned, and a later Fire for the same event activates
// each trigger at most once.
func (m *Matcher) Fire(ctx context.Context, event *models.EngagementEvent, conversation *models.Conversation) ([]*models.FlowExecution, error) {
	triggers, err := m.Match(ctx, event)
	if err != nil {
		return nil, err
	}

	var (
		executions []*models.FlowExecution
		errs       []error
	)

	for _, trigger := range triggers {
		logger := m.logger.With("trigger_id", trigger.ID, "flow_id", trigger.FlowID, "event_id", event.EventID)

		err := m.enqueuePublicReply(ctx, trigger, event, conversation)
		if err != nil {
			logger.ErrorContext(ctx, "failed to enqueue public reply", "error", err)
			errs = append(errs, err)
		}

		execution, err := m.activator.Activate(ctx, flow.ActivateRequest{
			FlowID:           trigger.FlowID,
			ConversationID:   conversation.ID,
			TriggerID:        trigger.ID,
			TriggerMessageID: event.CommentID,
			ActivationKey:    activationKey(trigger, event),
			Context:          activationContext(event),
		})
		if persistence.IsDuplicateActivation(err) {
			continue
		}

		if flow.IsPermanentActivationError(err) {
			logger.WarnContext(ctx, "skipping trigger that cannot activate its flow", "error", err)

			continue
		}

		if err != nil {
			logger.ErrorContext(ctx, "failed to activate flow", "error", err)
			errs = append(errs, fmt.Errorf("trigger %s: %w", trigger.ID, err))

			continue
		}

		executions = append(executions, execution)
	}

	return executions, errors.Join(errs...)
}

func activationKey(trigger *models.Trigger, event *models.EngagementEvent) string {
	if event.EventID == "" {
		return ""
	}

	return "trigger:" + trigger.ID + ":" + event.EventID
}

func (m *Matcher) enqueuePublicReply(ctx context.Context, trigger *models.Trigger, event *models.EngagementEvent, conversation *models.Conversation) error {
	if event.CommentID == "" || len(trigger.PublicReplies) == 0 {
		return nil
	}

	text := trigger.PublicReplies[m.intn(len(trigger.PublicReplies))]
	delay := MinReplyDelay + time.Duration(m.intn(int(MaxReplyDelay-MinReplyDelay)+1))

	now := m.now()
	commentID := event.CommentID
	stepKey := "trigger:" + trigger.ID + ":" + event.CommentID

	message := &models.OutboundMessage{
		ConversationID: conversation.ID,
		StepKey:        &stepKey,
		Channel:        models.ChannelPublic,
		ReplyToID:      &commentID,
		MsgType:        models.MessageTypeText,
		Payload:        models.MessagePayload{Text: text},
		PolicyTag:      models.PolicyTagNone,
		DeliveryStatus: models.DeliveryStatusQueued,
		NotBefore:      now.Add(delay),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := m.outbound.Enqueue(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to enqueue public reply: %w", err)
	}

	return nil
}

func inScope(trigger *models.Trigger, event *models.EngagementEvent) bool {
	switch trigger.PostScope.Mode {
	case models.PostScopeAll:
		return true
	case models.PostScopeSpecific:
		return event.PostID != "" && slices.Contains(trigger.PostScope.PostIDs, event.PostID)
	case models.PostScopeNext:
		return !trigger.NextConsumed && !event.OccurredAt.Before(trigger.ActivatedAt)
	default:
		return false
	}
}

// KeywordsMatch applies the exclude list, then the include list, as case-insensitive substrings.
// An empty include list accepts everything not excluded.
func KeywordsMatch(filters models.TriggerFilters, text string) bool {
	text = strings.ToLower(text)

	for _, keyword := range filters.ExcludeKeywords {
		if keyword != "" && strings.Contains(text, strings.ToLower(keyword)) {
			return false
		}
	}

	if len(filters.IncludeKeywords) == 0 {
		return true
	}

	for _, keyword := range filters.IncludeKeywords {
		if keyword != "" && strings.Contains(text, strings.ToLower(keyword)) {
			return true
		}
	}

	return false
}

func activationContext(event *models.EngagementEvent) map[string]any {
	vars := map[string]any{
		"trigger_type": string(event.Type),
		"trigger_text": event.Text,
	}

	if event.PostID != "" {
		vars["post_id"] = event.PostID
	}

	if event.CommentID != "" {
		vars["comment_id"] = event.CommentID
	}

	return vars
}
