package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/dmflow/pkg/eventbus"
	"github.com/dukex/dmflow/pkg/events"
	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
)

// ActivateRequest starts FlowID on ConversationID. TriggerMessageID is the comment or
// message that fired the trigger, if any. A non-empty ActivationKey makes the activation
// happen at most once: a second request with the same key fails with
// persistence.ErrDuplicateActivation and supersedes nothing.
type ActivateRequest struct {
	FlowID           string
	ConversationID   string
	TriggerID        string
	TriggerMessageID string
	ActivationKey    string
	Context          map[string]any
}

// IsPermanentActivationError reports whether retrying the activation can never succeed.
func IsPermanentActivationError(err error) bool {
	return errors.Is(err, ErrFlowInactive) ||
		errors.Is(err, ErrFlowPaused) ||
		errors.Is(err, ErrInvalidFlowSpec) ||
		errors.Is(err, persistence.ErrFlowNotFound) ||
		errors.Is(err, persistence.ErrDuplicateActivation)
}

// Activator creates executions. The last activation on a conversation wins: any earlier
// non-terminal execution is cancelled in the same store transaction.
type Activator struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	now         func() time.Time
}

func NewActivator(logger *slog.Logger, persistence persistence.Persistence, publisher eventbus.EventPublisher) *Activator {
	return &Activator{
		persistence: persistence,
		publisher:   publisher,
		logger:      logger.With("module", "flow_activator"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (a *Activator) Activate(ctx context.Context, req ActivateRequest) (*models.FlowExecution, error) {
	logger := a.logger.With("flow_id", req.FlowID, "conversation_id", req.ConversationID)

	flow, err := a.persistence.Flows().GetByID(ctx, req.FlowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}

	if !flow.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrFlowInactive, flow.ID)
	}

	err = ValidateSpec(&flow.Spec)
	if err != nil {
		logger.WarnContext(ctx, "refusing to activate invalid flow", "error", err)

		return nil, err
	}

	err = a.checkNotPaused(ctx, req.ConversationID, flow.ID)
	if err != nil {
		return nil, err
	}

	now := a.now()

	execution := &models.FlowExecution{
		FlowID:         flow.ID,
		ConversationID: req.ConversationID,
		Status:         models.ExecutionStatusQueued,
		CurrentNodeID:  flow.Spec.Entry,
		Context:        map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for k, v := range req.Context {
		execution.Context[k] = v
	}

	if req.TriggerMessageID != "" {
		triggerMessageID := req.TriggerMessageID
		execution.TriggerMessageID = &triggerMessageID
	}

	if req.ActivationKey != "" {
		activationKey := req.ActivationKey
		execution.ActivationKey = &activationKey
	}

	cancelled, err := a.persistence.Executions().Activate(ctx, execution)
	if persistence.IsDuplicateActivation(err) {
		logger.DebugContext(ctx, "activation already recorded", "activation_key", req.ActivationKey)

		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("failed to activate execution: %w", err)
	}

	logger.InfoContext(ctx, "flow activated",
		"execution_id", execution.ID,
		"trigger_id", req.TriggerID,
		"superseded", len(cancelled))

	for _, id := range cancelled {
		a.publish(ctx, req.ConversationID, events.ExecutionCancelled{
			BaseEvent:      events.NewBaseEvent(events.ExecutionCancelledEvent, now),
			ExecutionID:    id,
			ConversationID: req.ConversationID,
			Reason:         "superseded",
		})
	}

	a.publish(ctx, req.ConversationID, events.ExecutionActivated{
		BaseEvent:      events.NewBaseEvent(events.ExecutionActivatedEvent, now),
		ExecutionID:    execution.ID,
		FlowID:         flow.ID,
		ConversationID: req.ConversationID,
		TriggerID:      req.TriggerID,
		Superseded:     cancelled,
	})

	return execution, nil
}

// checkNotPaused refuses to restart a flow whose last execution on the conversation exhausted
// its retries, until a user message arrives after that failure.
func (a *Activator) checkNotPaused(ctx context.Context, conversationID, flowID string) error {
	latest, err := a.persistence.Executions().LatestForFlow(ctx, conversationID, flowID)
	if persistence.IsNotFound(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load previous execution: %w", err)
	}

	if !latest.RetriesExhausted() || latest.FinishedAt == nil {
		return nil
	}

	conversation, err := a.persistence.Conversations().GetByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	if conversation.LastUserMessageAt != nil && conversation.LastUserMessageAt.After(*latest.FinishedAt) {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrFlowPaused, flowID)
}

func (a *Activator) publish(ctx context.Context, key string, event eventbus.Event) {
	if a.publisher == nil {
		return
	}

	err := a.publisher.Publish(ctx, key, event)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
