package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/dmflow/pkg/conversation"
	"github.com/dukex/dmflow/pkg/eventbus"
	"github.com/dukex/dmflow/pkg/events"
	"github.com/dukex/dmflow/pkg/metrics"
	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/otelhelper"
	"github.com/dukex/dmflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Resumer hands a user reply to an execution waiting on a quick reply.
type Resumer interface {
	Resume(ctx context.Context, conversationID string, reply *models.Reply) (bool, error)
}

// TriggerFirer evaluates engagement against the account's triggers.
type TriggerFirer interface {
	Fire(ctx context.Context, event *models.EngagementEvent, conversation *models.Conversation) ([]*models.FlowExecution, error)
}

type Processor struct {
	persistence persistence.Persistence
	resolver    *conversation.Resolver
	resumer     Resumer
	triggers    TriggerFirer
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewProcessor(
	logger *slog.Logger,
	persistence persistence.Persistence,
	resolver *conversation.Resolver,
	resumer Resumer,
	triggers TriggerFirer,
	publisher eventbus.EventPublisher,
) *Processor {
	return &Processor{
		persistence: persistence,
		resolver:    resolver,
		resumer:     resumer,
		triggers:    triggers,
		publisher:   publisher,
		logger:      logger.With("module", "inbound_processor"),
		tracer:      otelhelper.NoopTracer(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) WithTracer(tracer trace.Tracer) *Processor {
	p.tracer = tracer

	return p
}

func (p *Processor) WithMetrics(m *metrics.Metrics) *Processor {
	p.metrics = m

	return p
}

// Ingest normalizes a verified webhook body, appends each item to the event store and announces
// the new ones on the bus. Duplicate deliveries are stored once and announced once.
func (p *Processor) Ingest(ctx context.Context, body []byte) (int, error) {
	receivedAt := p.now()

	normalized, err := Normalize(body, receivedAt)
	if err != nil {
		return 0, err
	}

	stored := 0

	for _, event := range normalized {
		inserted, err := p.persistence.InboundEvents().Append(ctx, event)
		if err != nil {
			return stored, fmt.Errorf("failed to store inbound event: %w", err)
		}

		if !inserted {
			p.logger.DebugContext(ctx, "duplicate delivery ignored", "provider_event_id", event.ProviderEventID)
			p.metrics.Inbound("duplicate")

			continue
		}

		stored++

		if p.publisher == nil {
			continue
		}

		// Publish failures leave the event to the sweep job.
		err = p.publisher.Publish(ctx, event.ExternalAccountID, events.InboundReceived{
			BaseEvent:       events.NewBaseEvent(events.InboundReceivedEvent, receivedAt),
			EventID:         event.ID,
			ProviderEventID: event.ProviderEventID,
			Kind:            string(event.Kind),
		})
		if err != nil {
			p.logger.WarnContext(ctx, "failed to publish inbound event", "event_id", event.ID, "error", err)
		}
	}

	return stored, nil
}

// Register subscribes the processor to inbound announcements.
func (p *Processor) Register(subscriber eventbus.EventSubscriber) error {
	return subscriber.Handle(events.InboundReceivedEvent, func(ctx context.Context, event any) error {
		received, ok := event.(*events.InboundReceived)
		if !ok {
			return fmt.Errorf("unexpected event payload %T", event)
		}

		return p.Process(ctx, received.EventID)
	})
}

// Process applies one stored event. It is idempotent: a processed event is skipped, and an event
// that fails stays unprocessed for the sweep to retry.
func (p *Processor) Process(ctx context.Context, eventID string) error {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "inbound.process", attribute.String(otelhelper.EventIDKey, eventID))
	defer span.End()

	event, err := p.persistence.InboundEvents().GetByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to load inbound event: %w", err)
	}

	if event.Processed {
		return nil
	}

	logger := p.logger.With("event_id", event.ID, "provider_event_id", event.ProviderEventID, "kind", event.Kind)

	account, err := p.persistence.Accounts().GetByExternalID(ctx, event.ExternalAccountID)
	if persistence.IsAccountNotFound(err) {
		logger.WarnContext(ctx, "no channel account for event, dropping", "external_account_id", event.ExternalAccountID)
		p.metrics.Inbound("dropped")

		return p.persistence.InboundEvents().MarkProcessed(ctx, event.ID, nil, p.now())
	}

	if err != nil {
		return fmt.Errorf("failed to load channel account: %w", err)
	}

	err = p.apply(ctx, logger, event, account)
	if errors.Is(err, ErrMalformedPayload) {
		// Retrying cannot fix the payload.
		logger.WarnContext(ctx, "dropping malformed event", "error", err)
		p.metrics.Inbound("dropped")

		return p.persistence.InboundEvents().MarkProcessed(ctx, event.ID, &account.ID, p.now())
	}

	if err != nil {
		otelhelper.SetError(span, err)
		p.metrics.Inbound("failed")

		return err
	}

	p.metrics.Inbound("processed")

	return p.persistence.InboundEvents().MarkProcessed(ctx, event.ID, &account.ID, p.now())
}

func (p *Processor) apply(ctx context.Context, logger *slog.Logger, event *models.InboundEvent, account *models.ChannelAccount) error {
	switch event.Kind {
	case models.InboundKindMessage, models.InboundKindStoryReply:
		var item Messaging

		err := json.Unmarshal(event.RawPayload, &item)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}

		return p.applyMessage(ctx, logger, event, account, &item)
	case models.InboundKindDelivery:
		var item Messaging

		err := json.Unmarshal(event.RawPayload, &item)
		if err != nil || item.Delivery == nil {
			return fmt.Errorf("%w: delivery", ErrMalformedPayload)
		}

		return p.applyDelivery(ctx, logger, item.Delivery, millis(item.Timestamp, event.ReceivedAt))
	case models.InboundKindComment, models.InboundKindMention:
		var change Change

		err := json.Unmarshal(event.RawPayload, &change)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}

		return p.applyEngagement(ctx, logger, event, account, &change)
	default:
		logger.DebugContext(ctx, "ignoring event kind")

		return nil
	}
}

// applyMessage reopens the window and resumes a waiting execution. A story reply nobody was
// waiting for is matched against story_reply triggers.
func (p *Processor) applyMessage(ctx context.Context, logger *slog.Logger, event *models.InboundEvent, account *models.ChannelAccount, item *Messaging) error {
	at := millis(item.Timestamp, event.ReceivedAt)

	if item.Sender.ID == "" {
		return fmt.Errorf("%w: message without sender", ErrMalformedPayload)
	}

	conv, err := p.resolver.Resolve(ctx, account.ID, item.Sender.ID, "", at)
	if err != nil {
		return err
	}

	// The window runs from when the message reached us, not from the sender's clock.
	conv, err = p.resolver.RecordInbound(ctx, conv.ID, event.ReceivedAt)
	if err != nil {
		return err
	}

	reply := &models.Reply{MessageID: event.ProviderEventID, ReceivedAt: at}

	switch {
	case item.Message != nil:
		reply.Text = item.Message.Text
		if item.Message.QuickReply != nil {
			reply.Payload = item.Message.QuickReply.Payload
		}
	case item.Postback != nil:
		reply.Text = item.Postback.Title
		reply.Payload = item.Postback.Payload
	}

	resumed, err := p.resumer.Resume(ctx, conv.ID, reply)
	if err != nil {
		return err
	}

	if resumed || event.Kind != models.InboundKindStoryReply {
		logger.DebugContext(ctx, "user message applied", "conversation_id", conv.ID, "resumed", resumed)

		return nil
	}

	engagement := &models.EngagementEvent{
		EventID:          event.ID,
		ChannelAccountID: account.ID,
		Type:             models.TriggerTypeStoryReply,
		ExternalUserID:   item.Sender.ID,
		Text:             reply.Text,
		OccurredAt:       at,
	}

	if item.Message != nil && item.Message.ReplyTo != nil && item.Message.ReplyTo.Story != nil {
		engagement.PostID = item.Message.ReplyTo.Story.ID
	}

	_, err = p.triggers.Fire(ctx, engagement, conv)

	return err
}

func (p *Processor) applyDelivery(ctx context.Context, logger *slog.Logger, delivery *Delivery, at time.Time) error {
	var errs []error

	for _, mid := range delivery.MIDs {
		delivered, err := p.persistence.Outbound().MarkDelivered(ctx, mid, at)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		logger.DebugContext(ctx, "delivery receipt", "external_message_id", mid, "matched", delivered)
	}

	return errors.Join(errs...)
}

// applyEngagement resolves the commenter's conversation and fires matching triggers. Comments do
// not open the messaging window.
func (p *Processor) applyEngagement(ctx context.Context, logger *slog.Logger, event *models.InboundEvent, account *models.ChannelAccount, change *Change) error {
	value := change.Value

	if value.From.ID == "" || value.From.ID == account.ExternalAccountID {
		logger.DebugContext(ctx, "ignoring engagement without author or by the account itself")

		return nil
	}

	at := event.ReceivedAt
	if value.CreatedTime > 0 {
		at = time.Unix(value.CreatedTime, 0).UTC()
	}

	conv, err := p.resolver.Resolve(ctx, account.ID, value.From.ID, "", at)
	if err != nil {
		return err
	}

	engagement := &models.EngagementEvent{
		EventID:          event.ID,
		ChannelAccountID: account.ID,
		Type:             models.TriggerTypeComment,
		ExternalUserID:   value.From.ID,
		PostID:           value.postID(),
		CommentID:        value.commentID(),
		Text:             value.text(),
		OccurredAt:       at,
	}

	if event.Kind == models.InboundKindMention {
		engagement.Type = models.TriggerTypeMention
	}

	executions, err := p.triggers.Fire(ctx, engagement, conv)
	if err != nil {
		return err
	}

	logger.DebugContext(ctx, "engagement applied", "conversation_id", conv.ID, "activations", len(executions))

	return nil
}

// Sweep reprocesses events still unprocessed after the grace period, oldest first.
func (p *Processor) Sweep(ctx context.Context, grace time.Duration, limit int) (int, error) {
	pending, err := p.persistence.InboundEvents().ListUnprocessed(ctx, p.now().Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unprocessed events: %w", err)
	}

	processed := 0

	for _, event := range pending {
		err := p.Process(ctx, event.ID)
		if err != nil {
			p.logger.WarnContext(ctx, "sweep failed to process event", "event_id", event.ID, "error", err)

			continue
		}

		processed++
	}

	return processed, nil
}
