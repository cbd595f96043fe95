// Package dispatch drains the outbound queue: it applies the messaging policy gates, consults the
// rate limiter and hands each message to the provider.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/dmflow/pkg/eventbus"
	"github.com/dukex/dmflow/pkg/events"
	"github.com/dukex/dmflow/pkg/metrics"
	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/otelhelper"
	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/dukex/dmflow/pkg/providers"
	"github.com/dukex/dmflow/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var ErrUnsupportedMessageType = errors.New("unsupported message type")

type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRequeued Outcome = "requeued"
	OutcomeFailed   Outcome = "failed"
)

type Config struct {
	// MaxRetries bounds provider rate-limit retries before a message fails.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Lease hides a claimed message from other dispatchers while it is being sent.
	Lease     time.Duration
	BatchSize int
	FanOut    int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BaseBackoff: time.Minute,
		MaxBackoff:  30 * time.Minute,
		Lease:       2 * time.Minute,
		BatchSize:   50,
		FanOut:      5,
	}
}

// Backoff returns base·2^attempt, capped at max.
func (c Config) Backoff(attempt int) time.Duration {
	delay := c.BaseBackoff

	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}

	return min(delay, c.MaxBackoff)
}

type Dispatcher struct {
	persistence persistence.Persistence
	limiter     ratelimit.Limiter
	provider    providers.MessagingProvider
	credentials providers.CredentialProvider
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	config      Config
	now         func() time.Time
}

func NewDispatcher(
	logger *slog.Logger,
	persistence persistence.Persistence,
	limiter ratelimit.Limiter,
	provider providers.MessagingProvider,
	credentials providers.CredentialProvider,
	publisher eventbus.EventPublisher,
	config Config,
) *Dispatcher {
	return &Dispatcher{
		persistence: persistence,
		limiter:     limiter,
		provider:    provider,
		credentials: credentials,
		publisher:   publisher,
		logger:      logger.With("module", "dispatcher"),
		tracer:      otelhelper.NoopTracer(),
		config:      config,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) WithTracer(tracer trace.Tracer) *Dispatcher {
	d.tracer = tracer

	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m

	return d
}

// RunBatch leases the due messages and dispatches them with a bounded fan-out across streams.
// Messages of one stream go out one at a time in creation order, and a message put back on the
// queue holds back the rest of its stream.
func (d *Dispatcher) RunBatch(ctx context.Context) (int, error) {
	messages, err := d.persistence.Outbound().ClaimDue(ctx, d.now(), d.config.Lease, d.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbound messages: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(d.config.FanOut, 1))

	for _, stream := range streams(messages) {
		group.Go(func() error {
			for _, message := range stream {
				outcome, err := d.Dispatch(groupCtx, message)
				if err != nil {
					// The lease expires and the message is picked up again.
					d.logger.ErrorContext(groupCtx, "dispatch failed", "message_id", message.ID, "error", err)

					return nil
				}

				if outcome == OutcomeRequeued {
					return nil
				}
			}

			return nil
		})
	}

	_ = group.Wait()

	return len(messages), nil
}

// streams splits messages by stream, each in creation order.
func streams(messages []*models.OutboundMessage) [][]*models.OutboundMessage {
	index := make(map[string]int)
	grouped := make([][]*models.OutboundMessage, 0)

	for _, message := range messages {
		i, ok := index[message.Stream()]
		if !ok {
			i = len(grouped)
			index[message.Stream()] = i
			grouped = append(grouped, nil)
		}

		grouped[i] = append(grouped[i], message)
	}

	for _, stream := range grouped {
		sort.SliceStable(stream, func(i, j int) bool { return stream[i].Precedes(stream[j]) })
	}

	return grouped
}

// Dispatch moves one queued message to sent, back to the queue, or to failed. A returned error
// means no transition was recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, message *models.OutboundMessage) (Outcome, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatch.message",
		attribute.String(otelhelper.MessageIDKey, message.ID),
		attribute.String(otelhelper.ConversationIDKey, message.ConversationID),
	)
	defer span.End()

	logger := d.logger.With("message_id", message.ID, "conversation_id", message.ConversationID)
	now := d.now()

	conversation, err := d.persistence.Conversations().GetByID(ctx, message.ConversationID)
	if persistence.IsNotFound(err) {
		return d.fail(ctx, logger, message, models.FailureInvalidRecipient, err.Error(), now)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return "", fmt.Errorf("failed to load conversation: %w", err)
	}

	if reason := policyViolation(message, conversation, now); reason != "" {
		return d.fail(ctx, logger, message, reason, "", now)
	}

	allowed, err := d.limiter.Acquire(ctx, conversation.ChannelAccountID, message.APIType())
	if err != nil {
		otelhelper.SetError(span, err)

		return "", err
	}

	if !allowed {
		deferCount := message.DeferCount + 1
		notBefore := now.Add(d.config.Backoff(message.DeferCount))

		logger.InfoContext(ctx, "rate limit reached, deferring message", "not_before", notBefore, "defer_count", deferCount)

		return d.requeue(ctx, message, notBefore, message.RetryCount, deferCount, now)
	}

	accessToken, err := d.credentials.AccessToken(ctx, conversation.ChannelAccountID)
	if err != nil {
		return d.fail(ctx, logger, message, models.FailureCredentials, err.Error(), now)
	}

	externalID, err := d.send(ctx, accessToken, message, conversation)
	if err != nil {
		otelhelper.SetError(span, err)

		return d.providerFailure(ctx, logger, message, err, now)
	}

	err = d.persistence.Outbound().MarkSent(ctx, message.ID, externalID, now)
	if err != nil {
		return "", fmt.Errorf("failed to mark message sent: %w", err)
	}

	if message.Channel == models.ChannelDirect {
		err = d.persistence.Conversations().RecordAgentMessage(ctx, conversation.ID, now)
		if err != nil {
			logger.WarnContext(ctx, "failed to record agent message", "error", err)
		}
	}

	logger.DebugContext(ctx, "message sent", "external_message_id", externalID)
	d.metrics.Dispatch(string(OutcomeSent))

	return OutcomeSent, nil
}

// policyViolation applies the window and pause gates. They cover automated direct messages only:
// HUMAN_AGENT replies bypass them, private replies answer a comment rather than an open
// conversation, and public replies are comments.
func policyViolation(message *models.OutboundMessage, conversation *models.Conversation, now time.Time) string {
	if message.Channel != models.ChannelDirect || message.ReplyToID != nil || message.PolicyTag == models.PolicyTagHumanAgent {
		return ""
	}

	if conversation.WindowExpired(now) {
		return models.FailureWindowExpired
	}

	if conversation.Paused(now) {
		return models.FailureAutomationPaused
	}

	return ""
}

func (d *Dispatcher) send(ctx context.Context, accessToken string, message *models.OutboundMessage, conversation *models.Conversation) (string, error) {
	payload := message.Payload

	if message.ReplyToID != nil {
		if message.Channel == models.ChannelPublic {
			return d.provider.ReplyToComment(ctx, accessToken, *message.ReplyToID, payload.Text)
		}

		return d.provider.SendPrivateReply(ctx, accessToken, *message.ReplyToID, payload.Text)
	}

	if message.Channel == models.ChannelPublic {
		return "", &providers.Error{Kind: providers.ErrorKindInvalidRecipient, Message: "public reply without a comment"}
	}

	recipient := conversation.ExternalUserID

	switch message.MsgType {
	// System notices have no dedicated provider API and go out as plain text.
	case models.MessageTypeText, models.MessageTypeSystem:
		return d.provider.SendText(ctx, accessToken, recipient, payload.Text, message.PolicyTag)
	case models.MessageTypeQuickReply:
		return d.provider.SendQuickReply(ctx, accessToken, recipient, payload.Text, payload.Options, message.PolicyTag)
	case models.MessageTypeMedia:
		return d.provider.SendMedia(ctx, accessToken, recipient, payload.URL, payload.MediaType, message.PolicyTag)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMessageType, message.MsgType)
	}
}

func (d *Dispatcher) providerFailure(ctx context.Context, logger *slog.Logger, message *models.OutboundMessage, err error, now time.Time) (Outcome, error) {
	if errors.Is(err, ErrUnsupportedMessageType) {
		return d.fail(ctx, logger, message, models.FailureUnsupportedType, err.Error(), now)
	}

	switch providers.KindOf(err) {
	case providers.ErrorKindRateLimited:
		retryCount := message.RetryCount + 1
		if retryCount > d.config.MaxRetries {
			return d.fail(ctx, logger, message, models.FailureRateLimitExhausted, err.Error(), now)
		}

		notBefore := now.Add(d.config.Backoff(message.RetryCount))

		logger.WarnContext(ctx, "provider rate limited, retrying", "retry_count", retryCount, "not_before", notBefore)

		return d.requeue(ctx, message, notBefore, retryCount, message.DeferCount, now)
	case providers.ErrorKindInvalidRecipient:
		return d.fail(ctx, logger, message, models.FailureInvalidRecipient, err.Error(), now)
	default:
		return d.fail(ctx, logger, message, models.FailureProviderError, err.Error(), now)
	}
}

func (d *Dispatcher) requeue(ctx context.Context, message *models.OutboundMessage, notBefore time.Time, retryCount, deferCount int, now time.Time) (Outcome, error) {
	err := d.persistence.Outbound().Requeue(ctx, message.ID, notBefore, retryCount, deferCount, now)
	if err != nil {
		return "", fmt.Errorf("failed to requeue message: %w", err)
	}

	d.metrics.Dispatch(string(OutcomeRequeued))

	return OutcomeRequeued, nil
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, message *models.OutboundMessage, reason, detail string, now time.Time) (Outcome, error) {
	err := d.persistence.Outbound().MarkFailed(ctx, message.ID, reason, detail, now)
	if err != nil {
		return "", fmt.Errorf("failed to mark message failed: %w", err)
	}

	logger.WarnContext(ctx, "message failed", "reason", reason, "detail", detail)
	d.metrics.Dispatch(reason)

	if d.publisher != nil {
		err = d.publisher.Publish(ctx, message.ConversationID, events.MessageFailed{
			BaseEvent:      events.NewBaseEvent(events.MessageFailedEvent, now),
			MessageID:      message.ID,
			ConversationID: message.ConversationID,
			Reason:         reason,
			Detail:         detail,
		})
		if err != nil {
			logger.WarnContext(ctx, "failed to publish event", "event_type", events.MessageFailedEvent, "error", err)
		}
	}

	return OutcomeFailed, nil
}
