package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/dmflow/pkg/eventbus"
	"github.com/dukex/dmflow/pkg/events"
	"github.com/dukex/dmflow/pkg/metrics"
	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/otelhelper"
	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/dukex/dmflow/pkg/protocol"
	"github.com/dukex/dmflow/pkg/registry"
	"github.com/dukex/dmflow/pkg/template"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// contextPrivateReplySent marks that the one private reply allowed per triggering comment was used.
const contextPrivateReplySent = "_private_reply_sent"

type Config struct {
	// MaxRetries is how many failed attempts a step gets before the execution fails.
	MaxRetries int
	// StepQuota bounds the steps of one execution so cyclic flows without waits terminate.
	StepQuota int
	// RetryDelay is multiplied by the retry count to space out attempts.
	RetryDelay time.Duration
	// Concurrency bounds how many claimed executions of a batch are stepped at once.
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		StepQuota:   500,
		RetryDelay:  30 * time.Second,
		Concurrency: 4,
	}
}

// terminalError aborts an execution without retry.
type terminalError struct {
	code   string
	detail string
}

func (e *terminalError) Error() string {
	if e.detail == "" {
		return e.code
	}

	return e.code + ": " + e.detail
}

func terminal(code, detail string) *terminalError {
	return &terminalError{code: code, detail: detail}
}

// Executor is the flow state machine. Each claimed execution advances exactly one node per Step.
type Executor struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	config      Config
	now         func() time.Time
}

func NewExecutor(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	publisher eventbus.EventPublisher,
	config Config,
) *Executor {
	return &Executor{
		persistence: persistence,
		registry:    registry,
		publisher:   publisher,
		logger:      logger.With("module", "flow_executor"),
		tracer:      otelhelper.NoopTracer(),
		config:      config,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (e *Executor) WithTracer(tracer trace.Tracer) *Executor {
	e.tracer = tracer

	return e
}

func (e *Executor) WithMetrics(m *metrics.Metrics) *Executor {
	e.metrics = m

	return e
}

// RunBatch claims up to limit eligible executions and steps each once. Step failures are
// logged and do not stop the batch.
func (e *Executor) RunBatch(ctx context.Context, limit int) (int, error) {
	stepped, err := e.claimAndStep(ctx, limit, persistence.ClaimFilter{})

	return len(stepped), err
}

// StepBatch is RunBatch that never claims an execution listed in skip. It returns the ids it
// claimed, so a caller running several batches in one tick advances each execution at most
// one node.
func (e *Executor) StepBatch(ctx context.Context, limit int, skip []string) ([]string, error) {
	return e.claimAndStep(ctx, limit, persistence.ClaimFilter{Skip: skip})
}

// StepExecution steps the execution once if it is eligible now. It reports whether it did.
func (e *Executor) StepExecution(ctx context.Context, id string) (bool, error) {
	stepped, err := e.claimAndStep(ctx, 1, persistence.ClaimFilter{Only: []string{id}})

	return len(stepped) == 1, err
}

func (e *Executor) claimAndStep(ctx context.Context, limit int, filter persistence.ClaimFilter) ([]string, error) {
	claimed, err := e.persistence.Executions().ClaimNext(ctx, e.now(), limit, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to claim executions: %w", err)
	}

	ids := make([]string, 0, len(claimed))
	for _, execution := range claimed {
		ids = append(ids, execution.ID)
	}

	if len(claimed) == 0 {
		return ids, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(e.config.Concurrency, 1))

	for _, execution := range claimed {
		group.Go(func() error {
			err := e.Step(groupCtx, execution)
			if err != nil {
				e.logger.ErrorContext(groupCtx, "step failed", "execution_id", execution.ID, "error", err)
			}

			return nil
		})
	}

	_ = group.Wait()

	return ids, nil
}

// Step runs the current node of a claimed execution and commits the result with its
// outbound messages, guarded by the claim token.
func (e *Executor) Step(ctx context.Context, execution *models.FlowExecution) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "flow.step",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.FlowIDKey, execution.FlowID),
		attribute.String(otelhelper.NodeIDKey, execution.CurrentNodeID),
	)
	defer span.End()

	logger := e.logger.With(
		"execution_id", execution.ID,
		"flow_id", execution.FlowID,
		"conversation_id", execution.ConversationID,
		"node_id", execution.CurrentNodeID,
	)

	now := e.now()

	flow, err := e.persistence.Flows().GetByID(ctx, execution.FlowID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return e.fail(ctx, logger, execution, terminal(models.ErrCodeFlowInactive, "flow not found"), now)
		}

		return e.retry(ctx, logger, execution, err, now)
	}

	if !flow.IsActive {
		return e.fail(ctx, logger, execution, terminal(models.ErrCodeFlowInactive, ""), now)
	}

	node, ok := flow.Spec.Nodes[execution.CurrentNodeID]
	if !ok || node == nil {
		return e.fail(ctx, logger, execution, terminal(models.ErrCodeInvalidNodeReference, execution.CurrentNodeID), now)
	}

	if execution.StepCount >= e.config.StepQuota {
		return e.fail(ctx, logger, execution, terminal(models.ErrCodeStepQuotaExceeded, strconv.Itoa(execution.StepCount)), now)
	}

	conversation, err := e.persistence.Conversations().GetByID(ctx, execution.ConversationID)
	if err != nil {
		return e.retry(ctx, logger, execution, err, now)
	}

	span.SetAttributes(attribute.String(otelhelper.NodeTypeKey, string(node.Type)))

	working := execution.Clone()

	messages, err := e.run(ctx, logger, working, node, conversation, now)
	if err != nil {
		otelhelper.SetError(span, err)

		var terminalErr *terminalError
		if errors.As(err, &terminalErr) {
			return e.fail(ctx, logger, execution, terminalErr, now)
		}

		return e.retry(ctx, logger, execution, err, now)
	}

	working.StepCount++
	working.RetryCount = 0
	working.UpdatedAt = now

	return e.commit(ctx, logger, working, messages)
}

func (e *Executor) run(
	ctx context.Context,
	logger *slog.Logger,
	execution *models.FlowExecution,
	node *models.Node,
	conversation *models.Conversation,
	now time.Time,
) ([]*models.OutboundMessage, error) {
	switch node.Type {
	case models.NodeTypeMessage:
		text, err := template.RenderString(node.Text, template.Data(execution))
		if err != nil {
			return nil, terminal(models.ErrCodeInvalidExpression, err.Error())
		}

		message := e.newMessage(execution, conversation, models.MessageTypeText, models.MessagePayload{Text: text}, now)
		advance(execution, node.Go, now)

		return []*models.OutboundMessage{message}, nil

	case models.NodeTypeQuickReply:
		if reply := execution.PendingReply; reply != nil {
			execution.PendingReply = nil
			execution.Context[models.ContextLastReply] = reply.Text
			execution.Context[models.ContextLastReplyPayload] = reply.Payload

			target := matchOption(node, reply)
			if target == "" {
				target = node.Default
			}

			if target != "" {
				advance(execution, target, now)

				return nil, nil
			}

			logger.DebugContext(ctx, "reply matched no option, presenting again", "reply", reply.Text)
		}

		text, err := template.RenderString(node.Text, template.Data(execution))
		if err != nil {
			return nil, terminal(models.ErrCodeInvalidExpression, err.Error())
		}

		options := make([]models.QuickReplyOption, 0, len(node.Options))
		for _, option := range node.Options {
			options = append(options, models.QuickReplyOption{Text: option.Text, Payload: option.MatchKey()})
		}

		message := e.newMessage(execution, conversation, models.MessageTypeQuickReply, models.MessagePayload{Text: text, Options: options}, now)

		execution.Status = models.ExecutionStatusQueued
		execution.SuspendedOn = models.SuspensionReply
		execution.NotBefore = nil

		return []*models.OutboundMessage{message}, nil

	case models.NodeTypeCondition:
		result, err := template.Evaluate(node.Expr, template.Data(execution))
		if err != nil {
			return nil, terminal(models.ErrCodeInvalidExpression, err.Error())
		}

		if result {
			advance(execution, node.TrueGo, now)
		} else {
			advance(execution, node.FalseGo, now)
		}

		return nil, nil

	case models.NodeTypeAction:
		action, err := e.registry.CreateAction(node.Name, node.Params)
		if errors.Is(err, registry.ErrActionNotRegistered) {
			return nil, terminal(models.ErrCodeUnknownAction, node.Name)
		}

		if err != nil {
			return nil, terminal(models.ErrCodeInvalidActionParams, err.Error())
		}

		err = action.Execute(ctx, &protocol.ActionInput{
			Execution:    execution,
			Conversation: conversation,
			Now:          now,
		}, logger.With("action", node.Name))
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", node.Name, err)
		}

		advance(execution, node.Go, now)

		return nil, nil

	case models.NodeTypeWait:
		if execution.SuspendedOn == models.SuspensionTimer {
			advance(execution, node.Go, now)

			return nil, nil
		}

		notBefore := now.Add(time.Duration(node.DurationMs) * time.Millisecond)

		execution.Status = models.ExecutionStatusQueued
		execution.SuspendedOn = models.SuspensionTimer
		execution.NotBefore = &notBefore

		return nil, nil

	case models.NodeTypeEnd:
		complete(execution, now)

		return nil, nil

	default:
		return nil, terminal(models.ErrCodeInvalidFlowSpec, "unknown node type "+string(node.Type))
	}
}

// advance moves to target, or completes the execution when there is none.
func advance(execution *models.FlowExecution, target string, now time.Time) {
	if target == "" {
		complete(execution, now)

		return
	}

	execution.CurrentNodeID = target
	execution.Status = models.ExecutionStatusQueued
	execution.SuspendedOn = models.SuspensionNone
	execution.NotBefore = nil
}

func complete(execution *models.FlowExecution, now time.Time) {
	execution.Status = models.ExecutionStatusCompleted
	execution.SuspendedOn = models.SuspensionNone
	execution.NotBefore = nil
	execution.FinishedAt = &now
}

// matchOption finds the option a reply selects: by payload first, then by button text.
func matchOption(node *models.Node, reply *models.Reply) string {
	if reply.Payload != "" {
		for _, option := range node.Options {
			if option.MatchKey() == reply.Payload {
				return option.Go
			}
		}
	}

	text := strings.TrimSpace(reply.Text)
	for _, option := range node.Options {
		if strings.EqualFold(option.Text, text) || strings.EqualFold(option.MatchKey(), text) {
			return option.Go
		}
	}

	return ""
}

// newMessage builds the outbound intent of the current step. The first text message of an
// execution fired by a comment goes out as a private reply to it while no messaging window is open.
func (e *Executor) newMessage(
	execution *models.FlowExecution,
	conversation *models.Conversation,
	msgType models.MessageType,
	payload models.MessagePayload,
	now time.Time,
) *models.OutboundMessage {
	executionID := execution.ID
	stepKey := execution.ID + ":" + strconv.Itoa(execution.StepCount)

	message := &models.OutboundMessage{
		ConversationID: execution.ConversationID,
		ExecutionID:    &executionID,
		StepKey:        &stepKey,
		Channel:        models.ChannelDirect,
		MsgType:        msgType,
		Payload:        payload,
		PolicyTag:      models.PolicyTagNone,
		DeliveryStatus: models.DeliveryStatusQueued,
		NotBefore:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, used := execution.Context[contextPrivateReplySent]

	if msgType == models.MessageTypeText && execution.TriggerMessageID != nil && !used && conversation.WindowExpired(now) {
		replyTo := *execution.TriggerMessageID
		message.ReplyToID = &replyTo
		execution.Context[contextPrivateReplySent] = true
	}

	return message
}

func (e *Executor) retry(ctx context.Context, logger *slog.Logger, execution *models.FlowExecution, cause error, now time.Time) error {
	execution.RetryCount++
	execution.UpdatedAt = now

	if execution.RetryCount > e.config.MaxRetries {
		return e.fail(ctx, logger, execution, terminal(models.ErrCodeRetriesExhausted, cause.Error()), now)
	}

	notBefore := now.Add(time.Duration(execution.RetryCount) * e.config.RetryDelay)

	execution.Status = models.ExecutionStatusQueued
	execution.NotBefore = &notBefore

	logger.WarnContext(ctx, "step failed, will retry",
		"retry_count", execution.RetryCount,
		"not_before", notBefore,
		"error", cause)

	return e.commit(ctx, logger, execution, nil)
}

func (e *Executor) fail(ctx context.Context, logger *slog.Logger, execution *models.FlowExecution, cause *terminalError, now time.Time) error {
	execution.Status = models.ExecutionStatusFailed
	execution.Error = cause.Error()
	execution.SuspendedOn = models.SuspensionNone
	execution.NotBefore = nil
	execution.FinishedAt = &now
	execution.UpdatedAt = now

	logger.ErrorContext(ctx, "execution failed", "error_code", cause.code, "error", cause.Error())

	return e.commit(ctx, logger, execution, nil)
}

func (e *Executor) commit(ctx context.Context, logger *slog.Logger, execution *models.FlowExecution, messages []*models.OutboundMessage) error {
	err := e.persistence.Executions().Commit(ctx, execution, messages)
	if persistence.IsClaimLost(err) {
		// Cancelled or reclaimed while the step ran; its result and messages are dropped.
		logger.InfoContext(ctx, "step discarded, claim no longer held")
		e.metrics.Step("discarded")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to commit step: %w", err)
	}

	now := execution.UpdatedAt

	switch execution.Status {
	case models.ExecutionStatusCompleted:
		e.metrics.Step("completed")
		logger.InfoContext(ctx, "execution completed", "steps", execution.StepCount)
		e.publish(ctx, execution.ConversationID, events.ExecutionCompleted{
			BaseEvent:      events.NewBaseEvent(events.ExecutionCompletedEvent, now),
			ExecutionID:    execution.ID,
			FlowID:         execution.FlowID,
			ConversationID: execution.ConversationID,
			Steps:          execution.StepCount,
		})
	case models.ExecutionStatusFailed:
		e.metrics.Step("failed")
		e.publish(ctx, execution.ConversationID, events.ExecutionFailed{
			BaseEvent:      events.NewBaseEvent(events.ExecutionFailedEvent, now),
			ExecutionID:    execution.ID,
			FlowID:         execution.FlowID,
			ConversationID: execution.ConversationID,
			NodeID:         execution.CurrentNodeID,
			Error:          execution.Error,
			RetryCount:     execution.RetryCount,
		})
	default:
		if execution.RetryCount > 0 {
			e.metrics.Step("retried")
		} else {
			e.metrics.Step("advanced")
		}
	}

	return nil
}

// Resume hands an inbound reply to the conversation's execution if it waits on a quick reply.
func (e *Executor) Resume(ctx context.Context, conversationID string, reply *models.Reply) (bool, error) {
	active, err := e.persistence.Executions().ActiveForConversation(ctx, conversationID)
	if persistence.IsNotFound(err) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to load active execution: %w", err)
	}

	if active.SuspendedOn != models.SuspensionReply {
		return false, nil
	}

	resumed, err := e.persistence.Executions().Resume(ctx, active.ID, reply, e.now())
	if err != nil {
		return false, fmt.Errorf("failed to resume execution: %w", err)
	}

	if resumed {
		e.logger.DebugContext(ctx, "execution resumed by reply",
			"execution_id", active.ID,
			"conversation_id", conversationID)
	}

	return resumed, nil
}

// Cancel aborts an execution on operator request. A step in flight loses its claim and
// emits nothing.
func (e *Executor) Cancel(ctx context.Context, executionID, reason string) (*models.FlowExecution, error) {
	now := e.now()

	execution, err := e.persistence.Executions().Cancel(ctx, executionID, now)
	if err != nil {
		return execution, err
	}

	e.logger.InfoContext(ctx, "execution cancelled", "execution_id", executionID, "reason", reason)
	e.publish(ctx, execution.ConversationID, events.ExecutionCancelled{
		BaseEvent:      events.NewBaseEvent(events.ExecutionCancelledEvent, now),
		ExecutionID:    execution.ID,
		ConversationID: execution.ConversationID,
		Reason:         reason,
	})

	return execution, nil
}

func (e *Executor) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, key, event)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
