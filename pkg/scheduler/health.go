package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/dmflow/pkg/eventbus"
	"github.com/dukex/dmflow/pkg/events"
	"github.com/dukex/dmflow/pkg/metrics"
	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
)

type HealthConfig struct {
	// StaleTimeout is how long an execution may stay claimed before it is reclaimed.
	StaleTimeout time.Duration
	MaxRetries   int

	// Backlog thresholds; zero disables the alert.
	ExecutionBacklog int64
	OutboundBacklog  int64
	InboundBacklog   int
	InboundGrace     time.Duration
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		StaleTimeout:     10 * time.Minute,
		MaxRetries:       3,
		ExecutionBacklog: 500,
		OutboundBacklog:  1000,
		InboundBacklog:   100,
		InboundGrace:     5 * time.Minute,
	}
}

// HealthReport is what one health pass found.
type HealthReport struct {
	Reclaimed  []*models.FlowExecution
	Paused     int64
	Executions models.ExecutionStats
	Outbound   models.MessageStats
	Inbound    int
	Alerts     []string
}

type HealthJob struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	metrics     *metrics.Metrics
	config      HealthConfig
	logger      *slog.Logger
	now         func() time.Time
}

func NewHealthJob(logger *slog.Logger, persistence persistence.Persistence, publisher eventbus.EventPublisher, m *metrics.Metrics, config HealthConfig) *HealthJob {
	return &HealthJob{
		persistence: persistence,
		publisher:   publisher,
		metrics:     m,
		config:      config,
		logger:      logger.With("module", "health"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (j *HealthJob) Name() string { return "health" }

func (j *HealthJob) Run(ctx context.Context) error {
	_, err := j.Check(ctx)

	return err
}

// Check reclaims stale executions, pauses conversations whose window ended and reports queue
// depth against the backlog thresholds.
func (j *HealthJob) Check(ctx context.Context) (*HealthReport, error) {
	now := j.now()
	report := &HealthReport{}

	reclaimed, err := j.persistence.Executions().ReclaimStale(ctx, now.Add(-j.config.StaleTimeout), now, j.config.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stale executions: %w", err)
	}

	report.Reclaimed = reclaimed
	j.metrics.Reclaimed(len(reclaimed))

	for _, execution := range reclaimed {
		j.logger.WarnContext(ctx, "reclaimed stale execution",
			"execution_id", execution.ID,
			"conversation_id", execution.ConversationID,
			"node_id", execution.CurrentNodeID,
			"retry_count", execution.RetryCount,
			"status", execution.Status,
		)

		if execution.Status == models.ExecutionStatusFailed {
			j.publishFailed(ctx, execution, now)
		}
	}

	report.Paused, err = j.persistence.Conversations().PauseExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to pause expired conversations: %w", err)
	}

	report.Executions, err = j.persistence.Executions().CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	for status, depth := range report.Executions {
		j.metrics.SetQueueDepth(metrics.QueueExecutions, string(status), depth)
	}

	report.Outbound, err = j.persistence.Outbound().CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbound messages: %w", err)
	}

	for status, depth := range report.Outbound {
		j.metrics.SetQueueDepth(metrics.QueueOutbound, string(status), depth)
	}

	if j.config.InboundBacklog > 0 {
		pending, err := j.persistence.InboundEvents().ListUnprocessed(ctx, now.Add(-j.config.InboundGrace), j.config.InboundBacklog+1)
		if err != nil {
			return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
		}

		report.Inbound = len(pending)
		j.metrics.SetQueueDepth(metrics.QueueInbound, "unprocessed", int64(report.Inbound))

		if report.Inbound > j.config.InboundBacklog {
			j.alert(ctx, report, metrics.QueueInbound, int64(report.Inbound), int64(j.config.InboundBacklog))
		}
	}

	if queued := report.Executions[models.ExecutionStatusQueued]; j.config.ExecutionBacklog > 0 && queued > j.config.ExecutionBacklog {
		j.alert(ctx, report, metrics.QueueExecutions, queued, j.config.ExecutionBacklog)
	}

	if queued := report.Outbound[models.DeliveryStatusQueued]; j.config.OutboundBacklog > 0 && queued > j.config.OutboundBacklog {
		j.alert(ctx, report, metrics.QueueOutbound, queued, j.config.OutboundBacklog)
	}

	j.logger.DebugContext(ctx, "health pass finished",
		"reclaimed", len(reclaimed),
		"paused", report.Paused,
		"alerts", len(report.Alerts),
	)

	return report, nil
}

func (j *HealthJob) alert(ctx context.Context, report *HealthReport, queue string, depth, threshold int64) {
	report.Alerts = append(report.Alerts, queue)
	j.metrics.BacklogAlert(queue)
	j.logger.WarnContext(ctx, "queue backlog above threshold", "queue", queue, "depth", depth, "threshold", threshold)
}

func (j *HealthJob) publishFailed(ctx context.Context, execution *models.FlowExecution, now time.Time) {
	if j.publisher == nil {
		return
	}

	err := j.publisher.Publish(ctx, execution.ConversationID, events.ExecutionFailed{
		BaseEvent:      events.NewBaseEvent(events.ExecutionFailedEvent, now),
		ExecutionID:    execution.ID,
		FlowID:         execution.FlowID,
		ConversationID: execution.ConversationID,
		NodeID:         execution.CurrentNodeID,
		Error:          execution.Error,
		RetryCount:     execution.RetryCount,
	})
	if err != nil {
		j.logger.WarnContext(ctx, "failed to publish event", "event_type", events.ExecutionFailedEvent, "error", err)
	}
}
