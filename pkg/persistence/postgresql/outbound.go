package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
)

// OutboundRepository owns the outbound message queue.
type OutboundRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewOutboundRepository(db *sql.DB, logger *slog.Logger) *OutboundRepository {
	return &OutboundRepository{db: db, logger: logger}
}

var messageColumns = []string{
	"id", "conversation_id", "execution_id", "step_key", "channel", "reply_to_id", "msg_type", "payload",
	"policy_tag", "delivery_status", "external_message_id", "retry_count", "defer_count", "not_before",
	"lease_until", "failure_reason", "sent_at", "delivered_at", "created_at", "updated_at",
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanMessage(row scanner) (*models.OutboundMessage, error) {
	var (
		message     models.OutboundMessage
		payloadJSON []byte
	)

	err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.ExecutionID,
		&message.StepKey,
		&message.Channel,
		&message.ReplyToID,
		&message.MsgType,
		&payloadJSON,
		&message.PolicyTag,
		&message.DeliveryStatus,
		&message.ExternalMessageID,
		&message.RetryCount,
		&message.DeferCount,
		&message.NotBefore,
		&message.LeaseUntil,
		&message.FailureReason,
		&message.SentAt,
		&message.DeliveredAt,
		&message.CreatedAt,
		&message.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payloadJSON) > 0 {
		err = json.Unmarshal(payloadJSON, &message.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal message payload: %w", err)
		}
	}

	return &message, nil
}

// insertMessage stores message; a row with the same step key wins and the insert is dropped.
func insertMessage(ctx context.Context, db execer, message *models.OutboundMessage) error {
	if message.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		message.ID = id
	}

	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	if message.UpdatedAt.IsZero() {
		message.UpdatedAt = message.CreatedAt
	}

	if message.NotBefore.IsZero() {
		message.NotBefore = message.CreatedAt
	}

	if message.DeliveryStatus == "" {
		message.DeliveryStatus = models.DeliveryStatusQueued
	}

	payloadJSON, err := json.Marshal(message.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO outbound_messages (id, conversation_id, execution_id, step_key, channel, reply_to_id, msg_type,
			payload, policy_tag, delivery_status, retry_count, defer_count, not_before, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (step_key) DO NOTHING
	`,
		message.ID,
		message.ConversationID,
		message.ExecutionID,
		message.StepKey,
		message.Channel,
		message.ReplyToID,
		message.MsgType,
		payloadJSON,
		message.PolicyTag,
		message.DeliveryStatus,
		message.RetryCount,
		message.DeferCount,
		message.NotBefore,
		message.CreatedAt,
		message.UpdatedAt,
	)
	if err != nil {
		return persistence.NewMessageError("Enqueue", message.ID, err)
	}

	return nil
}

func (r *OutboundRepository) scanAll(ctx context.Context, rows *sql.Rows) ([]*models.OutboundMessage, error) {
	defer closeRows(ctx, r.logger, rows)

	messages := make([]*models.OutboundMessage, 0)

	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbound message: %w", err)
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbound messages: %w", err)
	}

	return messages, nil
}

func (r *OutboundRepository) Enqueue(ctx context.Context, message *models.OutboundMessage) error {
	return insertMessage(ctx, r.db, message)
}

func (r *OutboundRepository) GetByID(ctx context.Context, id string) (*models.OutboundMessage, error) {
	query := `SELECT ` + columns("", messageColumns) + ` FROM outbound_messages WHERE id = $1`

	message, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrMessageNotFound
		}

		return nil, fmt.Errorf("failed to scan outbound message: %w", err)
	}

	return message, nil
}

func (r *OutboundRepository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*models.OutboundMessage, error) {
	query := `
		SELECT ` + columns("", messageColumns) + `
		FROM outbound_messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbound messages: %w", err)
	}

	return r.scanAll(ctx, rows)
}

func (r *OutboundRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.OutboundMessage, error) {
	query := `
		WITH due AS (
			SELECT q.id
			FROM outbound_messages q
			WHERE q.delivery_status = 'queued'
			  AND q.not_before <= $1
			  AND (q.lease_until IS NULL OR q.lease_until <= $1)
			  AND NOT EXISTS (
				SELECT 1
				FROM outbound_messages o
				WHERE o.conversation_id = q.conversation_id
				  AND o.channel = q.channel
				  AND o.delivery_status = 'queued'
				  AND (o.created_at, o.id) < (q.created_at, q.id)
				  AND (o.not_before > $1 OR o.lease_until > $1)
			  )
			ORDER BY q.created_at, q.id
			LIMIT $3
			FOR UPDATE OF q SKIP LOCKED
		)
		UPDATE outbound_messages m
		SET lease_until = $2
		FROM due
		WHERE m.id = due.id
		RETURNING ` + columns("m.", messageColumns)

	rows, err := r.db.QueryContext(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbound messages: %w", err)
	}

	return r.scanAll(ctx, rows)
}

// transition runs an update guarded by delivery_status = 'queued'.
func (r *OutboundRepository) transition(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewMessageError(op, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 1 {
		return nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return persistence.NewMessageError(op, id, err)
	}

	return persistence.NewMessageError(op, id, persistence.ErrMessageNotQueued)
}

func (r *OutboundRepository) MarkSent(ctx context.Context, id, externalMessageID string, at time.Time) error {
	return r.transition(ctx, "MarkSent", id, `
		UPDATE outbound_messages
		SET delivery_status = 'sent', external_message_id = $2, sent_at = $3, lease_until = NULL, updated_at = $3
		WHERE id = $1 AND delivery_status = 'queued'
	`, id, externalMessageID, at)
}

func (r *OutboundRepository) Requeue(ctx context.Context, id string, notBefore time.Time, retryCount, deferCount int, at time.Time) error {
	return r.transition(ctx, "Requeue", id, `
		UPDATE outbound_messages
		SET not_before = $2, retry_count = $3, defer_count = $4, lease_until = NULL, updated_at = $5
		WHERE id = $1 AND delivery_status = 'queued'
	`, id, notBefore, retryCount, deferCount, at)
}

func (r *OutboundRepository) MarkFailed(ctx context.Context, id, reason, detail string, at time.Time) error {
	return r.transition(ctx, "MarkFailed", id, `
		UPDATE outbound_messages
		SET delivery_status = 'failed'
		  , failure_reason = $2
		  , payload = jsonb_set(payload, '{error}', to_jsonb($3::text))
		  , lease_until = NULL
		  , updated_at = $4
		WHERE id = $1 AND delivery_status = 'queued'
	`, id, reason, detail, at)
}

func (r *OutboundRepository) MarkDelivered(ctx context.Context, externalMessageID string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET delivery_status = 'delivered', delivered_at = $2, updated_at = $2
		WHERE external_message_id = $1 AND delivery_status = 'sent'
	`, externalMessageID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark message delivered: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *OutboundRepository) CountByStatus(ctx context.Context) (models.MessageStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT delivery_status, COUNT(*) FROM outbound_messages GROUP BY delivery_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbound messages: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	stats := models.MessageStats{}

	for rows.Next() {
		var (
			status models.DeliveryStatus
			count  int64
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan message count: %w", err)
		}

		stats[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message counts: %w", err)
	}

	return stats, nil
}

// RateLimitRepository keeps fixed-window counters per account and api type.
type RateLimitRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRateLimitRepository(db *sql.DB, logger *slog.Logger) *RateLimitRepository {
	return &RateLimitRepository{db: db, logger: logger}
}

// Acquire is one statement: the conditional upsert returns no row when the window is full.
func (r *RateLimitRepository) Acquire(ctx context.Context, channelAccountID, apiType string, windowStart time.Time, maxRequests int) (bool, error) {
	if maxRequests <= 0 {
		return false, nil
	}

	query := `
		INSERT INTO rate_limit_windows (channel_account_id, api_type, window_start, request_count, max_requests)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (channel_account_id, api_type) DO UPDATE SET
			request_count = CASE
				WHEN rate_limit_windows.window_start < EXCLUDED.window_start THEN 1
				ELSE rate_limit_windows.request_count + 1
			END,
			window_start = GREATEST(rate_limit_windows.window_start, EXCLUDED.window_start),
			max_requests = EXCLUDED.max_requests
		WHERE rate_limit_windows.window_start < EXCLUDED.window_start
		   OR rate_limit_windows.request_count < EXCLUDED.max_requests
		RETURNING request_count
	`

	var count int

	err := r.db.QueryRowContext(ctx, query, channelAccountID, apiType, windowStart, maxRequests).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("failed to acquire rate limit slot: %w", err)
	}

	return true, nil
}

func (r *RateLimitRepository) Get(ctx context.Context, channelAccountID, apiType string) (*models.RateLimitWindow, error) {
	window := models.RateLimitWindow{ChannelAccountID: channelAccountID, APIType: apiType}

	err := r.db.QueryRowContext(ctx, `
		SELECT window_start, request_count, max_requests
		FROM rate_limit_windows
		WHERE channel_account_id = $1 AND api_type = $2
	`, channelAccountID, apiType).Scan(&window.WindowStart, &window.RequestCount, &window.MaxRequests)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read rate limit window: %w", err)
	}

	return &window, nil
}
