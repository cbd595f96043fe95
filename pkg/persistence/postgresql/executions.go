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
	"github.com/lib/pq"
)

// ExecutionRepository owns the flow execution queue. Claims use FOR UPDATE SKIP LOCKED so
// concurrent schedulers never hand the same row to two workers.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

var executionColumns = []string{
	"id", "flow_id", "conversation_id", "trigger_message_id", "status", "current_node_id", "context",
	"suspended_on", "pending_reply", "not_before", "claim_token", "claimed_at", "step_count",
	"started_at", "retry_count", "error", "created_at", "updated_at", "finished_at", "activation_key",
}

func scanExecution(row scanner) (*models.FlowExecution, error) {
	var (
		execution   models.FlowExecution
		contextJSON []byte
		replyJSON   []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.FlowID,
		&execution.ConversationID,
		&execution.TriggerMessageID,
		&execution.Status,
		&execution.CurrentNodeID,
		&contextJSON,
		&execution.SuspendedOn,
		&replyJSON,
		&execution.NotBefore,
		&execution.ClaimToken,
		&execution.ClaimedAt,
		&execution.StepCount,
		&execution.StartedAt,
		&execution.RetryCount,
		&execution.Error,
		&execution.CreatedAt,
		&execution.UpdatedAt,
		&execution.FinishedAt,
		&execution.ActivationKey,
	)
	if err != nil {
		return nil, err
	}

	execution.Context = map[string]any{}
	if len(contextJSON) > 0 {
		err = json.Unmarshal(contextJSON, &execution.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution context: %w", err)
		}
	}

	if len(replyJSON) > 0 {
		var reply models.Reply

		err = json.Unmarshal(replyJSON, &reply)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending reply: %w", err)
		}

		execution.PendingReply = &reply
	}

	return &execution, nil
}

func (r *ExecutionRepository) scanAll(ctx context.Context, rows *sql.Rows) ([]*models.FlowExecution, error) {
	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.FlowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// marshalExecutionState returns the JSONB arguments; the reply is a nil interface when absent so it binds as NULL.
func marshalExecutionState(execution *models.FlowExecution) ([]byte, any, error) {
	state := execution.Context
	if state == nil {
		state = map[string]any{}
	}

	contextJSON, err := json.Marshal(state)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal execution context: %w", err)
	}

	if execution.PendingReply == nil {
		return contextJSON, nil, nil
	}

	replyJSON, err := json.Marshal(execution.PendingReply)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal pending reply: %w", err)
	}

	return contextJSON, replyJSON, nil
}

func clearActive(ctx context.Context, tx *sql.Tx, executionIDs []string, at time.Time) error {
	if len(executionIDs) == 0 {
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET active_flow_id = NULL, active_execution_id = NULL, updated_at = $2
		WHERE active_execution_id = ANY($1::uuid[])
	`, pq.Array(executionIDs), at)
	if err != nil {
		return fmt.Errorf("failed to clear active execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) Activate(ctx context.Context, execution *models.FlowExecution) ([]string, error) {
	if execution.ID == "" {
		id, err := newID()
		if err != nil {
			return nil, err
		}

		execution.ID = id
	}

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}

	execution.UpdatedAt = execution.CreatedAt

	if execution.Status == "" {
		execution.Status = models.ExecutionStatusQueued
	}

	contextJSON, replyJSON, err := marshalExecutionState(execution)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	// Serializes activations on the same conversation.
	var conversationID string

	err = tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, execution.ConversationID).Scan(&conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrConversationNotFound
		}

		return nil, fmt.Errorf("failed to lock conversation: %w", err)
	}

	if execution.ActivationKey != nil {
		var existingID string

		err = tx.QueryRowContext(ctx, `SELECT id FROM flow_executions WHERE activation_key = $1`, *execution.ActivationKey).Scan(&existingID)
		if err == nil {
			return nil, persistence.NewExecutionError("Activate", existingID, persistence.ErrDuplicateActivation)
		}

		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to check activation key: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE flow_executions
		SET status = 'cancelled', error = 'superseded', claim_token = '', finished_at = $2, updated_at = $2
		WHERE conversation_id = $1 AND status IN ('queued', 'processing')
		RETURNING id
	`, execution.ConversationID, execution.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel superseded executions: %w", err)
	}

	cancelled := make([]string, 0)

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			closeRows(ctx, r.logger, rows)

			return nil, fmt.Errorf("failed to scan cancelled execution: %w", err)
		}

		cancelled = append(cancelled, id)
	}

	closeRows(ctx, r.logger, rows)

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cancelled executions: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flow_executions (id, flow_id, conversation_id, trigger_message_id, status, current_node_id, context,
			suspended_on, pending_reply, not_before, step_count, retry_count, created_at, updated_at, activation_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		execution.ID,
		execution.FlowID,
		execution.ConversationID,
		execution.TriggerMessageID,
		execution.Status,
		execution.CurrentNodeID,
		contextJSON,
		execution.SuspendedOn,
		replyJSON,
		execution.NotBefore,
		execution.StepCount,
		execution.RetryCount,
		execution.CreatedAt,
		execution.UpdatedAt,
		execution.ActivationKey,
	)
	if isUniqueViolation(err, "idx_flow_executions_activation_key") {
		return nil, persistence.NewExecutionError("Activate", execution.ID, persistence.ErrDuplicateActivation)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to insert execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET active_flow_id = $2, active_execution_id = $3, updated_at = $4 WHERE id = $1
	`, execution.ConversationID, execution.FlowID, execution.ID, execution.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to set active execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return cancelled, nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	query := `SELECT ` + columns("", executionColumns) + ` FROM flow_executions WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ActiveForConversation(ctx context.Context, conversationID string) (*models.FlowExecution, error) {
	query := `
		SELECT ` + columns("", executionColumns) + `
		FROM flow_executions
		WHERE conversation_id = $1 AND status IN ('queued', 'processing')
	`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) LatestForFlow(ctx context.Context, conversationID, flowID string) (*models.FlowExecution, error) {
	query := `
		SELECT ` + columns("", executionColumns) + `
		FROM flow_executions
		WHERE conversation_id = $1 AND flow_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, conversationID, flowID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ClaimNext(ctx context.Context, now time.Time, limit int, filter persistence.ClaimFilter) ([]*models.FlowExecution, error) {
	query := `
		WITH candidates AS (
			SELECT id
			FROM flow_executions
			WHERE status = 'queued'
			  AND suspended_on <> 'reply'
			  AND (not_before IS NULL OR not_before <= $1)
			  AND (cardinality($3::uuid[]) = 0 OR id = ANY($3::uuid[]))
			  AND NOT (id = ANY($4::uuid[]))
			ORDER BY updated_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE flow_executions e
		SET status = 'processing'
		  , claim_token = gen_random_uuid()::text
		  , claimed_at = $1
		  , started_at = COALESCE(e.started_at, $1)
		  , updated_at = $1
		FROM candidates c
		WHERE e.id = c.id
		RETURNING ` + columns("e.", executionColumns)

	rows, err := r.db.QueryContext(ctx, query, now, limit, pq.Array(idList(filter.Only)), pq.Array(idList(filter.Skip)))
	if err != nil {
		return nil, fmt.Errorf("failed to claim executions: %w", err)
	}

	return r.scanAll(ctx, rows)
}

func (r *ExecutionRepository) Commit(ctx context.Context, execution *models.FlowExecution, messages []*models.OutboundMessage) error {
	contextJSON, replyJSON, err := marshalExecutionState(execution)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	result, err := tx.ExecContext(ctx, `
		UPDATE flow_executions
		SET status = $3
		  , current_node_id = $4
		  , context = $5
		  , suspended_on = $6
		  , pending_reply = $7
		  , not_before = $8
		  , claim_token = ''
		  , claimed_at = NULL
		  , step_count = $9
		  , retry_count = $10
		  , error = $11
		  , updated_at = $12
		  , finished_at = $13
		WHERE id = $1 AND status = 'processing' AND claim_token = $2
	`,
		execution.ID,
		execution.ClaimToken,
		execution.Status,
		execution.CurrentNodeID,
		contextJSON,
		execution.SuspendedOn,
		replyJSON,
		execution.NotBefore,
		execution.StepCount,
		execution.RetryCount,
		execution.Error,
		execution.UpdatedAt,
		execution.FinishedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Commit", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewExecutionError("Commit", execution.ID, persistence.ErrClaimLost)
	}

	for _, message := range messages {
		if err := insertMessage(ctx, tx, message); err != nil {
			return err
		}
	}

	if execution.Status.IsTerminal() {
		if err := clearActive(ctx, tx, []string{execution.ID}, execution.UpdatedAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) Resume(ctx context.Context, id string, reply *models.Reply, now time.Time) (bool, error) {
	replyJSON, err := json.Marshal(reply)
	if err != nil {
		return false, fmt.Errorf("failed to marshal reply: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE flow_executions
		SET pending_reply = $2, suspended_on = '', not_before = NULL, updated_at = $3
		WHERE id = $1 AND status = 'queued' AND suspended_on = 'reply'
	`, id, replyJSON, now)
	if err != nil {
		return false, fmt.Errorf("failed to resume execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 1 {
		return true, nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}

	return false, nil
}

func (r *ExecutionRepository) Cancel(ctx context.Context, id string, now time.Time) (*models.FlowExecution, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	execution, err := scanExecution(tx.QueryRowContext(ctx, `
		UPDATE flow_executions
		SET status = 'cancelled', claim_token = '', claimed_at = NULL, finished_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'processing')
		RETURNING `+columns("", executionColumns), id, now))
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, persistence.NewExecutionError("Cancel", id, getErr)
		}

		return existing, persistence.NewExecutionError("Cancel", id, persistence.ErrExecutionFinished)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to cancel execution: %w", err)
	}

	if err := clearActive(ctx, tx, []string{id}, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ReclaimStale(ctx context.Context, claimedBefore, now time.Time, maxRetries int) ([]*models.FlowExecution, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	rows, err := tx.QueryContext(ctx, `
		UPDATE flow_executions
		SET retry_count = retry_count + 1
		  , claim_token = ''
		  , claimed_at = NULL
		  , updated_at = $2
		  , status = CASE WHEN retry_count + 1 > $3 THEN 'failed' ELSE 'queued' END
		  , error = CASE WHEN retry_count + 1 > $3 THEN $4 ELSE error END
		  , finished_at = CASE WHEN retry_count + 1 > $3 THEN $2 ELSE finished_at END
		WHERE status = 'processing' AND claimed_at < $1
		RETURNING `+columns("", executionColumns),
		claimedBefore, now, maxRetries, models.ErrCodeRetriesExhausted)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stale executions: %w", err)
	}

	reclaimed, err := r.scanAll(ctx, rows)
	if err != nil {
		return nil, err
	}

	failed := make([]string, 0)

	for _, execution := range reclaimed {
		if execution.Status.IsTerminal() {
			failed = append(failed, execution.ID)
		}
	}

	if err := clearActive(ctx, tx, failed, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return reclaimed, nil
}

func (r *ExecutionRepository) CountByStatus(ctx context.Context) (models.ExecutionStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM flow_executions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	stats := models.ExecutionStats{}

	for rows.Next() {
		var (
			status models.ExecutionStatus
			count  int64
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan execution count: %w", err)
		}

		stats[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution counts: %w", err)
	}

	return stats, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

// idList keeps an empty filter bound as '{}' rather than NULL.
func idList(ids []string) []string {
	if ids == nil {
		return []string{}
	}

	return ids
}
