package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/google/uuid"
)

type executionRepository struct{ p *Persistence }

// clearActive drops the conversation's active refs if they still point at executionID. Caller holds the lock.
func (p *Persistence) clearActive(conversationID, executionID string, at time.Time) {
	conversation, ok := p.conversations[conversationID]
	if !ok || conversation.ActiveExecutionID == nil || *conversation.ActiveExecutionID != executionID {
		return
	}

	conversation.ActiveExecutionID = nil
	conversation.ActiveFlowID = nil
	conversation.UpdatedAt = at
}

func (r *executionRepository) Activate(_ context.Context, execution *models.FlowExecution) ([]string, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	conversation, ok := r.p.conversations[execution.ConversationID]
	if !ok {
		return nil, persistence.ErrConversationNotFound
	}

	if execution.ActivationKey != nil {
		for _, other := range r.p.executions {
			if other.ActivationKey != nil && *other.ActivationKey == *execution.ActivationKey {
				return nil, persistence.NewExecutionError("Activate", other.ID, persistence.ErrDuplicateActivation)
			}
		}
	}

	if execution.ID == "" {
		id, err := newID()
		if err != nil {
			return nil, err
		}

		execution.ID = id
	}

	now := execution.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		execution.CreatedAt = now
	}

	execution.UpdatedAt = now

	if execution.Status == "" {
		execution.Status = models.ExecutionStatusQueued
	}

	if execution.Context == nil {
		execution.Context = map[string]any{}
	}

	cancelled := make([]string, 0)

	for _, other := range r.p.executions {
		if other.ConversationID == execution.ConversationID && !other.Status.IsTerminal() {
			other.Status = models.ExecutionStatusCancelled
			other.Error = "superseded"
			other.ClaimToken = ""
			other.FinishedAt = &now
			other.UpdatedAt = now
			cancelled = append(cancelled, other.ID)
		}
	}

	sort.Strings(cancelled)

	r.p.executions[execution.ID] = execution.Clone()

	flowID, executionID := execution.FlowID, execution.ID
	conversation.ActiveFlowID = &flowID
	conversation.ActiveExecutionID = &executionID
	conversation.UpdatedAt = now

	return cancelled, nil
}

func (r *executionRepository) GetByID(_ context.Context, id string) (*models.FlowExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	execution, ok := r.p.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	return execution.Clone(), nil
}

func (r *executionRepository) ActiveForConversation(_ context.Context, conversationID string) (*models.FlowExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, execution := range r.p.executions {
		if execution.ConversationID == conversationID && !execution.Status.IsTerminal() {
			return execution.Clone(), nil
		}
	}

	return nil, persistence.ErrExecutionNotFound
}

func (r *executionRepository) LatestForFlow(_ context.Context, conversationID, flowID string) (*models.FlowExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var latest *models.FlowExecution

	for _, execution := range r.p.executions {
		if execution.ConversationID != conversationID || execution.FlowID != flowID {
			continue
		}

		if latest == nil || execution.CreatedAt.After(latest.CreatedAt) {
			latest = execution
		}
	}

	if latest == nil {
		return nil, persistence.ErrExecutionNotFound
	}

	return latest.Clone(), nil
}

func (r *executionRepository) ClaimNext(_ context.Context, now time.Time, limit int, filter persistence.ClaimFilter) ([]*models.FlowExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	eligible := make([]*models.FlowExecution, 0)

	for _, execution := range r.p.executions {
		if len(filter.Only) > 0 && !slices.Contains(filter.Only, execution.ID) {
			continue
		}

		if slices.Contains(filter.Skip, execution.ID) {
			continue
		}

		if execution.Eligible(now) {
			eligible = append(eligible, execution)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].UpdatedAt.Before(eligible[j].UpdatedAt)
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*models.FlowExecution, 0, len(eligible))

	for _, execution := range eligible {
		claimedAt := now

		execution.Status = models.ExecutionStatusProcessing
		execution.ClaimToken = uuid.NewString()
		execution.ClaimedAt = &claimedAt
		execution.UpdatedAt = now

		if execution.StartedAt == nil {
			execution.StartedAt = &claimedAt
		}

		claimed = append(claimed, execution.Clone())
	}

	return claimed, nil
}

func (r *executionRepository) Commit(_ context.Context, execution *models.FlowExecution, messages []*models.OutboundMessage) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, ok := r.p.executions[execution.ID]
	if !ok {
		return persistence.NewExecutionError("Commit", execution.ID, persistence.ErrExecutionNotFound)
	}

	if stored.Status != models.ExecutionStatusProcessing || stored.ClaimToken != execution.ClaimToken {
		return persistence.NewExecutionError("Commit", execution.ID, persistence.ErrClaimLost)
	}

	staged, err := r.p.stageMessages(messages)
	if err != nil {
		return persistence.NewExecutionError("Commit", execution.ID, err)
	}

	for _, message := range staged {
		r.p.storeMessage(message)
	}

	next := execution.Clone()
	if next.Status != models.ExecutionStatusProcessing {
		next.ClaimToken = ""
		next.ClaimedAt = nil
	}

	r.p.executions[execution.ID] = next

	if next.Status.IsTerminal() {
		r.p.clearActive(next.ConversationID, next.ID, next.UpdatedAt)
	}

	return nil
}

func (r *executionRepository) Resume(_ context.Context, id string, reply *models.Reply, now time.Time) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	execution, ok := r.p.executions[id]
	if !ok {
		return false, persistence.ErrExecutionNotFound
	}

	if execution.Status != models.ExecutionStatusQueued || execution.SuspendedOn != models.SuspensionReply {
		return false, nil
	}

	stored := *reply
	execution.PendingReply = &stored
	execution.SuspendedOn = models.SuspensionNone
	execution.NotBefore = nil
	execution.UpdatedAt = now

	return true, nil
}

func (r *executionRepository) Cancel(_ context.Context, id string, now time.Time) (*models.FlowExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	execution, ok := r.p.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("Cancel", id, persistence.ErrExecutionNotFound)
	}

	if execution.Status.IsTerminal() {
		return execution.Clone(), persistence.NewExecutionError("Cancel", id, persistence.ErrExecutionFinished)
	}

	execution.Status = models.ExecutionStatusCancelled
	execution.ClaimToken = ""
	execution.FinishedAt = &now
	execution.UpdatedAt = now

	r.p.clearActive(execution.ConversationID, execution.ID, now)

	return execution.Clone(), nil
}

func (r *executionRepository) ReclaimStale(_ context.Context, claimedBefore, now time.Time, maxRetries int) ([]*models.FlowExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	reclaimed := make([]*models.FlowExecution, 0)

	for _, execution := range r.p.executions {
		if execution.Status != models.ExecutionStatusProcessing || execution.ClaimedAt == nil || !execution.ClaimedAt.Before(claimedBefore) {
			continue
		}

		execution.RetryCount++
		execution.ClaimToken = ""
		execution.ClaimedAt = nil
		execution.UpdatedAt = now

		if execution.RetryCount > maxRetries {
			execution.Status = models.ExecutionStatusFailed
			execution.Error = models.ErrCodeRetriesExhausted
			execution.FinishedAt = &now

			r.p.clearActive(execution.ConversationID, execution.ID, now)
		} else {
			execution.Status = models.ExecutionStatusQueued
		}

		reclaimed = append(reclaimed, execution.Clone())
	}

	sort.Slice(reclaimed, func(i, j int) bool { return reclaimed[i].ID < reclaimed[j].ID })

	return reclaimed, nil
}

func (r *executionRepository) CountByStatus(_ context.Context) (models.ExecutionStats, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stats := models.ExecutionStats{}
	for _, execution := range r.p.executions {
		stats[execution.Status]++
	}

	return stats, nil
}
