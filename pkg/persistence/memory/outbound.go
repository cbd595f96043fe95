package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

type outboundRepository struct{ p *Persistence }

// The same constraints the SQL schema enforces.
var validate = validator.New()

// prepareMessage checks message and fills its defaults. It reports false when the step key was
// already emitted. Caller holds the lock.
func (p *Persistence) prepareMessage(message *models.OutboundMessage) (bool, error) {
	if err := validate.Struct(message); err != nil {
		return false, persistence.NewMessageError("Enqueue", message.ID, fmt.Errorf("%w: %w", persistence.ErrInvalidMessage, err))
	}

	if message.StepKey != nil {
		if _, ok := p.messageSteps[*message.StepKey]; ok {
			return false, nil
		}
	}

	if message.ID == "" {
		id, err := newID()
		if err != nil {
			return false, err
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

	return true, nil
}

// storeMessage keeps a prepared message. Caller holds the lock.
func (p *Persistence) storeMessage(message *models.OutboundMessage) {
	stored := *message
	p.messages[message.ID] = &stored

	if message.StepKey != nil {
		p.messageSteps[*message.StepKey] = message.ID
	}
}

// stageMessages prepares every message before any is stored, dropping step keys that were
// already emitted or repeat within the batch. Caller holds the lock.
func (p *Persistence) stageMessages(messages []*models.OutboundMessage) ([]*models.OutboundMessage, error) {
	staged := make([]*models.OutboundMessage, 0, len(messages))
	keys := make(map[string]bool)

	for _, message := range messages {
		fresh, err := p.prepareMessage(message)
		if err != nil {
			return nil, err
		}

		if !fresh {
			continue
		}

		if message.StepKey != nil {
			if keys[*message.StepKey] {
				continue
			}

			keys[*message.StepKey] = true
		}

		staged = append(staged, message)
	}

	return staged, nil
}

func (r *outboundRepository) Enqueue(_ context.Context, message *models.OutboundMessage) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	fresh, err := r.p.prepareMessage(message)
	if err != nil || !fresh {
		return err
	}

	r.p.storeMessage(message)

	return nil
}

func (r *outboundRepository) GetByID(_ context.Context, id string) (*models.OutboundMessage, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	message, ok := r.p.messages[id]
	if !ok {
		return nil, persistence.ErrMessageNotFound
	}

	clone := *message

	return &clone, nil
}

func (r *outboundRepository) ListByConversation(_ context.Context, conversationID string, limit int) ([]*models.OutboundMessage, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	messages := make([]*models.OutboundMessage, 0)

	for _, message := range r.p.messages {
		if message.ConversationID == conversationID {
			clone := *message
			messages = append(messages, &clone)
		}
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})

	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}

	return messages, nil
}

func (r *outboundRepository) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*models.OutboundMessage, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	due := make([]*models.OutboundMessage, 0)

	for _, message := range r.p.messages {
		if !claimable(message, now) || r.p.heldBack(message, now) {
			continue
		}

		due = append(due, message)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].Precedes(due[j])
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*models.OutboundMessage, 0, len(due))
	leaseUntil := now.Add(lease)

	for _, message := range due {
		message.LeaseUntil = &leaseUntil

		clone := *message
		claimed = append(claimed, &clone)
	}

	return claimed, nil
}

func claimable(message *models.OutboundMessage, now time.Time) bool {
	if message.DeliveryStatus != models.DeliveryStatusQueued || message.NotBefore.After(now) {
		return false
	}

	return message.LeaseUntil == nil || !message.LeaseUntil.After(now)
}

// heldBack reports whether an older queued message of the same stream is not claimable yet.
// Caller holds the lock.
func (p *Persistence) heldBack(message *models.OutboundMessage, now time.Time) bool {
	for _, other := range p.messages {
		if other.DeliveryStatus != models.DeliveryStatusQueued || other.Stream() != message.Stream() {
			continue
		}

		if other.Precedes(message) && !claimable(other, now) {
			return true
		}
	}

	return false
}

// queued returns the stored message if it can still transition. Caller holds the lock.
func (r *outboundRepository) queued(op, id string) (*models.OutboundMessage, error) {
	message, ok := r.p.messages[id]
	if !ok {
		return nil, persistence.NewMessageError(op, id, persistence.ErrMessageNotFound)
	}

	if message.DeliveryStatus != models.DeliveryStatusQueued {
		return nil, persistence.NewMessageError(op, id, persistence.ErrMessageNotQueued)
	}

	return message, nil
}

func (r *outboundRepository) MarkSent(_ context.Context, id, externalMessageID string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	message, err := r.queued("MarkSent", id)
	if err != nil {
		return err
	}

	message.DeliveryStatus = models.DeliveryStatusSent
	message.ExternalMessageID = &externalMessageID
	message.SentAt = &at
	message.LeaseUntil = nil
	message.UpdatedAt = at

	return nil
}

func (r *outboundRepository) Requeue(_ context.Context, id string, notBefore time.Time, retryCount, deferCount int, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	message, err := r.queued("Requeue", id)
	if err != nil {
		return err
	}

	message.NotBefore = notBefore
	message.RetryCount = retryCount
	message.DeferCount = deferCount
	message.LeaseUntil = nil
	message.UpdatedAt = at

	return nil
}

func (r *outboundRepository) MarkFailed(_ context.Context, id, reason, detail string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	message, err := r.queued("MarkFailed", id)
	if err != nil {
		return err
	}

	message.DeliveryStatus = models.DeliveryStatusFailed
	message.FailureReason = &reason
	message.Payload.Error = detail
	message.LeaseUntil = nil
	message.UpdatedAt = at

	return nil
}

func (r *outboundRepository) MarkDelivered(_ context.Context, externalMessageID string, at time.Time) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, message := range r.p.messages {
		if message.ExternalMessageID != nil && *message.ExternalMessageID == externalMessageID &&
			message.DeliveryStatus == models.DeliveryStatusSent {
			message.DeliveryStatus = models.DeliveryStatusDelivered
			message.DeliveredAt = &at
			message.UpdatedAt = at

			return true, nil
		}
	}

	return false, nil
}

func (r *outboundRepository) CountByStatus(_ context.Context) (models.MessageStats, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stats := models.MessageStats{}
	for _, message := range r.p.messages {
		stats[message.DeliveryStatus]++
	}

	return stats, nil
}

type rateLimitRepository struct{ p *Persistence }

func (r *rateLimitRepository) Acquire(_ context.Context, channelAccountID, apiType string, windowStart time.Time, maxRequests int) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if maxRequests <= 0 {
		return false, nil
	}

	key := pairKey(channelAccountID, apiType)

	window, ok := r.p.windows[key]
	if !ok || window.WindowStart.Before(windowStart) {
		r.p.windows[key] = &models.RateLimitWindow{
			ChannelAccountID: channelAccountID,
			APIType:          apiType,
			WindowStart:      windowStart,
			RequestCount:     1,
			MaxRequests:      maxRequests,
		}

		return true, nil
	}

	window.MaxRequests = maxRequests
	if window.RequestCount >= maxRequests {
		return false, nil
	}

	window.RequestCount++

	return true, nil
}

func (r *rateLimitRepository) Get(_ context.Context, channelAccountID, apiType string) (*models.RateLimitWindow, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	window, ok := r.p.windows[pairKey(channelAccountID, apiType)]
	if !ok {
		return &models.RateLimitWindow{ChannelAccountID: channelAccountID, APIType: apiType}, nil
	}

	clone := *window

	return &clone, nil
}
