package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
)

type eventRepository struct{ p *Persistence }

func (r *eventRepository) Append(_ context.Context, event *models.InboundEvent) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if id, ok := r.p.eventsByExtID[event.ProviderEventID]; ok {
		existing := r.p.events[id]
		event.ID = existing.ID
		event.Processed = existing.Processed
		event.ProcessedAt = existing.ProcessedAt

		return false, nil
	}

	if event.ID == "" {
		id, err := newID()
		if err != nil {
			return false, err
		}

		event.ID = id
	}

	stored := *event
	r.p.events[event.ID] = &stored
	r.p.eventsByExtID[event.ProviderEventID] = event.ID

	return true, nil
}

func (r *eventRepository) GetByID(_ context.Context, id string) (*models.InboundEvent, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	event, ok := r.p.events[id]
	if !ok {
		return nil, persistence.ErrEventNotFound
	}

	clone := *event

	return &clone, nil
}

func (r *eventRepository) ListUnprocessed(_ context.Context, receivedBefore time.Time, limit int) ([]*models.InboundEvent, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	events := make([]*models.InboundEvent, 0)

	for _, event := range r.p.events {
		if !event.Processed && event.ReceivedAt.Before(receivedBefore) {
			clone := *event
			events = append(events, &clone)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].ReceivedAt.Before(events[j].ReceivedAt)
	})

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	return events, nil
}

func (r *eventRepository) MarkProcessed(_ context.Context, id string, channelAccountID *string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	event, ok := r.p.events[id]
	if !ok {
		return persistence.ErrEventNotFound
	}

	event.Processed = true
	event.ProcessedAt = &at

	if channelAccountID != nil {
		event.ChannelAccountID = channelAccountID
	}

	return nil
}

type accountRepository struct{ p *Persistence }

func (r *accountRepository) Save(_ context.Context, account *models.ChannelAccount) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if account.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		account.ID = id
	}

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	stored := *account
	r.p.accounts[account.ID] = &stored

	return nil
}

func (r *accountRepository) GetByID(_ context.Context, id string) (*models.ChannelAccount, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	account, ok := r.p.accounts[id]
	if !ok {
		return nil, persistence.ErrAccountNotFound
	}

	clone := *account

	return &clone, nil
}

func (r *accountRepository) GetByExternalID(_ context.Context, externalAccountID string) (*models.ChannelAccount, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, account := range r.p.accounts {
		if account.ExternalAccountID == externalAccountID && account.IsActive {
			clone := *account

			return &clone, nil
		}
	}

	return nil, persistence.ErrAccountNotFound
}

type contactRepository struct{ p *Persistence }

func cloneContact(contact *models.Contact) *models.Contact {
	clone := *contact
	clone.Tags = append([]string{}, contact.Tags...)

	return &clone
}

func (r *contactRepository) Ensure(_ context.Context, channelAccountID, externalUserID string, at time.Time) (*models.Contact, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	key := pairKey(channelAccountID, externalUserID)
	if contact, ok := r.p.contacts[key]; ok {
		return cloneContact(contact), nil
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	contact := &models.Contact{
		ID:               id,
		ChannelAccountID: channelAccountID,
		ExternalUserID:   externalUserID,
		Tags:             []string{},
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	r.p.contacts[key] = contact

	return cloneContact(contact), nil
}

func (r *contactRepository) Get(_ context.Context, channelAccountID, externalUserID string) (*models.Contact, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	contact, ok := r.p.contacts[pairKey(channelAccountID, externalUserID)]
	if !ok {
		return nil, persistence.ErrContactNotFound
	}

	return cloneContact(contact), nil
}

func (r *contactRepository) AddTag(_ context.Context, channelAccountID, externalUserID, tag string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	contact, ok := r.p.contacts[pairKey(channelAccountID, externalUserID)]
	if !ok {
		return persistence.ErrContactNotFound
	}

	if !contact.HasTag(tag) {
		contact.Tags = append(contact.Tags, tag)
		contact.UpdatedAt = at
	}

	return nil
}

type conversationRepository struct{ p *Persistence }

func (r *conversationRepository) Upsert(_ context.Context, channelAccountID, externalUserID, threadKey string, at time.Time) (*models.Conversation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	key := pairKey(channelAccountID, externalUserID)
	if id, ok := r.p.conversationBy[key]; ok {
		clone := *r.p.conversations[id]

		return &clone, nil
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	if threadKey == "" {
		threadKey = models.DefaultThreadKey(channelAccountID, externalUserID)
	}

	conversation := &models.Conversation{
		ID:               id,
		ChannelAccountID: channelAccountID,
		ExternalUserID:   externalUserID,
		ThreadKey:        threadKey,
		Status:           models.ConversationStatusOpen,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	r.p.conversations[id] = conversation
	r.p.conversationBy[key] = id

	clone := *conversation

	return &clone, nil
}

func (r *conversationRepository) GetByID(_ context.Context, id string) (*models.Conversation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	conversation, ok := r.p.conversations[id]
	if !ok {
		return nil, persistence.ErrConversationNotFound
	}

	clone := *conversation

	return &clone, nil
}

func (r *conversationRepository) RecordInbound(_ context.Context, id string, at time.Time) (*models.Conversation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	conversation, ok := r.p.conversations[id]
	if !ok {
		return nil, persistence.ErrConversationNotFound
	}

	conversation.RecordUserMessage(at)

	clone := *conversation

	return &clone, nil
}

func (r *conversationRepository) RecordAgentMessage(_ context.Context, id string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	conversation, ok := r.p.conversations[id]
	if !ok {
		return persistence.ErrConversationNotFound
	}

	conversation.RecordAgentMessage(at)

	return nil
}

func (r *conversationRepository) SetHumanAgentUntil(_ context.Context, id string, until time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	conversation, ok := r.p.conversations[id]
	if !ok {
		return persistence.ErrConversationNotFound
	}

	conversation.HumanAgentUntil = &until

	return nil
}

func (r *conversationRepository) PauseExpired(_ context.Context, now time.Time) (int64, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var paused int64

	for _, conversation := range r.p.conversations {
		if !conversation.AutomationPaused && conversation.WindowExpiresAt != nil && now.After(*conversation.WindowExpiresAt) {
			conversation.AutomationPaused = true
			conversation.UpdatedAt = now
			paused++
		}
	}

	return paused, nil
}

type triggerRepository struct{ p *Persistence }

func (r *triggerRepository) Save(_ context.Context, trigger *models.Trigger) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if trigger.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		trigger.ID = id
	}

	now := time.Now().UTC()
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = now
	}

	if trigger.ActivatedAt.IsZero() {
		trigger.ActivatedAt = trigger.CreatedAt
	}

	stored := *trigger
	r.p.triggers[trigger.ID] = &stored

	return nil
}

func (r *triggerRepository) GetByID(_ context.Context, id string) (*models.Trigger, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	trigger, ok := r.p.triggers[id]
	if !ok {
		return nil, persistence.ErrTriggerNotFound
	}

	clone := *trigger

	return &clone, nil
}

func (r *triggerRepository) ListActive(_ context.Context, channelAccountID string, triggerType models.TriggerType) ([]*models.Trigger, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	triggers := make([]*models.Trigger, 0)

	for _, trigger := range r.p.triggers {
		if trigger.IsActive && trigger.ChannelAccountID == channelAccountID && trigger.TriggerType == triggerType {
			clone := *trigger
			triggers = append(triggers, &clone)
		}
	}

	sort.Slice(triggers, func(i, j int) bool {
		if triggers[i].CreatedAt.Equal(triggers[j].CreatedAt) {
			return triggers[i].ID < triggers[j].ID
		}

		return triggers[i].CreatedAt.Before(triggers[j].CreatedAt)
	})

	return triggers, nil
}

func (r *triggerRepository) ConsumeNext(_ context.Context, id string) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	trigger, ok := r.p.triggers[id]
	if !ok {
		return false, persistence.ErrTriggerNotFound
	}

	if !trigger.IsActive || trigger.NextConsumed {
		return false, nil
	}

	trigger.NextConsumed = true

	return true, nil
}

type flowRepository struct{ p *Persistence }

func (r *flowRepository) Save(_ context.Context, flow *models.Flow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if flow.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		flow.ID = id
	}

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	stored := *flow
	r.p.flows[flow.ID] = &stored

	return nil
}

func (r *flowRepository) GetByID(_ context.Context, id string) (*models.Flow, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flow, ok := r.p.flows[id]
	if !ok {
		return nil, persistence.ErrFlowNotFound
	}

	clone := *flow

	return &clone, nil
}
