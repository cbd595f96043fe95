// Package memory provides an in-process persistence implementation for tests and local runs.
// Every repository shares one mutex so multi-entity operations stay atomic.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/google/uuid"
)

// Persistence implements persistence.Persistence with maps guarded by a single mutex.
type Persistence struct {
	mu sync.Mutex

	events         map[string]*models.InboundEvent
	eventsByExtID  map[string]string
	accounts       map[string]*models.ChannelAccount
	contacts       map[string]*models.Contact
	conversations  map[string]*models.Conversation
	conversationBy map[string]string
	triggers       map[string]*models.Trigger
	flows          map[string]*models.Flow
	executions     map[string]*models.FlowExecution
	messages       map[string]*models.OutboundMessage
	messageSteps   map[string]string
	windows        map[string]*models.RateLimitWindow
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		events:         make(map[string]*models.InboundEvent),
		eventsByExtID:  make(map[string]string),
		accounts:       make(map[string]*models.ChannelAccount),
		contacts:       make(map[string]*models.Contact),
		conversations:  make(map[string]*models.Conversation),
		conversationBy: make(map[string]string),
		triggers:       make(map[string]*models.Trigger),
		flows:          make(map[string]*models.Flow),
		executions:     make(map[string]*models.FlowExecution),
		messages:       make(map[string]*models.OutboundMessage),
		messageSteps:   make(map[string]string),
		windows:        make(map[string]*models.RateLimitWindow),
	}
}

func (p *Persistence) InboundEvents() persistence.InboundEventRepository { return &eventRepository{p} }
func (p *Persistence) Accounts() persistence.AccountRepository           { return &accountRepository{p} }
func (p *Persistence) Contacts() persistence.ContactRepository           { return &contactRepository{p} }
func (p *Persistence) Conversations() persistence.ConversationRepository { return &conversationRepository{p} }
func (p *Persistence) Triggers() persistence.TriggerRepository           { return &triggerRepository{p} }
func (p *Persistence) Flows() persistence.FlowRepository                 { return &flowRepository{p} }
func (p *Persistence) Executions() persistence.ExecutionRepository       { return &executionRepository{p} }
func (p *Persistence) Outbound() persistence.OutboundRepository          { return &outboundRepository{p} }
func (p *Persistence) RateLimits() persistence.RateLimitRepository       { return &rateLimitRepository{p} }

// HealthCheck always succeeds for the in-memory store.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

// Close performs any necessary cleanup. For in-memory persistence, there is nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}

	return id.String(), nil
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}
