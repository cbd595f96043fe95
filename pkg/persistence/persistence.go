// Package persistence provides the data storage abstraction layer for the messaging pipeline.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/dmflow/pkg/models"
)

// Persistence groups the repositories. Implementations must make every multi-row
// operation below atomic; no component coordinates through in-process state.
type Persistence interface {
	InboundEvents() InboundEventRepository
	Accounts() AccountRepository
	Contacts() ContactRepository
	Conversations() ConversationRepository
	Triggers() TriggerRepository
	Flows() FlowRepository
	Executions() ExecutionRepository
	Outbound() OutboundRepository
	RateLimits() RateLimitRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// InboundEventRepository is the append-only event store.
type InboundEventRepository interface {
	// Append stores the event unless its ProviderEventID is already known. On a duplicate the
	// stored ID and processed flag are copied into event and inserted is false.
	Append(ctx context.Context, event *models.InboundEvent) (inserted bool, err error)
	GetByID(ctx context.Context, id string) (*models.InboundEvent, error)
	// ListUnprocessed returns unprocessed events received before the cutoff, oldest first.
	ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) ([]*models.InboundEvent, error)
	MarkProcessed(ctx context.Context, id string, channelAccountID *string, at time.Time) error
}

type AccountRepository interface {
	Save(ctx context.Context, account *models.ChannelAccount) error
	GetByID(ctx context.Context, id string) (*models.ChannelAccount, error)
	GetByExternalID(ctx context.Context, externalAccountID string) (*models.ChannelAccount, error)
}

type ContactRepository interface {
	// Ensure returns the contact for (account, user), creating an empty one if absent.
	Ensure(ctx context.Context, channelAccountID, externalUserID string, at time.Time) (*models.Contact, error)
	Get(ctx context.Context, channelAccountID, externalUserID string) (*models.Contact, error)
	AddTag(ctx context.Context, channelAccountID, externalUserID, tag string, at time.Time) error
}

type ConversationRepository interface {
	// Upsert atomically returns the conversation keyed on (account, user), creating it if absent.
	Upsert(ctx context.Context, channelAccountID, externalUserID, threadKey string, at time.Time) (*models.Conversation, error)
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	// RecordInbound applies an inbound user message: window reopened, pause cleared, status open.
	RecordInbound(ctx context.Context, id string, at time.Time) (*models.Conversation, error)
	RecordAgentMessage(ctx context.Context, id string, at time.Time) error
	SetHumanAgentUntil(ctx context.Context, id string, until time.Time) error
	// PauseExpired flags every conversation whose window ended before now.
	PauseExpired(ctx context.Context, now time.Time) (int64, error)
}

type TriggerRepository interface {
	Save(ctx context.Context, trigger *models.Trigger) error
	GetByID(ctx context.Context, id string) (*models.Trigger, error)
	// ListActive returns active triggers of the type for the account, oldest first.
	ListActive(ctx context.Context, channelAccountID string, triggerType models.TriggerType) ([]*models.Trigger, error)
	// ConsumeNext flips NextConsumed from false to true. Only one caller ever gets true.
	ConsumeNext(ctx context.Context, id string) (bool, error)
}

type FlowRepository interface {
	Save(ctx context.Context, flow *models.Flow) error
	GetByID(ctx context.Context, id string) (*models.Flow, error)
}

// ClaimFilter narrows ClaimNext. A non-empty Only restricts the candidates to those ids;
// ids in Skip are never claimed.
type ClaimFilter struct {
	Only []string
	Skip []string
}

type ExecutionRepository interface {
	// Activate inserts execution as the conversation's only non-terminal execution. Any other
	// non-terminal execution of the conversation is cancelled in the same transaction and the
	// conversation's active refs point at the new one. It returns the cancelled ids.
	Activate(ctx context.Context, execution *models.FlowExecution) (cancelled []string, err error)
	GetByID(ctx context.Context, id string) (*models.FlowExecution, error)
	ActiveForConversation(ctx context.Context, conversationID string) (*models.FlowExecution, error)
	// LatestForFlow returns the most recently created execution of flowID on the conversation.
	LatestForFlow(ctx context.Context, conversationID, flowID string) (*models.FlowExecution, error)
	// ClaimNext moves up to limit eligible queued executions to processing, each with a fresh claim token.
	ClaimNext(ctx context.Context, now time.Time, limit int, filter ClaimFilter) ([]*models.FlowExecution, error)
	// Commit persists the step result and enqueues messages in one transaction, guarded by the
	// claim token. It fails with ErrClaimLost if the claim no longer holds.
	Commit(ctx context.Context, execution *models.FlowExecution, messages []*models.OutboundMessage) error
	// Resume hands a reply to an execution suspended on a quickReply node.
	Resume(ctx context.Context, id string, reply *models.Reply, now time.Time) (bool, error)
	Cancel(ctx context.Context, id string, now time.Time) (*models.FlowExecution, error)
	// ReclaimStale requeues processing executions claimed before the cutoff with RetryCount+1,
	// failing the ones past maxRetries.
	ReclaimStale(ctx context.Context, claimedBefore, now time.Time, maxRetries int) ([]*models.FlowExecution, error)
	CountByStatus(ctx context.Context) (models.ExecutionStats, error)
}

type OutboundRepository interface {
	Enqueue(ctx context.Context, message *models.OutboundMessage) error
	GetByID(ctx context.Context, id string) (*models.OutboundMessage, error)
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]*models.OutboundMessage, error)
	// ClaimDue leases up to limit queued messages whose NotBefore has passed, oldest first. A
	// message is held back while an older queued message of its stream is deferred or leased.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.OutboundMessage, error)
	MarkSent(ctx context.Context, id, externalMessageID string, at time.Time) error
	Requeue(ctx context.Context, id string, notBefore time.Time, retryCount, deferCount int, at time.Time) error
	MarkFailed(ctx context.Context, id, reason, detail string, at time.Time) error
	// MarkDelivered moves a sent message to delivered by its provider id.
	MarkDelivered(ctx context.Context, externalMessageID string, at time.Time) (bool, error)
	CountByStatus(ctx context.Context) (models.MessageStats, error)
}

type RateLimitRepository interface {
	// Acquire atomically tests and increments the fixed window starting at windowStart.
	// A newer windowStart resets the counter.
	Acquire(ctx context.Context, channelAccountID, apiType string, windowStart time.Time, maxRequests int) (bool, error)
	Get(ctx context.Context, channelAccountID, apiType string) (*models.RateLimitWindow, error)
}
