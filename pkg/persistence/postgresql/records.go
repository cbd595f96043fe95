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

// InboundEventRepository handles the append-only inbound event store.
type InboundEventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewInboundEventRepository(db *sql.DB, logger *slog.Logger) *InboundEventRepository {
	return &InboundEventRepository{db: db, logger: logger}
}

var eventColumns = []string{
	"id", "provider_event_id", "external_account_id", "channel_account_id", "kind",
	"raw_payload", "received_at", "processed", "processed_at",
}

func scanEvent(row scanner) (*models.InboundEvent, error) {
	var (
		event   models.InboundEvent
		payload []byte
	)

	err := row.Scan(
		&event.ID,
		&event.ProviderEventID,
		&event.ExternalAccountID,
		&event.ChannelAccountID,
		&event.Kind,
		&payload,
		&event.ReceivedAt,
		&event.Processed,
		&event.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	event.RawPayload = json.RawMessage(payload)

	return &event, nil
}

func (r *InboundEventRepository) Append(ctx context.Context, event *models.InboundEvent) (bool, error) {
	if event.ID == "" {
		id, err := newID()
		if err != nil {
			return false, err
		}

		event.ID = id
	}

	payload := []byte(event.RawPayload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO inbound_events (id, provider_event_id, external_account_id, channel_account_id, kind, raw_payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_event_id) DO NOTHING
		RETURNING id
	`

	var id string

	err := r.db.QueryRowContext(ctx, query,
		event.ID,
		event.ProviderEventID,
		event.ExternalAccountID,
		event.ChannelAccountID,
		event.Kind,
		payload,
		event.ReceivedAt,
	).Scan(&id)
	if err == nil {
		return true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to append inbound event: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT id, processed, processed_at FROM inbound_events WHERE provider_event_id = $1`,
		event.ProviderEventID,
	).Scan(&event.ID, &event.Processed, &event.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("failed to load duplicate inbound event: %w", err)
	}

	return false, nil
}

func (r *InboundEventRepository) GetByID(ctx context.Context, id string) (*models.InboundEvent, error) {
	query := `SELECT ` + columns("", eventColumns) + ` FROM inbound_events WHERE id = $1`

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrEventNotFound
		}

		return nil, fmt.Errorf("failed to scan inbound event: %w", err)
	}

	return event, nil
}

func (r *InboundEventRepository) ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) ([]*models.InboundEvent, error) {
	query := `
		SELECT ` + columns("", eventColumns) + `
		FROM inbound_events
		WHERE processed = false AND received_at < $1
		ORDER BY received_at
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, receivedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed events: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	events := make([]*models.InboundEvent, 0)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inbound event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inbound events: %w", err)
	}

	return events, nil
}

func (r *InboundEventRepository) MarkProcessed(ctx context.Context, id string, channelAccountID *string, at time.Time) error {
	query := `
		UPDATE inbound_events
		SET processed = true
		  , processed_at = $2
		  , channel_account_id = COALESCE($3, channel_account_id)
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, at, channelAccountID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrEventNotFound
	}

	return nil
}

// AccountRepository reads the channel account mapping.
type AccountRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAccountRepository(db *sql.DB, logger *slog.Logger) *AccountRepository {
	return &AccountRepository{db: db, logger: logger}
}

const accountColumns = `id, team_id, external_account_id, name, is_active, created_at`

func scanAccount(row scanner) (*models.ChannelAccount, error) {
	var account models.ChannelAccount

	err := row.Scan(&account.ID, &account.TeamID, &account.ExternalAccountID, &account.Name, &account.IsActive, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAccountNotFound
		}

		return nil, fmt.Errorf("failed to scan channel account: %w", err)
	}

	return &account, nil
}

func (r *AccountRepository) Save(ctx context.Context, account *models.ChannelAccount) error {
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

	query := `
		INSERT INTO channel_accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			team_id = EXCLUDED.team_id,
			external_account_id = EXCLUDED.external_account_id,
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active
	`

	_, err := r.db.ExecContext(ctx, query,
		account.ID, account.TeamID, account.ExternalAccountID, account.Name, account.IsActive, account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save channel account: %w", err)
	}

	return nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.ChannelAccount, error) {
	return scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM channel_accounts WHERE id = $1`, id))
}

func (r *AccountRepository) GetByExternalID(ctx context.Context, externalAccountID string) (*models.ChannelAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM channel_accounts WHERE external_account_id = $1 AND is_active = true`

	return scanAccount(r.db.QueryRowContext(ctx, query, externalAccountID))
}

// ContactRepository handles per-account contact profiles.
type ContactRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewContactRepository(db *sql.DB, logger *slog.Logger) *ContactRepository {
	return &ContactRepository{db: db, logger: logger}
}

const contactColumns = `id, channel_account_id, external_user_id, display_name, tags, consent, created_at, updated_at`

func scanContact(row scanner) (*models.Contact, error) {
	var contact models.Contact

	err := row.Scan(
		&contact.ID,
		&contact.ChannelAccountID,
		&contact.ExternalUserID,
		&contact.DisplayName,
		pq.Array(&contact.Tags),
		&contact.Consent,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrContactNotFound
		}

		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}

	if contact.Tags == nil {
		contact.Tags = []string{}
	}

	return &contact, nil
}

func (r *ContactRepository) Ensure(ctx context.Context, channelAccountID, externalUserID string, at time.Time) (*models.Contact, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO contacts (id, channel_account_id, external_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (channel_account_id, external_user_id) DO UPDATE SET channel_account_id = EXCLUDED.channel_account_id
		RETURNING ` + contactColumns

	return scanContact(r.db.QueryRowContext(ctx, query, id, channelAccountID, externalUserID, at))
}

func (r *ContactRepository) Get(ctx context.Context, channelAccountID, externalUserID string) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE channel_account_id = $1 AND external_user_id = $2`

	return scanContact(r.db.QueryRowContext(ctx, query, channelAccountID, externalUserID))
}

func (r *ContactRepository) AddTag(ctx context.Context, channelAccountID, externalUserID, tag string, at time.Time) error {
	query := `
		UPDATE contacts
		SET tags = CASE WHEN $3 = ANY(tags) THEN tags ELSE array_append(tags, $3) END
		  , updated_at = $4
		WHERE channel_account_id = $1 AND external_user_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, channelAccountID, externalUserID, tag, at)
	if err != nil {
		return fmt.Errorf("failed to tag contact: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrContactNotFound
	}

	return nil
}

// ConversationRepository handles conversation records.
type ConversationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewConversationRepository(db *sql.DB, logger *slog.Logger) *ConversationRepository {
	return &ConversationRepository{db: db, logger: logger}
}

const conversationColumns = `id, channel_account_id, external_user_id, thread_key, last_user_message_at,
	last_agent_message_at, window_expires_at, status, automation_paused, human_agent_until,
	active_flow_id, active_execution_id, created_at, updated_at`

func scanConversation(row scanner) (*models.Conversation, error) {
	var conversation models.Conversation

	err := row.Scan(
		&conversation.ID,
		&conversation.ChannelAccountID,
		&conversation.ExternalUserID,
		&conversation.ThreadKey,
		&conversation.LastUserMessageAt,
		&conversation.LastAgentMessageAt,
		&conversation.WindowExpiresAt,
		&conversation.Status,
		&conversation.AutomationPaused,
		&conversation.HumanAgentUntil,
		&conversation.ActiveFlowID,
		&conversation.ActiveExecutionID,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrConversationNotFound
		}

		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}

	return &conversation, nil
}

func (r *ConversationRepository) Upsert(ctx context.Context, channelAccountID, externalUserID, threadKey string, at time.Time) (*models.Conversation, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}

	if threadKey == "" {
		threadKey = models.DefaultThreadKey(channelAccountID, externalUserID)
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO conversations (id, channel_account_id, external_user_id, thread_key, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'open', $5, $5)
		ON CONFLICT (channel_account_id, external_user_id) DO UPDATE SET channel_account_id = EXCLUDED.channel_account_id
		RETURNING ` + conversationColumns

	return scanConversation(r.db.QueryRowContext(ctx, query, id, channelAccountID, externalUserID, threadKey, at))
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	return scanConversation(r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
}

func (r *ConversationRepository) RecordInbound(ctx context.Context, id string, at time.Time) (*models.Conversation, error) {
	query := `
		UPDATE conversations
		SET last_user_message_at = $2
		  , window_expires_at = $3
		  , automation_paused = false
		  , status = 'open'
		  , updated_at = $2
		WHERE id = $1 AND (last_user_message_at IS NULL OR last_user_message_at < $2)
		RETURNING ` + conversationColumns

	conversation, err := scanConversation(r.db.QueryRowContext(ctx, query, id, at, at.Add(models.MessagingWindow)))
	if errors.Is(err, persistence.ErrConversationNotFound) {
		// Replayed or out-of-order message: the stored window already covers it.
		return r.GetByID(ctx, id)
	}

	return conversation, err
}

func (r *ConversationRepository) RecordAgentMessage(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, `UPDATE conversations SET last_agent_message_at = $2, updated_at = $2 WHERE id = $1`, id, at)
}

func (r *ConversationRepository) SetHumanAgentUntil(ctx context.Context, id string, until time.Time) error {
	return r.exec(ctx, `UPDATE conversations SET human_agent_until = $2 WHERE id = $1`, id, until)
}

func (r *ConversationRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrConversationNotFound
	}

	return nil
}

func (r *ConversationRepository) PauseExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE conversations
		SET automation_paused = true, updated_at = $1
		WHERE automation_paused = false AND window_expires_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to pause expired conversations: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// TriggerRepository reads triggers and flips the next-post consumption flag.
type TriggerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTriggerRepository(db *sql.DB, logger *slog.Logger) *TriggerRepository {
	return &TriggerRepository{db: db, logger: logger}
}

const triggerColumns = `id, team_id, channel_account_id, trigger_type, post_scope_mode, post_ids, include_keywords,
	exclude_keywords, public_replies, flow_id, is_active, activated_at, next_consumed, created_at`

func scanTrigger(row scanner) (*models.Trigger, error) {
	var trigger models.Trigger

	err := row.Scan(
		&trigger.ID,
		&trigger.TeamID,
		&trigger.ChannelAccountID,
		&trigger.TriggerType,
		&trigger.PostScope.Mode,
		pq.Array(&trigger.PostScope.PostIDs),
		pq.Array(&trigger.Filters.IncludeKeywords),
		pq.Array(&trigger.Filters.ExcludeKeywords),
		pq.Array(&trigger.PublicReplies),
		&trigger.FlowID,
		&trigger.IsActive,
		&trigger.ActivatedAt,
		&trigger.NextConsumed,
		&trigger.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &trigger, nil
}

func (r *TriggerRepository) Save(ctx context.Context, trigger *models.Trigger) error {
	if trigger.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		trigger.ID = id
	}

	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = time.Now().UTC()
	}

	if trigger.ActivatedAt.IsZero() {
		trigger.ActivatedAt = trigger.CreatedAt
	}

	query := `
		INSERT INTO triggers (` + triggerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			trigger_type = EXCLUDED.trigger_type,
			post_scope_mode = EXCLUDED.post_scope_mode,
			post_ids = EXCLUDED.post_ids,
			include_keywords = EXCLUDED.include_keywords,
			exclude_keywords = EXCLUDED.exclude_keywords,
			public_replies = EXCLUDED.public_replies,
			flow_id = EXCLUDED.flow_id,
			is_active = EXCLUDED.is_active,
			activated_at = EXCLUDED.activated_at,
			next_consumed = EXCLUDED.next_consumed
	`

	_, err := r.db.ExecContext(ctx, query,
		trigger.ID,
		trigger.TeamID,
		trigger.ChannelAccountID,
		trigger.TriggerType,
		trigger.PostScope.Mode,
		pq.Array(nonNil(trigger.PostScope.PostIDs)),
		pq.Array(nonNil(trigger.Filters.IncludeKeywords)),
		pq.Array(nonNil(trigger.Filters.ExcludeKeywords)),
		pq.Array(nonNil(trigger.PublicReplies)),
		trigger.FlowID,
		trigger.IsActive,
		trigger.ActivatedAt,
		trigger.NextConsumed,
		trigger.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}

	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}

	return values
}

func (r *TriggerRepository) GetByID(ctx context.Context, id string) (*models.Trigger, error) {
	trigger, err := scanTrigger(r.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTriggerNotFound
		}

		return nil, fmt.Errorf("failed to scan trigger: %w", err)
	}

	return trigger, nil
}

func (r *TriggerRepository) ListActive(ctx context.Context, channelAccountID string, triggerType models.TriggerType) ([]*models.Trigger, error) {
	query := `
		SELECT ` + triggerColumns + `
		FROM triggers
		WHERE channel_account_id = $1 AND trigger_type = $2 AND is_active = true
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, channelAccountID, triggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	triggers := make([]*models.Trigger, 0)

	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}

		triggers = append(triggers, trigger)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}

func (r *TriggerRepository) ConsumeNext(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE triggers SET next_consumed = true WHERE id = $1 AND is_active = true AND next_consumed = false`, id)
	if err != nil {
		return false, fmt.Errorf("failed to consume next-post trigger: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

// FlowRepository reads authored flows.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	if flow.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		flow.ID = id
	}

	specJSON, err := json.Marshal(flow.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal flow spec: %w", err)
	}

	query := `
		INSERT INTO flows (id, team_id, name, is_active, spec, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			spec = EXCLUDED.spec,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query, flow.ID, flow.TeamID, flow.Name, flow.IsActive, specJSON, flow.CreatedAt, flow.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	return nil
}

func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	var (
		flow     models.Flow
		specJSON []byte
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT id, team_id, name, is_active, spec, created_at, updated_at FROM flows WHERE id = $1`, id,
	).Scan(&flow.ID, &flow.TeamID, &flow.Name, &flow.IsActive, &specJSON, &flow.CreatedAt, &flow.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrFlowNotFound
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	err = json.Unmarshal(specJSON, &flow.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow spec: %w", err)
	}

	return &flow, nil
}
