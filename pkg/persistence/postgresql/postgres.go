// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/dukex/dmflow/pkg/persistence/sqlbase"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	events        *InboundEventRepository
	accounts      *AccountRepository
	contacts      *ContactRepository
	conversations *ConversationRepository
	triggers      *TriggerRepository
	flows         *FlowRepository
	executions    *ExecutionRepository
	outbound      *OutboundRepository
	rateLimits    *RateLimitRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		logger:        logger,
		events:        NewInboundEventRepository(database, logger),
		accounts:      NewAccountRepository(database, logger),
		contacts:      NewContactRepository(database, logger),
		conversations: NewConversationRepository(database, logger),
		triggers:      NewTriggerRepository(database, logger),
		flows:         NewFlowRepository(database, logger),
		executions:    NewExecutionRepository(database, logger),
		outbound:      NewOutboundRepository(database, logger),
		rateLimits:    NewRateLimitRepository(database, logger),
	}, nil
}

func (p *Persistence) InboundEvents() persistence.InboundEventRepository { return p.events }
func (p *Persistence) Accounts() persistence.AccountRepository           { return p.accounts }
func (p *Persistence) Contacts() persistence.ContactRepository           { return p.contacts }
func (p *Persistence) Conversations() persistence.ConversationRepository { return p.conversations }
func (p *Persistence) Triggers() persistence.TriggerRepository           { return p.triggers }
func (p *Persistence) Flows() persistence.FlowRepository                 { return p.flows }
func (p *Persistence) Executions() persistence.ExecutionRepository       { return p.executions }
func (p *Persistence) Outbound() persistence.OutboundRepository          { return p.outbound }
func (p *Persistence) RateLimits() persistence.RateLimitRepository       { return p.rateLimits }

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}

	return id.String(), nil
}

func columns(prefix string, names []string) string {
	if prefix == "" {
		return strings.Join(names, ", ")
	}

	prefixed := make([]string, len(names))
	for i, name := range names {
		prefixed[i] = prefix + name
	}

	return strings.Join(prefixed, ", ")
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

func rollback(ctx context.Context, logger *slog.Logger, tx *sql.Tx) {
	err := tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.ErrorContext(ctx, "failed to rollback transaction", "error", err)
	}
}
