package trigger

import (
	"context"
	"fmt"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
)

// Repository reads the dashboard-authored triggers of an account.
type Repository struct {
	persistence persistence.Persistence
}

func NewRepository(persistence persistence.Persistence) *Repository {
	return &Repository{
		persistence: persistence,
	}
}

// ForEvent returns the active triggers that listen to the event's account and type, oldest first.
func (r *Repository) ForEvent(ctx context.Context, event *models.EngagementEvent) ([]*models.Trigger, error) {
	triggers, err := r.persistence.Triggers().ListActive(ctx, event.ChannelAccountID, event.Type)
	if err != nil {
		return make([]*models.Trigger, 0), fmt.Errorf("failed to list triggers: %w", err)
	}

	return triggers, nil
}

// ConsumeNext spends the single activation of a "next" scoped trigger.
func (r *Repository) ConsumeNext(ctx context.Context, triggerID string) (bool, error) {
	consumed, err := r.persistence.Triggers().ConsumeNext(ctx, triggerID)
	if err != nil {
		return false, fmt.Errorf("failed to consume trigger %s: %w", triggerID, err)
	}

	return consumed, nil
}
