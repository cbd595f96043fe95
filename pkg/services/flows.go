package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukex/dmflow/pkg/flow"
	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
)

// Flows handles authoring: saving flows, publishing them and attaching triggers.
type Flows struct {
	persistence persistence.Persistence
}

func NewFlows(persistence persistence.Persistence) *Flows {
	return &Flows{
		persistence: persistence,
	}
}

// CreateFlow validates and stores a new flow. Flows start unpublished unless IsActive is set.
func (f *Flows) CreateFlow(ctx context.Context, item *models.Flow) (*models.Flow, error) {
	if item == nil {
		return nil, ErrInvalidRequest
	}

	if strings.TrimSpace(item.Name) == "" {
		return nil, ErrFlowNameRequired
	}

	err := flow.ValidateSpec(&item.Spec)
	if err != nil {
		return nil, err
	}

	item.ID = ""

	err = f.persistence.Flows().Save(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return item, nil
}

func (f *Flows) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	item, err := f.persistence.Flows().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	return item, nil
}

// PublishFlow re-validates the stored spec and marks the flow active.
func (f *Flows) PublishFlow(ctx context.Context, id string) (*models.Flow, error) {
	return f.setActive(ctx, id, true)
}

// UnpublishFlow deactivates a flow. Running executions fail on their next step with flow_inactive.
func (f *Flows) UnpublishFlow(ctx context.Context, id string) (*models.Flow, error) {
	return f.setActive(ctx, id, false)
}

func (f *Flows) setActive(ctx context.Context, id string, active bool) (*models.Flow, error) {
	item, err := f.persistence.Flows().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	if active {
		err = flow.ValidateSpec(&item.Spec)
		if err != nil {
			return nil, fmt.Errorf("flow validation failed: %w", err)
		}
	}

	item.IsActive = active

	err = f.persistence.Flows().Save(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return item, nil
}

// CreateTrigger stores a trigger for an existing flow.
func (f *Flows) CreateTrigger(ctx context.Context, trigger *models.Trigger) (*models.Trigger, error) {
	if trigger == nil {
		return nil, ErrInvalidRequest
	}

	_, err := f.persistence.Flows().GetByID(ctx, trigger.FlowID)
	if persistence.IsNotFound(err) {
		return nil, ErrTriggerFlowMissing
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	_, err = f.persistence.Accounts().GetByID(ctx, trigger.ChannelAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel account: %w", err)
	}

	trigger.ID = ""
	trigger.NextConsumed = false

	err = f.persistence.Triggers().Save(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}

	return trigger, nil
}
