package main

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/dmflow/pkg/cmd"
	"github.com/dukex/dmflow/pkg/events"
	"github.com/dukex/dmflow/pkg/flow"
	"github.com/dukex/dmflow/pkg/log"
	"github.com/dukex/dmflow/pkg/mocks"
	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/otelhelper"
	"github.com/dukex/dmflow/pkg/persistence/memory"
	"github.com/dukex/dmflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestWorker_Register(t *testing.T) {
	bus := mocks.NewPermissiveEventBus()
	bus.On("Handle", events.InboundReceivedEvent, mock.Anything).Return(nil).Once()
	bus.On("Handle", events.ExecutionActivatedEvent, mock.Anything).Return(nil).Once()

	pipeline := cmd.NewPipeline(log.Discard(), memory.NewPersistence(), bus, nil, otelhelper.NoopTracer(), flow.DefaultConfig())

	require.NoError(t, NewWorker(log.Discard(), pipeline, bus).Register())
	bus.AssertExpectations(t)
}

func TestWorker_HandleExecutionActivated(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	bus := mocks.NewPermissiveEventBus()
	now := time.Now().UTC()

	pipeline := cmd.NewPipeline(log.Discard(), store, bus, nil, otelhelper.NoopTracer(), flow.DefaultConfig())
	worker := NewWorker(log.Discard(), pipeline, bus)

	conversation, err := store.Conversations().Upsert(ctx, "acct-1", "user-1", "", now)
	require.NoError(t, err)

	_, err = store.Conversations().RecordInbound(ctx, conversation.ID, now)
	require.NoError(t, err)

	item := testutil.CreateTestFlow()
	require.NoError(t, store.Flows().Save(ctx, item))

	execution, err := pipeline.Activator.Activate(ctx, flow.ActivateRequest{FlowID: item.ID, ConversationID: conversation.ID})
	require.NoError(t, err)

	other, err := store.Conversations().Upsert(ctx, "acct-1", "user-2", "", now)
	require.NoError(t, err)

	untouched, err := pipeline.Activator.Activate(ctx, flow.ActivateRequest{FlowID: item.ID, ConversationID: other.ID})
	require.NoError(t, err)

	err = worker.handleExecutionActivated(ctx, &events.ExecutionActivated{ExecutionID: execution.ID})
	require.NoError(t, err)

	stored, err := store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.StepCount)

	messages, err := store.Outbound().ListByConversation(ctx, conversation.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)

	// Only the announced execution is stepped.
	stored, err = store.Executions().GetByID(ctx, untouched.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.StepCount)

	// A second announcement steps it again by exactly one node.
	err = worker.handleExecutionActivated(ctx, &events.ExecutionActivated{ExecutionID: execution.ID})
	require.NoError(t, err)

	stored, err = store.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.StepCount)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)

	assert.NoError(t, worker.handleExecutionActivated(ctx, "not an event"))
}
