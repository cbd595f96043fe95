package flow

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/dukex/dmflow/pkg/actions"
	"github.com/dukex/dmflow/pkg/events"
	"github.com/dukex/dmflow/pkg/log"
	"github.com/dukex/dmflow/pkg/mocks"
	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/dukex/dmflow/pkg/persistence/memory"
	"github.com/dukex/dmflow/pkg/protocol"
	"github.com/dukex/dmflow/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t            *testing.T
	ctx          context.Context
	store        *memory.Persistence
	bus          *mocks.MockEventBus
	registry     *registry.Registry
	activator    *Activator
	executor     *Executor
	now          time.Time
	conversation *models.Conversation
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memory.NewPersistence(),
		bus:   mocks.NewPermissiveEventBus(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	f.registry = registry.NewRegistry(log.Discard())
	actions.RegisterBuiltins(f.registry, f.store.Contacts())

	f.activator = NewActivator(log.Discard(), f.store, f.bus)
	f.activator.now = f.clock

	f.executor = NewExecutor(log.Discard(), f.store, f.registry, f.bus, config)
	f.executor.now = f.clock

	_, err := f.store.Contacts().Ensure(f.ctx, "acct-1", "user-1", f.now)
	require.NoError(t, err)

	f.conversation, err = f.store.Conversations().Upsert(f.ctx, "acct-1", "user-1", "", f.now)
	require.NoError(t, err)

	_, err = f.store.Conversations().RecordInbound(f.ctx, f.conversation.ID, f.now)
	require.NoError(t, err)

	return f
}

func (f *fixture) clock() time.Time {
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) saveFlow(spec models.FlowSpec) *models.Flow {
	f.t.Helper()

	flow := &models.Flow{TeamID: "team-1", Name: "test", IsActive: true, Spec: spec}
	require.NoError(f.t, f.store.Flows().Save(f.ctx, flow))

	return flow
}

func (f *fixture) activate(flow *models.Flow, triggerMessageID string) *models.FlowExecution {
	f.t.Helper()

	execution, err := f.activator.Activate(f.ctx, ActivateRequest{
		FlowID:           flow.ID,
		ConversationID:   f.conversation.ID,
		TriggerMessageID: triggerMessageID,
	})
	require.NoError(f.t, err)

	return execution
}

// tick runs one scheduler pass and moves the clock forward.
func (f *fixture) tick() int {
	f.t.Helper()

	stepped, err := f.executor.RunBatch(f.ctx, 10)
	require.NoError(f.t, err)

	f.advance(time.Second)

	return stepped
}

func (f *fixture) execution(id string) *models.FlowExecution {
	f.t.Helper()

	execution, err := f.store.Executions().GetByID(f.ctx, id)
	require.NoError(f.t, err)

	return execution
}

func (f *fixture) messages() []*models.OutboundMessage {
	f.t.Helper()

	messages, err := f.store.Outbound().ListByConversation(f.ctx, f.conversation.ID, 0)
	require.NoError(f.t, err)

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages
}

func TestExecutor_MessageThenEnd(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	flow := f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeMessage, Text: "hello", Go: "b"},
		"b": {Type: models.NodeTypeEnd},
	}})
	execution := f.activate(flow, "")

	assert.Equal(t, 1, f.tick())
	assert.Equal(t, 1, f.tick())
	assert.Equal(t, 0, f.tick())

	stored := f.execution(execution.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.StepCount)
	assert.NotNil(t, stored.FinishedAt)

	messages := f.messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Payload.Text)
	assert.Equal(t, execution.ID+":0", *messages[0].StepKey)
	assert.Equal(t, models.PolicyTagNone, messages[0].PolicyTag)
	assert.Nil(t, messages[0].ReplyToID)

	conversation, err := f.store.Conversations().GetByID(f.ctx, f.conversation.ID)
	require.NoError(t, err)
	assert.Nil(t, conversation.ActiveExecutionID)
	assert.Nil(t, conversation.ActiveFlowID)

	assert.Len(t, f.bus.Published(events.ExecutionCompletedEvent), 1)
}

func TestExecutor_MessageWithoutTargetCompletes(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	flow := f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeMessage, Text: "Hi {{ .vars.name }}"},
	}})

	execution, err := f.activator.Activate(f.ctx, ActivateRequest{
		FlowID:         flow.ID,
		ConversationID: f.conversation.ID,
		Context:        map[string]any{"name": "Ana"},
	})
	require.NoError(t, err)

	f.tick()

	assert.Equal(t, models.ExecutionStatusCompleted, f.execution(execution.ID).Status)
	require.Len(t, f.messages(), 1)
	assert.Equal(t, "Hi Ana", f.messages()[0].Payload.Text)
}

func quickReplyFlow(withDefault bool) models.FlowSpec {
	spec := models.FlowSpec{Entry: "q", Nodes: map[string]*models.Node{
		"q": {Type: models.NodeTypeQuickReply, Text: "Want the link?", Options: []models.QuickReplyOption{
			{Text: "Yes", Payload: "YES", Go: "yes"},
			{Text: "No", Go: "no"},
		}},
		"yes": {Type: models.NodeTypeMessage, Text: "here: {{ .vars.last_reply }}", Go: "end"},
		"no":  {Type: models.NodeTypeMessage, Text: "ok", Go: "end"},
		"end": {Type: models.NodeTypeEnd},
	}}

	if withDefault {
		spec.Nodes["q"].Default = "no"
	}

	return spec
}

func TestExecutor_QuickReplySuspendsAndResumes(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	execution := f.activate(f.saveFlow(quickReplyFlow(false)), "")

	f.tick()

	stored := f.execution(execution.ID)
	assert.Equal(t, models.ExecutionStatusQueued, stored.Status)
	assert.Equal(t, models.SuspensionReply, stored.SuspendedOn)

	messages := f.messages()
	require.Len(t, messages, 1)
	assert.Equal(t, models.MessageTypeQuickReply, messages[0].MsgType)
	assert.Equal(t, []models.QuickReplyOption{{Text: "Yes", Payload: "YES"}, {Text: "No", Payload: "No"}}, messages[0].Payload.Options)

	// Waiting on the user: nothing to claim.
	assert.Equal(t, 0, f.tick())

	resumed, err := f.executor.Resume(f.ctx, f.conversation.ID, &models.Reply{Text: "Yes", Payload: "YES", ReceivedAt: f.now})
	require.NoError(t, err)
	assert.True(t, resumed)

	f.tick()
	f.tick()
	f.tick()

	stored = f.execution(execution.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, "YES", stored.Context[models.ContextLastReplyPayload])

	messages = f.messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "here: Yes", messages[1].Payload.Text)
}

func TestExecutor_QuickReplyMatchesTypedText(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	execution := f.activate(f.saveFlow(quickReplyFlow(false)), "")
	f.tick()

	_, err := f.executor.Resume(f.ctx, f.conversation.ID, &models.Reply{Text: "  no "})
	require.NoError(t, err)

	f.tick()

	assert.Equal(t, "no", f.execution(execution.ID).CurrentNodeID)
}

func TestExecutor_QuickReplyUnmatched(t *testing.T) {
	t.Run("presents again without default", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())

		execution := f.activate(f.saveFlow(quickReplyFlow(false)), "")
		f.tick()

		_, err := f.executor.Resume(f.ctx, f.conversation.ID, &models.Reply{Text: "maybe"})
		require.NoError(t, err)
		f.tick()

		stored := f.execution(execution.ID)
		assert.Equal(t, "q", stored.CurrentNodeID)
		assert.Equal(t, models.SuspensionReply, stored.SuspendedOn)

		messages := f.messages()
		require.Len(t, messages, 2)
		assert.NotEqual(t, *messages[0].StepKey, *messages[1].StepKey)
	})

	t.Run("follows default", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())

		execution := f.activate(f.saveFlow(quickReplyFlow(true)), "")
		f.tick()

		_, err := f.executor.Resume(f.ctx, f.conversation.ID, &models.Reply{Text: "maybe"})
		require.NoError(t, err)
		f.tick()

		assert.Equal(t, "no", f.execution(execution.ID).CurrentNodeID)
	})
}

func TestExecutor_WaitSuspendsOnTimer(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	execution := f.activate(f.saveFlow(models.FlowSpec{Entry: "w", Nodes: map[string]*models.Node{
		"w":   {Type: models.NodeTypeWait, DurationMs: int64(time.Hour / time.Millisecond), Go: "msg"},
		"msg": {Type: models.NodeTypeMessage, Text: "still there?"},
	}}), "")

	f.tick()

	stored := f.execution(execution.ID)
	assert.Equal(t, models.SuspensionTimer, stored.SuspendedOn)
	require.NotNil(t, stored.NotBefore)

	assert.Equal(t, 0, f.tick())

	f.advance(time.Hour)

	assert.Equal(t, 1, f.tick())
	assert.Equal(t, "msg", f.execution(execution.ID).CurrentNodeID)
	assert.Empty(t, f.messages())

	f.tick()
	assert.Equal(t, models.ExecutionStatusCompleted, f.execution(execution.ID).Status)
	assert.Len(t, f.messages(), 1)
}

func TestExecutor_ConditionBranches(t *testing.T) {
	tests := []struct {
		plan string
		want string
	}{
		{plan: "pro", want: "vip"},
		{plan: "free", want: "regular"},
	}

	for _, tt := range tests {
		t.Run(tt.plan, func(t *testing.T) {
			f := newFixture(t, DefaultConfig())

			flow := f.saveFlow(models.FlowSpec{Entry: "set", Nodes: map[string]*models.Node{
				"set":     {Type: models.NodeTypeAction, Name: "set_field", Params: map[string]any{"field": "plan", "value": tt.plan}, Go: "check"},
				"check":   {Type: models.NodeTypeCondition, Expr: `eq .vars.plan "pro"`, TrueGo: "vip", FalseGo: "regular"},
				"vip":     {Type: models.NodeTypeEnd},
				"regular": {Type: models.NodeTypeEnd},
			}})
			execution := f.activate(flow, "")

			f.tick()
			f.tick()

			assert.Equal(t, tt.want, f.execution(execution.ID).CurrentNodeID)
		})
	}
}

func TestExecutor_TerminalFailures(t *testing.T) {
	tests := []struct {
		name     string
		spec     models.FlowSpec
		wantCode string
	}{
		{
			name: "unknown action",
			spec: models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
				"a": {Type: models.NodeTypeAction, Name: "send_email", Go: "b"},
				"b": {Type: models.NodeTypeEnd},
			}},
			wantCode: models.ErrCodeUnknownAction,
		},
		{
			name: "invalid action params",
			spec: models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
				"a": {Type: models.NodeTypeAction, Name: "add_tag", Go: "b"},
				"b": {Type: models.NodeTypeEnd},
			}},
			wantCode: models.ErrCodeInvalidActionParams,
		},
		{
			name: "broken expression",
			spec: models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
				"a": {Type: models.NodeTypeCondition, Expr: "{{ eq .vars.plan ", TrueGo: "b", FalseGo: "b"},
				"b": {Type: models.NodeTypeEnd},
			}},
			wantCode: models.ErrCodeInvalidExpression,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig())

			execution := f.activate(f.saveFlow(tt.spec), "")
			f.tick()

			stored := f.execution(execution.ID)
			assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
			assert.Contains(t, stored.Error, tt.wantCode)
			assert.Equal(t, 0, stored.RetryCount)

			failed := f.bus.Published(events.ExecutionFailedEvent)
			require.Len(t, failed, 1)
			assert.Equal(t, "a", failed[0].(events.ExecutionFailed).NodeID)
		})
	}
}

func TestExecutor_InvalidNodeReference(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	flow := f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeMessage, Text: "hi", Go: "b"},
		"b": {Type: models.NodeTypeEnd},
	}})
	execution := f.activate(flow, "")
	f.tick()

	// The flow is edited while the execution points at "b".
	flow.Spec = models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeEnd},
	}}
	require.NoError(t, f.store.Flows().Save(f.ctx, flow))

	f.tick()

	stored := f.execution(execution.ID)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, models.ErrCodeInvalidNodeReference+": b", stored.Error)
}

func TestExecutor_InactiveFlowFails(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	flow := f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeEnd},
	}})
	execution := f.activate(flow, "")

	flow.IsActive = false
	require.NoError(t, f.store.Flows().Save(f.ctx, flow))

	f.tick()

	assert.Equal(t, models.ErrCodeFlowInactive, f.execution(execution.ID).Error)

	_, err := f.activator.Activate(f.ctx, ActivateRequest{FlowID: flow.ID, ConversationID: f.conversation.ID})
	assert.ErrorIs(t, err, ErrFlowInactive)
}

func TestExecutor_StepQuota(t *testing.T) {
	config := DefaultConfig()
	config.StepQuota = 5

	f := newFixture(t, config)

	execution := f.activate(f.saveFlow(models.FlowSpec{Entry: "loop", Nodes: map[string]*models.Node{
		"loop": {Type: models.NodeTypeAction, Name: "noop", Go: "loop"},
	}}), "")

	for i := 0; i < 10; i++ {
		f.tick()
	}

	stored := f.execution(execution.ID)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, models.ErrCodeStepQuotaExceeded)
	assert.Equal(t, 5, stored.StepCount)
}

type flakyActionFactory struct {
	failures int
	calls    int
}

func (f *flakyActionFactory) ID() string {
	return "flaky"
}

func (f *flakyActionFactory) Create(map[string]any) (protocol.Action, error) {
	return f, nil
}

func (f *flakyActionFactory) Execute(_ context.Context, input *protocol.ActionInput, _ *slog.Logger) error {
	f.calls++
	input.Execution.Context["touched"] = true

	if f.calls <= f.failures {
		return errors.New("upstream unavailable")
	}

	return nil
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	flaky := &flakyActionFactory{failures: 2}
	f.registry.RegisterAction(flaky)

	execution := f.activate(f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeAction, Name: "flaky", Go: "b"},
		"b": {Type: models.NodeTypeEnd},
	}}), "")

	f.tick()

	stored := f.execution(execution.ID)
	assert.Equal(t, models.ExecutionStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.NotBefore)
	assert.NotContains(t, stored.Context, "touched")

	// Backoff keeps it out of the next pass.
	assert.Equal(t, 0, f.tick())

	f.advance(time.Minute)
	f.tick()
	f.advance(2 * time.Minute)
	f.tick()

	stored = f.execution(execution.ID)
	assert.Equal(t, "b", stored.CurrentNodeID)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, true, stored.Context["touched"])
}

func TestExecutor_RetriesExhausted(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.registry.RegisterAction(&flakyActionFactory{failures: 100})

	execution := f.activate(f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeAction, Name: "flaky", Go: "b"},
		"b": {Type: models.NodeTypeEnd},
	}}), "")

	for i := 0; i < 4; i++ {
		f.tick()
		f.advance(10 * time.Minute)
	}

	stored := f.execution(execution.ID)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, 4, stored.RetryCount)
	assert.Contains(t, stored.Error, models.ErrCodeRetriesExhausted)
	assert.Len(t, f.bus.Published(events.ExecutionFailedEvent), 1)

	// The flow stays paused on this conversation until the user writes again.
	_, err := f.activator.Activate(f.ctx, ActivateRequest{FlowID: stored.FlowID, ConversationID: f.conversation.ID})
	require.ErrorIs(t, err, ErrFlowPaused)
	assert.True(t, IsPermanentActivationError(err))

	other := f.activate(f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeEnd},
	}}), "")
	assert.Equal(t, models.ExecutionStatusQueued, f.execution(other.ID).Status)

	_, err = f.store.Conversations().RecordInbound(f.ctx, f.conversation.ID, f.now)
	require.NoError(t, err)

	_, err = f.activator.Activate(f.ctx, ActivateRequest{FlowID: stored.FlowID, ConversationID: f.conversation.ID})
	assert.NoError(t, err)
}

func TestExecutor_StepBatchSkipsListedExecutions(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	execution := f.activate(f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeMessage, Text: "one", Go: "b"},
		"b": {Type: models.NodeTypeMessage, Text: "two", Go: "c"},
		"c": {Type: models.NodeTypeEnd},
	}}), "")

	stepped, err := f.executor.StepBatch(f.ctx, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{execution.ID}, stepped)

	again, err := f.executor.StepBatch(f.ctx, 10, stepped)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, "b", f.execution(execution.ID).CurrentNodeID)

	ok, err := f.executor.StepExecution(f.ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.executor.StepExecution(f.ctx, execution.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c", f.execution(execution.ID).CurrentNodeID)
}

func TestExecutor_CancelDuringStepEmitsNothing(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	execution := f.activate(f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeMessage, Text: "hello"},
	}}), "")

	claimed, err := f.store.Executions().ClaimNext(f.ctx, f.now, 1, persistence.ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	cancelled, err := f.executor.Cancel(f.ctx, execution.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	require.NoError(t, f.executor.Step(f.ctx, claimed[0]))

	assert.Equal(t, models.ExecutionStatusCancelled, f.execution(execution.ID).Status)
	assert.Empty(t, f.messages())
	assert.Len(t, f.bus.Published(events.ExecutionCancelledEvent), 1)

	_, err = f.executor.Cancel(f.ctx, execution.ID, "operator")
	assert.True(t, persistence.IsExecutionFinished(err))
}

func TestExecutor_LastActivationWins(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	first := f.activate(f.saveFlow(quickReplyFlow(false)), "")
	f.tick()

	second := f.activate(f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeEnd},
	}}), "")

	assert.Equal(t, models.ExecutionStatusCancelled, f.execution(first.ID).Status)
	assert.Equal(t, models.ExecutionStatusQueued, f.execution(second.ID).Status)

	activated := f.bus.Published(events.ExecutionActivatedEvent)
	require.Len(t, activated, 2)
	assert.Equal(t, []string{first.ID}, activated[1].(events.ExecutionActivated).Superseded)
}

func TestExecutor_PrivateReplyForCommentTrigger(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	// A commenter who never wrote a DM has no messaging window.
	conversation, err := f.store.Conversations().Upsert(f.ctx, "acct-1", "commenter", "", f.now)
	require.NoError(t, err)

	f.conversation = conversation

	flow := f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeMessage, Text: "thanks for the comment!", Go: "b"},
		"b": {Type: models.NodeTypeMessage, Text: "anything else?"},
	}})
	f.activate(flow, "comment-42")

	f.tick()
	f.tick()

	messages := f.messages()
	require.Len(t, messages, 2)
	require.NotNil(t, messages[0].ReplyToID)
	assert.Equal(t, "comment-42", *messages[0].ReplyToID)
	assert.Nil(t, messages[1].ReplyToID)
}

func TestExecutor_ResumeWithoutSuspension(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	resumed, err := f.executor.Resume(f.ctx, f.conversation.ID, &models.Reply{Text: "hi"})
	require.NoError(t, err)
	assert.False(t, resumed)

	f.activate(f.saveFlow(models.FlowSpec{Entry: "a", Nodes: map[string]*models.Node{
		"a": {Type: models.NodeTypeEnd},
	}}), "")

	resumed, err = f.executor.Resume(f.ctx, f.conversation.ID, &models.Reply{Text: "hi"})
	require.NoError(t, err)
	assert.False(t, resumed)
}
