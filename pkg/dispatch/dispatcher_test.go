package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/dmflow/pkg/events"
	"github.com/dukex/dmflow/pkg/log"
	"github.com/dukex/dmflow/pkg/mocks"
	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/persistence/memory"
	"github.com/dukex/dmflow/pkg/providers"
	"github.com/dukex/dmflow/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx          context.Context
	store        *memory.Persistence
	provider     *mocks.MockMessagingProvider
	credentials  *mocks.MockCredentialProvider
	bus          *mocks.MockEventBus
	dispatcher   *Dispatcher
	conversation *models.Conversation
}

func newFixture(t *testing.T, policies map[string]models.RateLimitPolicy) *fixture {
	t.Helper()

	f := &fixture{
		ctx:         context.Background(),
		store:       memory.NewPersistence(),
		provider:    &mocks.MockMessagingProvider{},
		credentials: &mocks.MockCredentialProvider{},
		bus:         mocks.NewPermissiveEventBus(),
	}

	if policies == nil {
		policies = ratelimit.DefaultPolicies()
	}

	limiter := ratelimit.NewStoreLimiter(log.Discard(), f.store.RateLimits(), policies)

	f.dispatcher = NewDispatcher(log.Discard(), f.store, limiter, f.provider, f.credentials, f.bus, DefaultConfig())
	f.dispatcher.now = func() time.Time { return now }

	f.credentials.On("AccessToken", mock.Anything, "acct-1").Return("token-1", nil).Maybe()

	var err error

	f.conversation, err = f.store.Conversations().Upsert(f.ctx, "acct-1", "user-1", "", now.Add(-time.Hour))
	require.NoError(t, err)

	f.conversation, err = f.store.Conversations().RecordInbound(f.ctx, f.conversation.ID, now.Add(-time.Hour))
	require.NoError(t, err)

	return f
}

func (f *fixture) enqueue(t *testing.T, message *models.OutboundMessage) *models.OutboundMessage {
	t.Helper()

	message.ConversationID = f.conversation.ID

	if message.Channel == "" {
		message.Channel = models.ChannelDirect
	}

	if message.MsgType == "" {
		message.MsgType = models.MessageTypeText
	}

	if message.PolicyTag == "" {
		message.PolicyTag = models.PolicyTagNone
	}

	message.NotBefore = now
	message.CreatedAt = now

	require.NoError(t, f.store.Outbound().Enqueue(f.ctx, message))

	return message
}

func (f *fixture) stored(t *testing.T, id string) *models.OutboundMessage {
	t.Helper()

	message, err := f.store.Outbound().GetByID(f.ctx, id)
	require.NoError(t, err)

	return message
}

func TestConfig_Backoff(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()

	assert.Equal(t, time.Minute, config.Backoff(0))
	assert.Equal(t, 2*time.Minute, config.Backoff(1))
	assert.Equal(t, 8*time.Minute, config.Backoff(3))
	assert.Equal(t, 30*time.Minute, config.Backoff(5))
	assert.Equal(t, 30*time.Minute, config.Backoff(60))
}

func TestDispatch_SendsText(t *testing.T) {
	f := newFixture(t, nil)

	message := f.enqueue(t, &models.OutboundMessage{Payload: models.MessagePayload{Text: "hello"}})

	f.provider.On("SendText", mock.Anything, "token-1", "user-1", "hello", models.PolicyTagNone).Return("mid.1", nil)

	outcome, err := f.dispatcher.Dispatch(f.ctx, message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	stored := f.stored(t, message.ID)
	assert.Equal(t, models.DeliveryStatusSent, stored.DeliveryStatus)
	require.NotNil(t, stored.ExternalMessageID)
	assert.Equal(t, "mid.1", *stored.ExternalMessageID)

	conversation, err := f.store.Conversations().GetByID(f.ctx, f.conversation.ID)
	require.NoError(t, err)
	require.NotNil(t, conversation.LastAgentMessageAt)
	assert.Equal(t, now, *conversation.LastAgentMessageAt)

	f.provider.AssertExpectations(t)
}

func TestDispatch_SendsQuickReplyAndMedia(t *testing.T) {
	f := newFixture(t, nil)

	options := []models.QuickReplyOption{{Text: "Yes", Payload: "YES"}}
	quickReply := f.enqueue(t, &models.OutboundMessage{
		MsgType: models.MessageTypeQuickReply,
		Payload: models.MessagePayload{Text: "pick", Options: options},
	})
	media := f.enqueue(t, &models.OutboundMessage{
		MsgType: models.MessageTypeMedia,
		Payload: models.MessagePayload{URL: "https://cdn.example.com/a.png", MediaType: "image"},
	})

	f.provider.On("SendQuickReply", mock.Anything, "token-1", "user-1", "pick", options, models.PolicyTagNone).Return("mid.qr", nil)
	f.provider.On("SendMedia", mock.Anything, "token-1", "user-1", "https://cdn.example.com/a.png", "image", models.PolicyTagNone).Return("mid.media", nil)

	for _, message := range []*models.OutboundMessage{quickReply, media} {
		outcome, err := f.dispatcher.Dispatch(f.ctx, message)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, outcome)
	}

	f.provider.AssertExpectations(t)
}

func TestDispatch_WindowExpiredFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.now = func() time.Time { return now.Add(24 * time.Hour) }

	message := f.enqueue(t, &models.OutboundMessage{Payload: models.MessagePayload{Text: "late"}})

	outcome, err := f.dispatcher.Dispatch(f.ctx, message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	stored := f.stored(t, message.ID)
	assert.Equal(t, models.DeliveryStatusFailed, stored.DeliveryStatus)
	assert.Equal(t, models.FailureWindowExpired, *stored.FailureReason)
	assert.Equal(t, 0, stored.RetryCount)

	failed := f.bus.Published(events.MessageFailedEvent)
	require.Len(t, failed, 1)
	assert.Equal(t, models.FailureWindowExpired, failed[0].(events.MessageFailed).Reason)

	f.provider.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPolicyViolation(t *testing.T) {
	t.Parallel()

	open := &models.Conversation{}
	open.RecordUserMessage(now)

	paused := &models.Conversation{}
	paused.RecordUserMessage(now)
	paused.AutomationPaused = true

	commentID := "comment-1"
	at := now.Add(time.Minute)
	expired := now.Add(25 * time.Hour)

	tests := []struct {
		name         string
		message      *models.OutboundMessage
		conversation *models.Conversation
		at           time.Time
		want         string
	}{
		{"open window", &models.OutboundMessage{Channel: models.ChannelDirect, PolicyTag: models.PolicyTagNone}, open, at, ""},
		{"expired window", &models.OutboundMessage{Channel: models.ChannelDirect, PolicyTag: models.PolicyTagNone}, open, expired, models.FailureWindowExpired},
		{"paused", &models.OutboundMessage{Channel: models.ChannelDirect, PolicyTag: models.PolicyTagNone}, paused, at, models.FailureAutomationPaused},
		{"human agent", &models.OutboundMessage{Channel: models.ChannelDirect, PolicyTag: models.PolicyTagHumanAgent}, paused, expired, ""},
		{"private reply", &models.OutboundMessage{Channel: models.ChannelDirect, ReplyToID: &commentID, PolicyTag: models.PolicyTagNone}, &models.Conversation{}, at, ""},
		{"public reply", &models.OutboundMessage{Channel: models.ChannelPublic, ReplyToID: &commentID, PolicyTag: models.PolicyTagNone}, paused, expired, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, policyViolation(tt.message, tt.conversation, tt.at))
		})
	}
}

func TestDispatch_HumanAgentBypassesGates(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.now = func() time.Time { return now.Add(72 * time.Hour) }

	message := f.enqueue(t, &models.OutboundMessage{
		PolicyTag: models.PolicyTagHumanAgent,
		Payload:   models.MessagePayload{Text: "an agent here"},
	})

	f.provider.On("SendText", mock.Anything, "token-1", "user-1", "an agent here", models.PolicyTagHumanAgent).Return("mid.2", nil)

	outcome, err := f.dispatcher.Dispatch(f.ctx, message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
}

func TestDispatch_RepliesToComments(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.now = func() time.Time { return now.Add(72 * time.Hour) }

	commentID := "comment-9"

	public := f.enqueue(t, &models.OutboundMessage{
		Channel:   models.ChannelPublic,
		ReplyToID: &commentID,
		Payload:   models.MessagePayload{Text: "check your DMs"},
	})
	private := f.enqueue(t, &models.OutboundMessage{
		ReplyToID: &commentID,
		Payload:   models.MessagePayload{Text: "here is the link"},
	})

	f.provider.On("ReplyToComment", mock.Anything, "token-1", commentID, "check your DMs").Return("c.1", nil)
	f.provider.On("SendPrivateReply", mock.Anything, "token-1", commentID, "here is the link").Return("m.1", nil)

	for _, message := range []*models.OutboundMessage{public, private} {
		outcome, err := f.dispatcher.Dispatch(f.ctx, message)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, outcome)
	}

	window, err := f.store.RateLimits().Get(f.ctx, "acct-1", models.APITypeComments)
	require.NoError(t, err)
	assert.Equal(t, 1, window.RequestCount)

	f.provider.AssertExpectations(t)
}

func TestDispatch_ConcurrentRateLimit(t *testing.T) {
	f := newFixture(t, map[string]models.RateLimitPolicy{
		models.APITypeMessages: {MaxRequests: 5, Period: time.Hour},
		models.APITypeComments: {MaxRequests: 5, Period: time.Hour},
	})

	f.provider.On("SendText", mock.Anything, "token-1", "user-1", "hi", models.PolicyTagNone).Return("mid", nil)

	messages := make([]*models.OutboundMessage, 0, 6)
	for i := 0; i < 6; i++ {
		messages = append(messages, f.enqueue(t, &models.OutboundMessage{Payload: models.MessagePayload{Text: "hi"}}))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)

	for _, message := range messages {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcome, err := f.dispatcher.Dispatch(f.ctx, message)
			assert.NoError(t, err)

			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Equal(t, 5, outcomes[OutcomeSent])
	assert.Equal(t, 1, outcomes[OutcomeRequeued])

	stats, err := f.store.Outbound().CountByStatus(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats[models.DeliveryStatusSent])
	assert.Equal(t, int64(1), stats[models.DeliveryStatusQueued])

	for _, message := range messages {
		stored := f.stored(t, message.ID)
		if stored.DeliveryStatus == models.DeliveryStatusQueued {
			assert.Equal(t, 1, stored.DeferCount)
			assert.Equal(t, 0, stored.RetryCount)
			assert.Equal(t, now.Add(time.Minute), stored.NotBefore)
		}
	}
}

func TestDispatch_ProviderRateLimitRetriesThenFails(t *testing.T) {
	f := newFixture(t, nil)

	rateLimited := &providers.Error{Kind: providers.ErrorKindRateLimited, StatusCode: 400, Code: 613, Message: "calls exceeded"}
	f.provider.On("SendText", mock.Anything, "token-1", "user-1", "hi", models.PolicyTagNone).Return("", rateLimited)

	message := f.enqueue(t, &models.OutboundMessage{Payload: models.MessagePayload{Text: "hi"}})

	for attempt := 1; attempt <= 3; attempt++ {
		outcome, err := f.dispatcher.Dispatch(f.ctx, f.stored(t, message.ID))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRequeued, outcome)

		stored := f.stored(t, message.ID)
		assert.Equal(t, attempt, stored.RetryCount)
		assert.Equal(t, now.Add(DefaultConfig().Backoff(attempt-1)), stored.NotBefore)
	}

	outcome, err := f.dispatcher.Dispatch(f.ctx, f.stored(t, message.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	stored := f.stored(t, message.ID)
	assert.Equal(t, models.FailureRateLimitExhausted, *stored.FailureReason)
	assert.Contains(t, stored.Payload.Error, "calls exceeded")
}

func TestDispatch_ProviderErrorsFailImmediately(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReason string
	}{
		{
			name:       "invalid recipient",
			err:        &providers.Error{Kind: providers.ErrorKindInvalidRecipient, Message: "no matching user"},
			wantReason: models.FailureInvalidRecipient,
		},
		{
			name:       "other",
			err:        errors.New("connection reset"),
			wantReason: models.FailureProviderError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)

			f.provider.On("SendText", mock.Anything, "token-1", "user-1", "hi", models.PolicyTagNone).Return("", tt.err)

			message := f.enqueue(t, &models.OutboundMessage{Payload: models.MessagePayload{Text: "hi"}})

			outcome, err := f.dispatcher.Dispatch(f.ctx, message)
			require.NoError(t, err)
			assert.Equal(t, OutcomeFailed, outcome)

			stored := f.stored(t, message.ID)
			assert.Equal(t, tt.wantReason, *stored.FailureReason)
			assert.Equal(t, tt.err.Error(), stored.Payload.Error)
			assert.Equal(t, 0, stored.RetryCount)
		})
	}
}

func TestDispatch_CredentialsUnavailable(t *testing.T) {
	f := newFixture(t, nil)

	credentials := &mocks.MockCredentialProvider{}
	credentials.On("AccessToken", mock.Anything, "acct-1").Return("", errors.New("token revoked"))
	f.dispatcher.credentials = credentials

	message := f.enqueue(t, &models.OutboundMessage{Payload: models.MessagePayload{Text: "hi"}})

	outcome, err := f.dispatcher.Dispatch(f.ctx, message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, models.FailureCredentials, *f.stored(t, message.ID).FailureReason)
}

func TestDispatch_SystemNoticeSentAsText(t *testing.T) {
	f := newFixture(t, nil)

	f.provider.On("SendText", mock.Anything, "token-1", "user-1", "Conversation reopened", models.PolicyTagNone).Return("mid.sys", nil).Once()

	message := f.enqueue(t, &models.OutboundMessage{MsgType: models.MessageTypeSystem, Payload: models.MessagePayload{Text: "Conversation reopened"}})

	outcome, err := f.dispatcher.Dispatch(f.ctx, message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, models.DeliveryStatusSent, f.stored(t, message.ID).DeliveryStatus)
	f.provider.AssertExpectations(t)
}

func TestDispatch_UnsupportedType(t *testing.T) {
	f := newFixture(t, nil)

	message := f.enqueue(t, &models.OutboundMessage{Payload: models.MessagePayload{Text: "x"}})
	message.MsgType = models.MessageType("carousel")

	outcome, err := f.dispatcher.Dispatch(f.ctx, message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, models.FailureUnsupportedType, *f.stored(t, message.ID).FailureReason)
}

func TestRunBatch_DrainsDueMessages(t *testing.T) {
	f := newFixture(t, nil)

	f.provider.On("SendText", mock.Anything, "token-1", "user-1", mock.Anything, models.PolicyTagNone).Return("mid", nil)

	for i := 0; i < 3; i++ {
		f.enqueue(t, &models.OutboundMessage{Payload: models.MessagePayload{Text: "hi"}})
	}

	later := f.enqueue(t, &models.OutboundMessage{Payload: models.MessagePayload{Text: "later"}})
	require.NoError(t, f.store.Outbound().Requeue(f.ctx, later.ID, now.Add(time.Hour), 0, 0, now))

	processed, err := f.dispatcher.RunBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	processed, err = f.dispatcher.RunBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	assert.Equal(t, models.DeliveryStatusQueued, f.stored(t, later.ID).DeliveryStatus)
}

// gateLimiter denies every request before opensAt.
type gateLimiter struct {
	opensAt time.Time
	clock   *time.Time
}

func (l *gateLimiter) Acquire(context.Context, string, string) (bool, error) {
	return !l.clock.Before(l.opensAt), nil
}

func TestRunBatch_DeferredMessageKeepsStreamOrder(t *testing.T) {
	f := newFixture(t, nil)

	clock := now
	f.dispatcher.now = func() time.Time { return clock }
	f.dispatcher.limiter = &gateLimiter{opensAt: now.Add(2 * time.Minute), clock: &clock}

	var (
		mu   sync.Mutex
		sent []string
	)

	f.provider.On("SendText", mock.Anything, "token-1", "user-1", mock.Anything, models.PolicyTagNone).
		Run(func(args mock.Arguments) {
			mu.Lock()
			defer mu.Unlock()

			sent = append(sent, args.String(3))
		}).
		Return("mid", nil)

	enqueueAt := func(text string, at time.Time) *models.OutboundMessage {
		message := &models.OutboundMessage{
			ConversationID: f.conversation.ID,
			Channel:        models.ChannelDirect,
			MsgType:        models.MessageTypeText,
			PolicyTag:      models.PolicyTagNone,
			Payload:        models.MessagePayload{Text: text},
			NotBefore:      at,
			CreatedAt:      at,
		}
		require.NoError(t, f.store.Outbound().Enqueue(f.ctx, message))

		return message
	}

	first := enqueueAt("first", now)

	_, err := f.dispatcher.RunBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.stored(t, first.ID).DeferCount)

	clock = now.Add(30 * time.Second)
	second := enqueueAt("second", clock)

	// The deferred first message holds the second one back.
	processed, err := f.dispatcher.RunBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	// Both are due, the limiter still denies: the first is deferred again and the second waits.
	clock = now.Add(time.Minute)
	_, err = f.dispatcher.RunBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.stored(t, first.ID).DeferCount)
	assert.Equal(t, 0, f.stored(t, second.ID).DeferCount)
	assert.Empty(t, sent)

	clock = now.Add(3 * time.Minute)
	processed, err = f.dispatcher.RunBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	assert.Equal(t, []string{"first", "second"}, sent)
	assert.Equal(t, models.DeliveryStatusSent, f.stored(t, first.ID).DeliveryStatus)
	assert.Equal(t, models.DeliveryStatusSent, f.stored(t, second.ID).DeliveryStatus)
}

func TestStreams_GroupsByConversationAndChannel(t *testing.T) {
	at := now
	message := func(id, conversationID string, channel models.MessageChannel, offset time.Duration) *models.OutboundMessage {
		return &models.OutboundMessage{ID: id, ConversationID: conversationID, Channel: channel, CreatedAt: at.Add(offset)}
	}

	grouped := streams([]*models.OutboundMessage{
		message("b", "conv-1", models.ChannelDirect, time.Second),
		message("c", "conv-2", models.ChannelDirect, 0),
		message("a", "conv-1", models.ChannelDirect, 0),
		message("d", "conv-1", models.ChannelPublic, 0),
	})

	require.Len(t, grouped, 3)

	ids := func(stream []*models.OutboundMessage) []string {
		out := make([]string, 0, len(stream))
		for _, m := range stream {
			out = append(out, m.ID)
		}

		return out
	}

	assert.Equal(t, []string{"a", "b"}, ids(grouped[0]))
	assert.Equal(t, []string{"c"}, ids(grouped[1]))
	assert.Equal(t, []string{"d"}, ids(grouped[2]))
}
