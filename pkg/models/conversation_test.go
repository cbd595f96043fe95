package models

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversation_RecordUserMessage(t *testing.T) {
	t.Parallel()

	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conversation := &Conversation{Status: ConversationStatusSnoozed, AutomationPaused: true}

	conversation.RecordUserMessage(received)

	require.NotNil(t, conversation.WindowExpiresAt)
	assert.Equal(t, received.Add(24*time.Hour), *conversation.WindowExpiresAt)
	assert.False(t, conversation.AutomationPaused)
	assert.Equal(t, ConversationStatusOpen, conversation.Status)
	assert.False(t, conversation.WindowExpired(received.Add(24*time.Hour)))
	assert.True(t, conversation.WindowExpired(received.Add(24*time.Hour+time.Second)))
}

func TestConversation_RecordUserMessageIgnoresReplays(t *testing.T) {
	t.Parallel()

	latest := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conversation := &Conversation{}

	conversation.RecordUserMessage(latest)
	conversation.RecordUserMessage(latest.Add(-time.Hour))
	conversation.RecordUserMessage(latest)

	require.NotNil(t, conversation.LastUserMessageAt)
	assert.Equal(t, latest, *conversation.LastUserMessageAt)
	assert.Equal(t, latest.Add(24*time.Hour), *conversation.WindowExpiresAt)
}

func TestConversation_PausedFollowsWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fresh := &Conversation{}
	assert.True(t, fresh.WindowExpired(now))
	assert.False(t, fresh.Paused(now))

	fresh.RecordUserMessage(now)
	assert.False(t, fresh.Paused(now.Add(time.Hour)))
	assert.True(t, fresh.Paused(now.Add(25*time.Hour)))
}

func TestConversation_Validation(t *testing.T) {
	t.Parallel()

	validate := validator.New()

	err := validate.Struct(&Conversation{ChannelAccountID: "acct", ExternalUserID: "user", Status: ConversationStatusOpen})
	assert.NoError(t, err)

	err = validate.Struct(&Conversation{ChannelAccountID: "acct", Status: "archived"})
	assert.Error(t, err)
}

func TestDefaultThreadKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "acct:user", DefaultThreadKey("acct", "user"))
}
