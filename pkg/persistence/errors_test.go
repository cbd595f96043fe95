package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("execution error unwraps to sentinel", func(t *testing.T) {
		err := persistence.NewExecutionError("Commit", "exec-123", persistence.ErrClaimLost)

		assert.True(t, persistence.IsClaimLost(err))
		assert.True(t, errors.Is(err, persistence.ErrClaimLost))
		assert.False(t, persistence.IsExecutionFinished(err))
	})

	t.Run("execution error contains context", func(t *testing.T) {
		err := persistence.NewExecutionError("Cancel", "exec-123", persistence.ErrExecutionFinished)

		assert.Contains(t, err.Error(), "Cancel")
		assert.Contains(t, err.Error(), "exec-123")
		assert.Contains(t, err.Error(), "execution already finished")
	})

	t.Run("message error unwraps to sentinel", func(t *testing.T) {
		err := persistence.NewMessageError("MarkSent", "msg-1", persistence.ErrMessageNotQueued)

		assert.True(t, persistence.IsMessageNotQueued(err))
		assert.Contains(t, err.Error(), "msg-1")
	})

	t.Run("not found covers every entity", func(t *testing.T) {
		for _, sentinel := range []error{
			persistence.ErrAccountNotFound,
			persistence.ErrConversationNotFound,
			persistence.ErrContactNotFound,
			persistence.ErrTriggerNotFound,
			persistence.ErrFlowNotFound,
			persistence.ErrExecutionNotFound,
			persistence.ErrEventNotFound,
			persistence.ErrMessageNotFound,
		} {
			assert.True(t, persistence.IsNotFound(fmt.Errorf("wrapped: %w", sentinel)), sentinel.Error())
		}

		assert.False(t, persistence.IsNotFound(persistence.ErrClaimLost))
	})

	t.Run("account not found helper", func(t *testing.T) {
		assert.True(t, persistence.IsAccountNotFound(fmt.Errorf("lookup: %w", persistence.ErrAccountNotFound)))
		assert.False(t, persistence.IsAccountNotFound(nil))
	})
}
