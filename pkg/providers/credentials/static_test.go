package credentials_test

import (
	"context"
	"testing"

	"github.com/dukex/dmflow/pkg/providers/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	source, err := credentials.Parse("acct-1=tok-1, acct-2=tok-2")
	require.NoError(t, err)

	token, err := source.AccessToken(context.Background(), "acct-2")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)

	_, err = source.AccessToken(context.Background(), "acct-3")
	assert.ErrorIs(t, err, credentials.ErrNoToken)
}

func TestParse_Fallback(t *testing.T) {
	t.Parallel()

	source, err := credentials.Parse("shared-token,acct-1=tok-1")
	require.NoError(t, err)

	token, err := source.AccessToken(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "shared-token", token)
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	_, err := credentials.Parse("acct-1=")
	assert.Error(t, err)
}
