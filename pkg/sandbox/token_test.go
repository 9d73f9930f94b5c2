package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeTokenRoundTrip(t *testing.T) {
	token, err := MintRuntimeToken("secret", "sb-123", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	id, err := VerifyRuntimeToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "sb-123", id)
}

func TestRuntimeTokenWrongSecret(t *testing.T) {
	token, err := MintRuntimeToken("secret", "sb-123", time.Hour)
	require.NoError(t, err)

	_, err = VerifyRuntimeToken("other", token)
	require.Error(t, err)
}

func TestRuntimeTokenExpired(t *testing.T) {
	token, err := MintRuntimeToken("secret", "sb-123", -time.Minute)
	require.NoError(t, err)

	_, err = VerifyRuntimeToken("secret", token)
	require.Error(t, err)
}

func TestRuntimeTokenEmptySecretDisablesAuth(t *testing.T) {
	token, err := MintRuntimeToken("", "sb-123", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestRuntimeTokenGarbage(t *testing.T) {
	_, err := VerifyRuntimeToken("secret", "not-a-jwt")
	require.Error(t, err)
}
