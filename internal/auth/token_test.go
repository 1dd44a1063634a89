package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stridefit/coachlink/internal/config"
)

func TestMintParseRoundTrip(t *testing.T) {
	restore := config.SetJWTSecret([]byte("round-trip-secret"))
	defer restore()

	token, err := Mint("user-42")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserID)
	assert.NotEmpty(t, claims.SessionID)
	assert.Equal(t, claims.SessionID, claims.ID)
}

func TestMintWithoutUserID(t *testing.T) {
	restore := config.SetJWTSecret([]byte("round-trip-secret"))
	defer restore()

	token, err := Mint("")
	require.NoError(t, err)

	claims, err := Parse(token)
	require.NoError(t, err)
	assert.Empty(t, claims.UserID)
	assert.NotEmpty(t, claims.SessionID)
}

func TestParseRejectsGarbage(t *testing.T) {
	restore := config.SetJWTSecret([]byte("round-trip-secret"))
	defer restore()

	_, err := Parse("not-a-token")
	assert.Error(t, err)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	restore := config.SetJWTSecret([]byte("first-secret"))
	token, err := Mint("user-42")
	require.NoError(t, err)
	restore()

	restore = config.SetJWTSecret([]byte("second-secret"))
	defer restore()

	_, err = Parse(token)
	assert.Error(t, err)
}
