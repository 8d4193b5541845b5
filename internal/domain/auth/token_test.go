package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	st := NewSessionToken("test-secret")
	signed, err := st.GenerateToken("user-42")
	require.NoError(t, err)

	userID, err := st.VerifyToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestSessionTokenRejects(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	st := NewSessionToken("test-secret").WithTTL(time.Hour).WithClock(func() time.Time { return now })
	signed, err := st.GenerateToken("user-42")
	require.NoError(t, err)

	_, err = NewSessionToken("other-secret").WithClock(func() time.Time { return now }).VerifyToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	later := NewSessionToken("test-secret").WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	_, err = later.VerifyToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = st.VerifyToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewSessionToken("").GenerateToken("user-42")
	assert.ErrorIs(t, err, ErrSessionSecret)

	_, err = st.GenerateToken("")
	assert.Error(t, err)
}
