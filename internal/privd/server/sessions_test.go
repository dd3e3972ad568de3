package server

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "privd/pkg/errors"
)

func TestSessions_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewSessions(time.Minute, 4)
	s.now = func() time.Time { return now }

	token, expires := s.Issue()
	assert.Equal(t, now.Add(time.Minute), expires)
	assert.True(t, s.Valid(token))
	assert.False(t, s.Valid("not-a-token"))
	assert.False(t, s.Valid(""))

	now = now.Add(time.Minute)
	assert.False(t, s.Valid(token), "token must expire at its deadline")
	assert.Equal(t, 0, s.Len())
}

func TestSessions_EvictsClosestToExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewSessions(time.Hour, 2)
	s.now = func() time.Time { return now }

	first, _ := s.Issue()
	now = now.Add(time.Second)
	second, _ := s.Issue()
	now = now.Add(time.Second)
	third, _ := s.Issue()

	assert.False(t, s.Valid(first))
	assert.True(t, s.Valid(second))
	assert.True(t, s.Valid(third))
	assert.Equal(t, 2, s.Len())

	s.Revoke(second)
	assert.False(t, s.Valid(second))
}

func TestAuthenticator(t *testing.T) {
	a := NewAuthenticator("secret", NewSessions(time.Hour, 4), 3)
	require.True(t, a.Enabled())

	_, _, err := a.Authenticate("Secret")
	assert.True(t, errors.Is(err, perrors.ErrUnauthenticated))

	token, _, err := a.Authenticate("secret")
	require.NoError(t, err)
	assert.NoError(t, a.Check(token))
	assert.True(t, errors.Is(a.Check(""), perrors.ErrUnauthenticated))
	assert.True(t, errors.Is(a.Check("forged"), perrors.ErrUnauthenticated))

	_, _, err = a.Authenticate("secret")
	assert.NoError(t, err)

	// burst of three is spent, the right key is refused too
	_, _, err = a.Authenticate("secret")
	assert.True(t, errors.Is(err, errTooManyAttempts))
}

func TestAuthenticator_Disabled(t *testing.T) {
	a := NewAuthenticator("", NewSessions(time.Hour, 1), 1)

	assert.False(t, a.Enabled())
	assert.NoError(t, a.Check(""))
	for i := 0; i < 5; i++ {
		token, _, err := a.Authenticate("")
		require.NoError(t, err)
		assert.Empty(t, token)
	}
}
