package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	svc := NewTokenService("s3cret", "chat-relay", time.Hour)

	token, err := svc.Issue(Identity{ID: "u1", Username: "alice"})
	require.NoError(t, err)

	id, err := svc.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "u1", Username: "alice"}, id)
}

func TestVerifyRejects(t *testing.T) {
	svc := NewTokenService("s3cret", "chat-relay", time.Hour)
	other := NewTokenService("other", "chat-relay", time.Hour)
	foreign, err := other.Issue(Identity{ID: "u1"})
	require.NoError(t, err)

	_, err = svc.Verify("")
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = svc.Verify("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Verify(foreign)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpired(t *testing.T) {
	svc := NewTokenService("s3cret", "", time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := svc.Issue(Identity{ID: "u1"})
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueRequiresID(t *testing.T) {
	_, err := NewTokenService("s3cret", "", 0).Issue(Identity{Username: "x"})
	require.Error(t, err)
}
