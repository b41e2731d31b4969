package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserAutoName(t *testing.T) {
	u, err := NewUser("")
	require.NoError(t, err)
	assert.True(t, u.AutoGenerated)
	assert.Equal(t, AutoNamePrefix+string(u.ID), u.Username)
	assert.Len(t, string(u.ID), 8)
}

func TestNewUserCustomName(t *testing.T) {
	u, err := NewUser("alice")
	require.NoError(t, err)
	assert.False(t, u.AutoGenerated)
	assert.Equal(t, "alice", u.Username)
}

func TestNewUserTooLong(t *testing.T) {
	_, err := NewUser(strings.Repeat("x", MaxUsernameLen+1))
	assert.ErrorIs(t, err, ErrUsernameTooLong)
}

func TestSetUsername(t *testing.T) {
	u, err := NewUser("")
	require.NoError(t, err)

	require.NoError(t, u.SetUsername("alice"))
	assert.False(t, u.AutoGenerated)

	assert.ErrorIs(t, u.SetUsername(""), ErrUsernameEmpty)
	assert.ErrorIs(t, u.SetUsername(strings.Repeat("x", MaxUsernameLen+1)), ErrUsernameTooLong)
}

func TestIsAutoGenerated(t *testing.T) {
	assert.True(t, IsAutoGenerated("User abcd1234"))
	assert.False(t, IsAutoGenerated("alice"))
}
