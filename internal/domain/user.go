// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxUsernameLen = 36

	// AutoNamePrefix marks usernames the server generated for anonymous
	// connections. They are never reserved globally and are reclaimed as
	// soon as their connection dies.
	AutoNamePrefix = "User "
)

var (
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUsernameTooLong = errors.New("username too long")
)

type UserID string

// NewUserID returns a short id; eight chars keep member lists readable
// in logs and client UIs.
func NewUserID() UserID {
	return UserID(uuid.NewString()[:8])
}

type User struct {
	ID            UserID `json:"id"`
	Username      string `json:"username"`
	AutoGenerated bool   `json:"-"`
}

// NewUser builds a user for a fresh connection. An empty username gets
// an auto-generated one derived from the user id.
func NewUser(username string) (*User, error) {
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	id := NewUserID()
	if username == "" {
		return &User{ID: id, Username: AutoNamePrefix + string(id), AutoGenerated: true}, nil
	}
	return &User{ID: id, Username: username, AutoGenerated: IsAutoGenerated(username)}, nil
}

func (u *User) SetUsername(username string) error {
	if username == "" {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	u.AutoGenerated = IsAutoGenerated(username)
	return nil
}

func IsAutoGenerated(username string) bool {
	return strings.HasPrefix(username, AutoNamePrefix)
}

// GlobalUser is the system-wide record enforcing that a username is
// held online by at most one user across all rooms.
type GlobalUser struct {
	Username      string    `gorm:"primaryKey;size:64" json:"username"`
	UserID        string    `gorm:"size:36;index" json:"user_id"`
	RoomID        string    `gorm:"size:64;index" json:"room_id"`
	IsOnline      bool      `gorm:"index" json:"is_online"`
	AutoGenerated bool      `json:"auto_generated"`
	LastSeen      time.Time `gorm:"index" json:"last_seen"`
	RegisteredAt  time.Time `json:"registered_at"`
}
