package core

import (
	"sync"
	"time"

	"github.com/boardsync/boardsync/internal/domain"
)

type ConnID string

type ConnState int

const (
	StateConnecting ConnState = iota
	StateActive
	StateStale
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Sender is the outbound endpoint owned by the transport adapter.
// TrySend must never block; a full queue returns ErrBackpressure.
// Close must not block on the peer either: a close attempt that fails
// still counts as closed, the resource is reclaimed regardless.
type Sender interface {
	TrySend(data []byte) error
	Close(code int, reason string)
}

// Conn is one live realtime session. Owned exclusively by the Registry;
// created on socket accept, destroyed on unregister.
type Conn struct {
	ID       ConnID
	RoomID   domain.RoomID
	UserID   domain.UserID
	JoinedAt time.Time

	mu            sync.Mutex
	username      string
	autoGenerated bool
	state         ConnState
	lastHeartbeat time.Time
	sender        Sender
}

func NewConn(id ConnID, roomID domain.RoomID, user *domain.User, sender Sender, now time.Time) *Conn {
	return &Conn{
		ID:            id,
		RoomID:        roomID,
		UserID:        user.ID,
		JoinedAt:      now,
		username:      user.Username,
		autoGenerated: user.AutoGenerated,
		state:         StateConnecting,
		lastHeartbeat: now,
		sender:        sender,
	}
}

// Username is guarded because renames race with broadcasts.
func (c *Conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Conn) AutoGenerated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoGenerated
}

// Rename swaps the username after presence has approved the new one.
func (c *Conn) Rename(username string, auto bool) {
	c.mu.Lock()
	c.username = username
	c.autoGenerated = auto
	c.mu.Unlock()
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Heartbeat records an inbound heartbeat and revives a stale
// connection.
func (c *Conn) Heartbeat(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	if c.state == StateStale {
		c.state = StateActive
	}
	c.mu.Unlock()
}

func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Conn) TrySend(data []byte) error {
	c.mu.Lock()
	s := c.sender
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed || s == nil {
		return ErrBackpressure
	}
	return s.TrySend(data)
}

// CloseWith shuts the transport down with a protocol close code. Safe
// to call more than once; only the first close reaches the sender.
func (c *Conn) CloseWith(code int, reason string) {
	c.mu.Lock()
	s := c.sender
	alreadyClosed := c.state == StateClosed
	c.state = StateClosed
	c.mu.Unlock()
	if alreadyClosed || s == nil {
		return
	}
	s.Close(code, reason)
}
