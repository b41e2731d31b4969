package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/boardsync/boardsync/internal/domain"
)

// roomConns is the per-room member set. It has its own lock so that
// join/leave/broadcast on one room never serialize unrelated rooms.
// The order slice preserves join order; first-registered wins when a
// duplicate username has to be resolved.
type roomConns struct {
	mu    sync.Mutex
	order []ConnID
	conns map[ConnID]*Conn
}

func (rc *roomConns) snapshot() []*Conn {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]*Conn, 0, len(rc.order))
	for _, id := range rc.order {
		out = append(out, rc.conns[id])
	}
	return out
}

// PublishResult reports fan-out delivery and backpressure.
type PublishResult struct {
	Sent    int
	Dropped []*Conn
}

// Registry is the authoritative map of live connections grouped by
// room. The registry lock guards the maps themselves; member-set
// mutations happen under the room's own lock, taken after the registry
// lock whenever both are needed.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnID]*Conn
	rooms map[domain.RoomID]*roomConns
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[ConnID]*Conn),
		rooms: make(map[domain.RoomID]*roomConns),
	}
}

// Register adds the connection to its room. A connection id that is
// already present is rejected and the existing connection is left
// untouched. The registry lock stays held while the member set is
// updated: releasing it first would let a last-member Unregister tear
// the roomConns out of the rooms map between the two steps, leaving the
// connection invisible to Members and Broadcast. Lock order is always
// registry then room, so holding both here cannot deadlock.
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; ok {
		r.mu.Unlock()
		return ErrDuplicateConnection
	}
	r.conns[c.ID] = c
	rc, ok := r.rooms[c.RoomID]
	if !ok {
		rc = &roomConns{conns: make(map[ConnID]*Conn)}
		r.rooms[c.RoomID] = rc
	}
	rc.mu.Lock()
	rc.conns[c.ID] = c
	rc.order = append(rc.order, c.ID)
	rc.mu.Unlock()
	r.mu.Unlock()

	c.setState(StateActive)
	log.Debug().Str("module", "core.registry").Str("conn", string(c.ID)).
		Str("room", string(c.RoomID)).Str("user", string(c.UserID)).Msg("connection registered")
	return nil
}

// Unregister removes the connection and reports how many members its
// room still has. The bool result is false when the id was unknown.
func (r *Registry) Unregister(id ConnID) (*Conn, int, bool) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil, 0, false
	}
	delete(r.conns, id)
	rc := r.rooms[c.RoomID]
	r.mu.Unlock()

	remaining := 0
	if rc != nil {
		rc.mu.Lock()
		delete(rc.conns, id)
		for i, cid := range rc.order {
			if cid == id {
				rc.order = append(rc.order[:i], rc.order[i+1:]...)
				break
			}
		}
		remaining = len(rc.conns)
		rc.mu.Unlock()

		if remaining == 0 {
			r.mu.Lock()
			if cur, ok := r.rooms[c.RoomID]; ok {
				cur.mu.Lock()
				if len(cur.conns) == 0 {
					delete(r.rooms, c.RoomID)
				}
				cur.mu.Unlock()
			}
			r.mu.Unlock()
		}
	}

	c.setState(StateClosed)
	log.Debug().Str("module", "core.registry").Str("conn", string(id)).
		Str("room", string(c.RoomID)).Int("remaining", remaining).Msg("connection unregistered")
	return c, remaining, true
}

func (r *Registry) Get(id ConnID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Members returns the room's connection ids in join order.
func (r *Registry) Members(roomID domain.RoomID) []ConnID {
	rc := r.room(roomID)
	if rc == nil {
		return nil
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]ConnID, len(rc.order))
	copy(out, rc.order)
	return out
}

func (r *Registry) MemberConns(roomID domain.RoomID) []*Conn {
	rc := r.room(roomID)
	if rc == nil {
		return nil
	}
	return rc.snapshot()
}

func (r *Registry) MemberCount(roomID domain.RoomID) int {
	rc := r.room(roomID)
	if rc == nil {
		return 0
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.conns)
}

func (r *Registry) room(roomID domain.RoomID) *roomConns {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// Rooms lists the room ids that currently hold live connections.
func (r *Registry) Rooms() []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	return out
}

// Conns snapshots every live connection, for sweeps.
func (r *Registry) Conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// HoldsUser reports whether any live connection belongs to the user.
func (r *Registry) HoldsUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if string(c.UserID) == userID {
			return true
		}
	}
	return false
}

// UsernameHolder returns the oldest live connection in the room
// carrying the username, if any.
func (r *Registry) UsernameHolder(roomID domain.RoomID, username string) (*Conn, bool) {
	rc := r.room(roomID)
	if rc == nil {
		return nil, false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, id := range rc.order {
		if c := rc.conns[id]; c != nil && c.Username() == username {
			return c, true
		}
	}
	return nil, false
}

// DuplicateUsernames returns, for each username held by more than one
// connection in the room, every holder but the first-registered one.
// Recovery path for races and crashes; normally empty.
func (r *Registry) DuplicateUsernames(roomID domain.RoomID) []*Conn {
	rc := r.room(roomID)
	if rc == nil {
		return nil
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	seen := make(map[string]bool, len(rc.order))
	var dups []*Conn
	for _, id := range rc.order {
		c := rc.conns[id]
		if c == nil {
			continue
		}
		name := c.Username()
		if seen[name] {
			dups = append(dups, c)
			continue
		}
		seen[name] = true
	}
	return dups
}

// Broadcast delivers the event to every member of the room except the
// excluded connection. Delivery is a non-blocking enqueue per member;
// members whose queue is full come back in Dropped and it is the
// caller's job to force-close them. A drop never fails the broadcast.
func (r *Registry) Broadcast(roomID domain.RoomID, data []byte, exclude ConnID) PublishResult {
	rc := r.room(roomID)
	if rc == nil {
		return PublishResult{}
	}
	res := PublishResult{}
	for _, c := range rc.snapshot() {
		if c.ID == exclude {
			continue
		}
		if err := c.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, c)
			continue
		}
		res.Sent++
	}
	if len(res.Dropped) > 0 {
		log.Warn().Str("module", "core.registry").Str("room", string(roomID)).
			Int("sent", res.Sent).Int("dropped", len(res.Dropped)).Msg("broadcast dropped slow members")
	}
	return res
}
