package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/boardsync/boardsync/internal/domain"
)

type dirtyOp int

const (
	dirtyUpsert dirtyOp = iota
	dirtyDelete
)

// Presence enforces global username uniqueness. The in-memory map is
// the live truth; the durable store backs it across restarts. All
// check-then-act sequences run inside one critical section, so two
// concurrent reserves for the same name can never both win. Store I/O
// never happens under the lock: records are fetched before the
// critical section and re-checked inside it, and writes go out after.
//
// Store writes on the live path are best effort: a failed write leaves
// memory authoritative and is retried from the dirty set on the next
// cleanup tick.
type Presence struct {
	store      DurableStore
	apiTimeout time.Duration
	staleHold  time.Duration

	mu    sync.Mutex
	users map[string]*domain.GlobalUser
	dirty map[string]dirtyOp
}

func NewPresence(store DurableStore, apiTimeout, staleHold time.Duration) *Presence {
	return &Presence{
		store:      store,
		apiTimeout: apiTimeout,
		staleHold:  staleHold,
		users:      make(map[string]*domain.GlobalUser),
		dirty:      make(map[string]dirtyOp),
	}
}

// CheckAvailable reports whether the username could be reserved right
// now by the given user (empty userID means a brand-new user).
func (p *Presence) CheckAvailable(ctx context.Context, username, userID string) bool {
	p.hydrate(ctx, username)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked(p.users[username], userID, time.Now())
}

// Reserve claims the username for the user. Auto-generated names are
// tracked in memory only; they are never written to the store and are
// dropped the moment their connection dies.
func (p *Presence) Reserve(ctx context.Context, username, userID string, roomID domain.RoomID, auto bool, now time.Time) error {
	p.hydrate(ctx, username)

	p.mu.Lock()
	existing := p.users[username]
	if !p.availableLocked(existing, userID, now) {
		p.mu.Unlock()
		return ErrUsernameTaken
	}

	u := &domain.GlobalUser{
		Username:      username,
		UserID:        userID,
		RoomID:        string(roomID),
		IsOnline:      true,
		AutoGenerated: auto,
		LastSeen:      now,
		RegisteredAt:  now,
	}
	if existing != nil {
		u.RegisteredAt = existing.RegisteredAt
	}
	p.users[username] = u
	cp := *u
	p.mu.Unlock()

	if !auto {
		p.persist(ctx, &cp)
	}
	log.Info().Str("module", "core.presence").Str("username", username).
		Str("user", userID).Str("room", string(roomID)).Bool("auto", auto).Msg("username reserved")
	return nil
}

// Touch refreshes last_seen. The store write is deferred to the dirty
// flush so heartbeats never hit the adapter.
func (p *Presence) Touch(username string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[username]
	if !ok {
		return
	}
	u.LastSeen = now
	if !u.AutoGenerated {
		p.dirty[username] = dirtyUpsert
	}
}

// MarkOffline keeps the record but flips it offline, starting the
// stale hold for custom usernames.
func (p *Presence) MarkOffline(ctx context.Context, username string, now time.Time) {
	p.mu.Lock()
	u, ok := p.users[username]
	if !ok {
		p.mu.Unlock()
		return
	}
	u.IsOnline = false
	u.LastSeen = now
	custom := !u.AutoGenerated
	cp := *u
	p.mu.Unlock()

	if custom {
		p.persist(ctx, &cp)
	}
	log.Info().Str("module", "core.presence").Str("username", username).Msg("username marked offline")
}

// Release deletes the record outright. Used for auto-generated names on
// disconnect and for custom names whose hold expired.
func (p *Presence) Release(ctx context.Context, username string) {
	p.mu.Lock()
	needsStore := p.releaseLocked(username)
	p.mu.Unlock()
	if needsStore {
		p.flushDelete(ctx, username)
	}
	log.Info().Str("module", "core.presence").Str("username", username).Msg("username released")
}

// releaseLocked drops the record from memory and queues the store
// delete. Auto names were never written, so they need no store work.
// The return says whether a store delete is pending.
func (p *Presence) releaseLocked(username string) bool {
	u, ok := p.users[username]
	delete(p.users, username)
	if ok && u.AutoGenerated {
		delete(p.dirty, username)
		return false
	}
	p.dirty[username] = dirtyDelete
	return true
}

// persist writes the record through to the store, queueing it on the
// dirty set when the write fails so the cleanup tick retries it.
func (p *Presence) persist(ctx context.Context, u *domain.GlobalUser) {
	cctx, cancel := context.WithTimeout(ctx, p.apiTimeout)
	defer cancel()
	if err := p.store.UpsertUser(cctx, u); err != nil {
		p.mu.Lock()
		// A delete queued meanwhile outranks the stale write.
		if p.dirty[u.Username] != dirtyDelete {
			p.dirty[u.Username] = dirtyUpsert
		}
		p.mu.Unlock()
		log.Warn().Err(err).Str("module", "core.presence").Str("username", u.Username).Msg("store write failed, queued for retry")
		return
	}
	p.mu.Lock()
	if op, ok := p.dirty[u.Username]; ok && op == dirtyUpsert {
		delete(p.dirty, u.Username)
	}
	p.mu.Unlock()
}

// flushDelete performs one queued store delete. "Already gone" counts
// as success; a transport failure keeps the entry queued for the next
// flush.
func (p *Presence) flushDelete(ctx context.Context, username string) {
	cctx, cancel := context.WithTimeout(ctx, p.apiTimeout)
	defer cancel()
	if err := p.store.DeleteUser(cctx, username); err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn().Err(err).Str("module", "core.presence").Str("username", username).Msg("store delete failed, queued for retry")
		return
	}
	p.mu.Lock()
	if op, ok := p.dirty[username]; ok && op == dirtyDelete {
		delete(p.dirty, username)
	}
	p.mu.Unlock()
}

// Sweep is the user cleanup layer over the in-memory map: offline
// records past the stale hold are released, and records still online in
// a room that no longer lives past the stuck timeout are released too.
// Store deletes are queued on the dirty set; the caller flushes them
// after the sweep.
func (p *Presence) Sweep(now time.Time, stuckTimeout time.Duration, roomLive func(domain.RoomID) bool) (released, stuck int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, u := range p.users {
		switch {
		case !u.IsOnline && now.Sub(u.LastSeen) >= p.staleHold:
			p.releaseLocked(name)
			released++
		case u.IsOnline && !roomLive(domain.RoomID(u.RoomID)) && now.Sub(u.LastSeen) >= stuckTimeout:
			p.releaseLocked(name)
			stuck++
		}
	}
	return released, stuck
}

// FlushDirty retries the store writes that failed on the live path. The
// batch is snapshotted first so no store call runs under the lock.
func (p *Presence) FlushDirty(ctx context.Context) {
	p.mu.Lock()
	batch := make(map[string]dirtyOp, len(p.dirty))
	records := make(map[string]domain.GlobalUser)
	for name, op := range p.dirty {
		if op == dirtyUpsert {
			u, ok := p.users[name]
			if !ok {
				// Released since the write was queued, nothing to flush.
				delete(p.dirty, name)
				continue
			}
			records[name] = *u
		}
		batch[name] = op
	}
	p.mu.Unlock()

	for name, op := range batch {
		switch op {
		case dirtyUpsert:
			u := records[name]
			p.persist(ctx, &u)
		case dirtyDelete:
			p.flushDelete(ctx, name)
		}
	}
}

// Snapshot returns every tracked user, sorted by name for stable API
// output.
func (p *Presence) Snapshot() []domain.GlobalUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.GlobalUser, 0, len(p.users))
	for _, u := range p.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (p *Presence) Online(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[username]
	return ok && u.IsOnline
}

// hydrate pulls the record into memory from the store when memory has
// never seen it, fetching outside the lock. A store failure degrades to
// memory-only truth rather than blocking the live path. When the fetch
// races another writer, whatever is in memory by re-check time wins.
func (p *Presence) hydrate(ctx context.Context, username string) {
	p.mu.Lock()
	_, ok := p.users[username]
	pendingDelete := p.dirty[username] == dirtyDelete
	p.mu.Unlock()
	if ok || pendingDelete {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, p.apiTimeout)
	defer cancel()
	u, err := p.store.GetUser(cctx, username)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("module", "core.presence").Str("username", username).Msg("store lookup failed, using memory only")
		}
		return
	}

	p.mu.Lock()
	if _, ok := p.users[username]; !ok && p.dirty[username] != dirtyDelete {
		p.users[username] = u
	}
	p.mu.Unlock()
}

// availableLocked is the single uniqueness rule: an online record held
// by someone else always blocks, and an offline custom name stays held
// for its owner until the stale hold elapses.
func (p *Presence) availableLocked(u *domain.GlobalUser, userID string, now time.Time) bool {
	if u == nil {
		return true
	}
	if u.UserID == userID && userID != "" {
		return true
	}
	if u.IsOnline {
		return false
	}
	if !u.AutoGenerated && now.Sub(u.LastSeen) < p.staleHold {
		return false
	}
	return true
}
