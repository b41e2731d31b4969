package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/boardsync/boardsync/internal/domain"
)

type RoomState int

const (
	RoomActive RoomState = iota
	RoomEmpty
	RoomCleaned
)

func (s RoomState) String() string {
	switch s {
	case RoomActive:
		return "active"
	case RoomEmpty:
		return "empty"
	case RoomCleaned:
		return "cleaned"
	}
	return "unknown"
}

type roomEntry struct {
	record   *domain.RoomRecord
	state    RoomState
	strokes  []json.RawMessage
	active   map[string]map[string]any // strokes being drawn right now, by stroke id
	loaded   bool                      // strokes fetched from the store at least once
	deadline time.Time
}

// ScheduledCleanup describes a pending room teardown for the status
// surface.
type ScheduledCleanup struct {
	RoomID    domain.RoomID `json:"room_id"`
	CleanupAt time.Time     `json:"cleanup_at"`
	Remaining float64       `json:"seconds_until_cleanup"`
}

// Lifecycle tracks room occupancy and deferred teardown. Rooms live
// lazily in memory, backed by their durable record; an EMPTY room gets
// a cleanup deadline, any join before the deadline cancels it, and the
// sweep evicts rooms whose deadline elapsed while still empty.
type Lifecycle struct {
	store        DurableStore
	apiTimeout   time.Duration
	cleanupDelay time.Duration

	mu    sync.Mutex
	rooms map[domain.RoomID]*roomEntry
}

func NewLifecycle(store DurableStore, apiTimeout, cleanupDelay time.Duration) *Lifecycle {
	return &Lifecycle{
		store:        store,
		apiTimeout:   apiTimeout,
		cleanupDelay: cleanupDelay,
		rooms:        make(map[domain.RoomID]*roomEntry),
	}
}

// Join brings the room into memory (loading the durable record on
// first touch) and marks it ACTIVE, cancelling any pending teardown.
// The store fetch happens outside the lock; a slow adapter call never
// stalls traffic in other rooms. Rooms are created explicitly over
// REST; joining an unknown room is ErrRoomNotFound.
func (l *Lifecycle) Join(ctx context.Context, roomID domain.RoomID, now time.Time) (*domain.RoomRecord, error) {
	l.mu.Lock()
	if e, ok := l.rooms[roomID]; ok {
		rec := l.activateLocked(roomID, e, now)
		l.mu.Unlock()
		return rec, nil
	}
	l.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, l.apiTimeout)
	defer cancel()
	rec, err := l.store.GetRoom(cctx, roomID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Another join may have loaded the room while we were fetching; its
	// entry is the live one.
	if e, ok := l.rooms[roomID]; ok {
		return l.activateLocked(roomID, e, now), nil
	}
	rec.LastActivity = now
	rec.IsActive = true
	l.rooms[roomID] = &roomEntry{record: rec, state: RoomActive}
	log.Info().Str("module", "core.rooms").Str("room", string(roomID)).Msg("room loaded into memory")
	return rec, nil
}

func (l *Lifecycle) activateLocked(roomID domain.RoomID, e *roomEntry, now time.Time) *domain.RoomRecord {
	if !e.deadline.IsZero() {
		log.Info().Str("module", "core.rooms").Str("room", string(roomID)).Msg("cleanup cancelled, member rejoined")
	}
	e.state = RoomActive
	e.deadline = time.Time{}
	e.record.LastActivity = now
	return e.record
}

// MarkEmpty starts the teardown clock. No data is deleted here; that
// only happens when the deadline elapses with the room still empty.
func (l *Lifecycle) MarkEmpty(roomID domain.RoomID, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rooms[roomID]
	if !ok || e.state != RoomActive {
		return
	}
	e.state = RoomEmpty
	e.deadline = now.Add(l.cleanupDelay)
	log.Info().Str("module", "core.rooms").Str("room", string(roomID)).
		Time("cleanup_at", e.deadline).Msg("room empty, cleanup scheduled")
}

func (l *Lifecycle) State(roomID domain.RoomID) (RoomState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rooms[roomID]
	if !ok {
		return RoomCleaned, false
	}
	return e.state, true
}

// Live reports whether the room is still resident, in any state short
// of CLEANED.
func (l *Lifecycle) Live(roomID domain.RoomID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rooms[roomID]
	return ok
}

func (l *Lifecycle) Touch(roomID domain.RoomID, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.rooms[roomID]; ok {
		e.record.LastActivity = now
	}
}

// AppendStroke adds a draw event to the shared canvas snapshot.
func (l *Lifecycle) AppendStroke(roomID domain.RoomID, stroke json.RawMessage, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rooms[roomID]
	if !ok {
		return
	}
	e.strokes = append(e.strokes, stroke)
	e.record.LastActivity = now
}

// Strokes returns the canvas snapshot, falling back to the durable
// store on the first read after a restart. The store fetch runs outside
// the lock so a slow canvas load never blocks draws, in this room or
// any other. A store failure yields the in-memory snapshot; replay is
// best effort.
func (l *Lifecycle) Strokes(ctx context.Context, roomID domain.RoomID) []json.RawMessage {
	l.mu.Lock()
	e, ok := l.rooms[roomID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	if e.loaded || len(e.strokes) > 0 {
		out := snapshotStrokes(e.strokes)
		l.mu.Unlock()
		return out
	}
	l.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, l.apiTimeout)
	fetched, err := l.store.GetCanvas(cctx, roomID)
	cancel()
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn().Err(err).Str("module", "core.rooms").Str("room", string(roomID)).Msg("canvas load failed")
		fetched = nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok = l.rooms[roomID]
	if !ok {
		// Room evicted while we were loading.
		return snapshotStrokes(fetched)
	}
	if !e.loaded {
		// Draws that raced the load come after the restored snapshot.
		e.strokes = append(fetched, e.strokes...)
		e.loaded = true
	}
	return snapshotStrokes(e.strokes)
}

func snapshotStrokes(strokes []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(strokes))
	copy(out, strokes)
	return out
}

func (l *Lifecycle) ClearStrokes(roomID domain.RoomID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.rooms[roomID]; ok {
		e.strokes = nil
		e.active = nil
		e.loaded = true
	}
}

// BeginStroke registers a stroke being drawn. The payload is the stroke
// object itself and must carry an id; points stream in afterwards.
func (l *Lifecycle) BeginStroke(roomID domain.RoomID, stroke json.RawMessage, now time.Time) (string, bool) {
	var data map[string]any
	if err := json.Unmarshal(stroke, &data); err != nil {
		return "", false
	}
	id, _ := data["id"].(string)
	if id == "" {
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rooms[roomID]
	if !ok {
		return "", false
	}
	if e.active == nil {
		e.active = make(map[string]map[string]any)
	}
	e.active[id] = data
	e.record.LastActivity = now
	return id, true
}

// AddStrokePoint appends a point to an in-progress stroke.
func (l *Lifecycle) AddStrokePoint(roomID domain.RoomID, strokeID string, point json.RawMessage, now time.Time) bool {
	var pt any
	if err := json.Unmarshal(point, &pt); err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rooms[roomID]
	if !ok {
		return false
	}
	stroke, ok := e.active[strokeID]
	if !ok {
		return false
	}
	pts, _ := stroke["points"].([]any)
	stroke["points"] = append(pts, pt)
	e.record.LastActivity = now
	return true
}

// EndStroke folds the completed stroke into the canvas snapshot and
// forgets the in-progress state.
func (l *Lifecycle) EndStroke(roomID domain.RoomID, strokeID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rooms[roomID]
	if !ok {
		return false
	}
	stroke, ok := e.active[strokeID]
	if !ok {
		return false
	}
	delete(e.active, strokeID)
	raw, err := json.Marshal(stroke)
	if err != nil {
		return false
	}
	e.strokes = append(e.strokes, json.RawMessage(raw))
	e.record.LastActivity = now
	return true
}

// SweepExpired evicts rooms whose deadline elapsed while still empty
// and returns their ids for durable teardown. Occupancy is re-checked
// under the lock immediately before eviction, so a join racing the
// sweep always wins: it has already cleared the deadline or repopulated
// the room by the time we look.
func (l *Lifecycle) SweepExpired(now time.Time, occupancy func(domain.RoomID) int) []domain.RoomID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var cleaned []domain.RoomID
	for id, e := range l.rooms {
		if e.state != RoomEmpty || e.deadline.IsZero() || now.Before(e.deadline) {
			continue
		}
		if occupancy(id) > 0 {
			// A member slipped in without going through Join; let the
			// next Join normalize the state instead of deleting data.
			e.state = RoomActive
			e.deadline = time.Time{}
			continue
		}
		e.state = RoomCleaned
		delete(l.rooms, id)
		cleaned = append(cleaned, id)
		log.Info().Str("module", "core.rooms").Str("room", string(id)).Msg("room evicted from memory")
	}
	return cleaned
}

// Evict drops the room from memory unconditionally (admin clean-room).
func (l *Lifecycle) Evict(roomID domain.RoomID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rooms[roomID]; !ok {
		return false
	}
	delete(l.rooms, roomID)
	return true
}

// ScheduledCleanups lists pending teardowns for the status endpoint.
func (l *Lifecycle) ScheduledCleanups(now time.Time) []ScheduledCleanup {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ScheduledCleanup
	for id, e := range l.rooms {
		if e.state != RoomEmpty || e.deadline.IsZero() {
			continue
		}
		remaining := e.deadline.Sub(now).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, ScheduledCleanup{RoomID: id, CleanupAt: e.deadline, Remaining: remaining})
	}
	return out
}
