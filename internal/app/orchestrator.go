// Package app wires the core state machines together: the orchestrator
// drives the realtime session flow, the cleaner drives the layered
// background sweeps.
package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/boardsync/boardsync/internal/core"
	"github.com/boardsync/boardsync/internal/domain"
)

// closeTryAgainLater is the standard close code for a member whose send
// queue overflowed; the client is expected to reconnect.
const closeTryAgainLater = 1013

// Orchestrator coordinates a session across the registry, presence,
// room lifecycle and the durable store. The store is best effort on the
// live path: a failed write degrades to memory-only truth and is
// retried on the cleanup tick.
type Orchestrator struct {
	reg      *core.Registry
	presence *core.Presence
	rooms    *core.Lifecycle
	dedupe   *core.ChatDeduper

	store        core.DurableStore
	apiTimeout   time.Duration
	messageLimit int

	mu          sync.Mutex
	pendingMsgs []*domain.ChatMessage
	dirtyCanvas map[domain.RoomID]bool
}

func NewOrchestrator(reg *core.Registry, presence *core.Presence, rooms *core.Lifecycle,
	dedupe *core.ChatDeduper, store core.DurableStore, apiTimeout time.Duration, messageLimit int) *Orchestrator {
	return &Orchestrator{
		reg:          reg,
		presence:     presence,
		rooms:        rooms,
		dedupe:       dedupe,
		store:        store,
		apiTimeout:   apiTimeout,
		messageLimit: messageLimit,
		dirtyCanvas:  make(map[domain.RoomID]bool),
	}
}

// Connect runs the full join flow: room lookup, username reservation,
// registration, then the welcome traffic (membership snapshot and
// canvas replay to the newcomer, join announcement to the room).
//
// A live connection already holding the requested username in the room
// is treated as a ghost of the same person and superseded: it is closed
// with CloseDuplicateUser before the new reservation is attempted.
func (o *Orchestrator) Connect(ctx context.Context, roomID domain.RoomID, username string, sender core.Sender) (*core.Conn, error) {
	now := time.Now().UTC()

	user, err := domain.NewUser(username)
	if err != nil {
		return nil, err
	}

	if old, ok := o.reg.UsernameHolder(roomID, user.Username); ok {
		log.Info().Str("module", "app.orchestrator").Str("room", string(roomID)).
			Str("username", user.Username).Str("old_conn", string(old.ID)).Msg("superseding ghost connection")
		old.CloseWith(core.CloseDuplicateUser, "duplicate user: connection superseded")
		o.Disconnect(ctx, old.ID)
		// The offline hold protects the name for its previous owner;
		// the newcomer claiming it in the same room takes it over.
		o.presence.Release(ctx, user.Username)
	}

	if _, err := o.rooms.Join(ctx, roomID, now); err != nil {
		return nil, err
	}

	if err := o.presence.Reserve(ctx, user.Username, string(user.ID), roomID, user.AutoGenerated, now); err != nil {
		if o.reg.MemberCount(roomID) == 0 {
			o.rooms.MarkEmpty(roomID, now)
		}
		return nil, err
	}

	conn := core.NewConn(core.ConnID(uuid.NewString()), roomID, user, sender, now)
	if err := o.reg.Register(conn); err != nil {
		o.presence.Release(ctx, user.Username)
		return nil, err
	}

	o.rooms.Touch(roomID, now)
	o.persistRoom(ctx, roomID, now)

	o.sendTo(conn, domain.NewEvent(domain.EventRoomInfo, roomID, o.roomInfo(roomID)))
	o.sendTo(conn, domain.NewEvent(domain.EventCanvasState, roomID,
		domain.CanvasPayload{Strokes: o.rooms.Strokes(ctx, roomID)}))
	o.broadcast(roomID, domain.NewEvent(domain.EventUserJoined, roomID,
		domain.PresencePayload{UserID: string(user.ID), Username: user.Username}), conn.ID)
	o.broadcast(roomID, domain.NewEvent(domain.EventRoomInfo, roomID, o.roomInfo(roomID)), conn.ID)

	log.Info().Str("module", "app.orchestrator").Str("conn", string(conn.ID)).
		Str("room", string(roomID)).Str("username", user.Username).Msg("member connected")
	return conn, nil
}

// Disconnect tears the session down: unregister, presence release (auto
// names) or offline hold (custom names), leave announcement, and the
// teardown clock when the room just emptied.
func (o *Orchestrator) Disconnect(ctx context.Context, id core.ConnID) {
	now := time.Now().UTC()
	c, remaining, ok := o.reg.Unregister(id)
	if !ok {
		return
	}

	// When a duplicate kick removed this connection but another one in
	// the room still carries the name, the presence record stays as is.
	if _, stillHeld := o.reg.UsernameHolder(c.RoomID, c.Username()); !stillHeld {
		if c.AutoGenerated() {
			o.presence.Release(ctx, c.Username())
		} else {
			o.presence.MarkOffline(ctx, c.Username(), now)
		}
	}

	if remaining > 0 {
		o.broadcast(c.RoomID, domain.NewEvent(domain.EventUserLeft, c.RoomID,
			domain.PresencePayload{UserID: string(c.UserID), Username: c.Username()}), c.ID)
		o.broadcast(c.RoomID, domain.NewEvent(domain.EventRoomInfo, c.RoomID, o.roomInfo(c.RoomID)), c.ID)
	} else {
		o.persistCanvas(ctx, c.RoomID)
		o.rooms.MarkEmpty(c.RoomID, now)
	}
	o.persistRoom(ctx, c.RoomID, now)

	log.Info().Str("module", "app.orchestrator").Str("conn", string(id)).
		Str("room", string(c.RoomID)).Str("username", c.Username()).
		Int("remaining", remaining).Msg("member disconnected")
}

// HandleEvent routes one inbound frame. Malformed or unknown frames are
// logged and dropped; they never kill the connection.
func (o *Orchestrator) HandleEvent(ctx context.Context, id core.ConnID, raw []byte) {
	c, ok := o.reg.Get(id)
	if !ok {
		return
	}
	env, err := domain.ParseEnvelope(raw)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orchestrator").Str("conn", string(id)).Msg("malformed event dropped")
		o.sendTo(c, domain.NewEvent(domain.EventError, c.RoomID, map[string]string{"error": "malformed event"}))
		return
	}

	now := time.Now().UTC()
	switch env.Type {
	case domain.EventHeartbeat:
		c.Heartbeat(now)
		o.presence.Touch(c.Username(), now)
		o.rooms.Touch(c.RoomID, now)
		o.sendTo(c, domain.NewEvent(domain.EventHeartbeatAck, c.RoomID, nil))

	case domain.EventDraw:
		o.rooms.AppendStroke(c.RoomID, env.Payload, now)
		out := domain.NewEvent(domain.EventDraw, c.RoomID, nil)
		out.Payload = env.Payload
		out.UserID = string(c.UserID)
		out.Username = c.Username()
		o.broadcast(c.RoomID, out, c.ID)

	case domain.EventStrokeStart:
		if _, ok := o.rooms.BeginStroke(c.RoomID, env.Payload, now); !ok {
			log.Debug().Str("module", "app.orchestrator").Str("conn", string(id)).Msg("stroke start without id dropped")
			return
		}
		out := domain.NewEvent(domain.EventStrokeStart, c.RoomID, nil)
		out.Payload = env.Payload
		out.UserID = string(c.UserID)
		out.Username = c.Username()
		o.broadcast(c.RoomID, out, c.ID)

	case domain.EventStrokePoint:
		var p domain.StrokePointPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.StrokeID == "" {
			return
		}
		if !o.rooms.AddStrokePoint(c.RoomID, p.StrokeID, p.Point, now) {
			return
		}
		out := domain.NewEvent(domain.EventStrokePoint, c.RoomID, p)
		out.UserID = string(c.UserID)
		out.Username = c.Username()
		o.broadcast(c.RoomID, out, c.ID)

	case domain.EventStrokeEnd:
		var p domain.StrokeEndPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.StrokeID == "" {
			return
		}
		if !o.rooms.EndStroke(c.RoomID, p.StrokeID, now) {
			return
		}
		o.persistCanvas(ctx, c.RoomID)
		out := domain.NewEvent(domain.EventStrokeEnd, c.RoomID, p)
		out.UserID = string(c.UserID)
		out.Username = c.Username()
		o.broadcast(c.RoomID, out, c.ID)

	case domain.EventClear:
		o.rooms.ClearStrokes(c.RoomID)
		o.persistCanvas(ctx, c.RoomID)
		o.broadcast(c.RoomID, domain.NewEvent(domain.EventClear, c.RoomID, nil), c.ID)

	case domain.EventChat, domain.EventFile:
		o.handleChat(ctx, c, env, now)

	case domain.EventRename:
		o.handleRename(ctx, c, env, now)

	case domain.EventLeave:
		c.CloseWith(1000, "leaving")
		o.Disconnect(ctx, c.ID)

	case domain.EventJoin:
		// Join is implicit in the socket handshake; a repeat is treated
		// as liveness.
		c.Heartbeat(now)

	default:
		log.Debug().Str("module", "app.orchestrator").Str("conn", string(id)).
			Str("type", string(env.Type)).Msg("unknown event type dropped")
	}
}

func (o *Orchestrator) handleChat(ctx context.Context, c *core.Conn, env *domain.Envelope, now time.Time) {
	var p domain.ChatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "app.orchestrator").Str("conn", string(c.ID)).Msg("malformed chat payload dropped")
		return
	}
	if p.Message == "" && p.FileURL == "" {
		return
	}
	if o.dedupe.Duplicate(string(c.UserID), p.Message+"\x00"+p.FileURL, now) {
		log.Debug().Str("module", "app.orchestrator").Str("conn", string(c.ID)).Msg("duplicate chat suppressed")
		return
	}

	msg := &domain.ChatMessage{
		ID:       uuid.NewString(),
		RoomID:   c.RoomID,
		UserID:   string(c.UserID),
		Username: c.Username(),
		Body:     p.Message,
		FileURL:  p.FileURL,
		FileName: p.FileName,
		FileType: p.FileType,
		SentAt:   now,
	}
	cctx, cancel := context.WithTimeout(ctx, o.apiTimeout)
	err := o.store.AppendMessage(cctx, msg)
	cancel()
	if err != nil {
		o.mu.Lock()
		o.pendingMsgs = append(o.pendingMsgs, msg)
		o.mu.Unlock()
		log.Warn().Err(err).Str("module", "app.orchestrator").Str("room", string(c.RoomID)).Msg("message write failed, queued for retry")
	}

	out := domain.NewEvent(env.Type, c.RoomID, p)
	out.UserID = string(c.UserID)
	out.Username = c.Username()
	o.broadcast(c.RoomID, out, "")
	o.rooms.Touch(c.RoomID, now)
}

func (o *Orchestrator) handleRename(ctx context.Context, c *core.Conn, env *domain.Envelope, now time.Time) {
	var p domain.RenamePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.NewName == "" {
		o.sendTo(c, domain.NewEvent(domain.EventError, c.RoomID, map[string]string{"error": "invalid name"}))
		return
	}
	if len(p.NewName) > domain.MaxUsernameLen {
		o.sendTo(c, domain.NewEvent(domain.EventError, c.RoomID, map[string]string{"error": "name too long"}))
		return
	}
	oldName := c.Username()
	if p.NewName == oldName {
		return
	}

	auto := domain.IsAutoGenerated(p.NewName)
	if err := o.presence.Reserve(ctx, p.NewName, string(c.UserID), c.RoomID, auto, now); err != nil {
		o.sendTo(c, domain.NewEvent(domain.EventError, c.RoomID, map[string]string{"error": "username taken"}))
		return
	}
	o.presence.Release(ctx, oldName)
	c.Rename(p.NewName, auto)

	o.broadcast(c.RoomID, domain.NewEvent(domain.EventNameChange, c.RoomID,
		domain.PresencePayload{UserID: string(c.UserID), Username: p.NewName, OldName: oldName}), "")
	o.broadcast(c.RoomID, domain.NewEvent(domain.EventRoomInfo, c.RoomID, o.roomInfo(c.RoomID)), "")
	log.Info().Str("module", "app.orchestrator").Str("conn", string(c.ID)).
		Str("old", oldName).Str("new", p.NewName).Msg("member renamed")
}

// FlushPending retries live-path writes that failed, called from the
// cleanup tick.
func (o *Orchestrator) FlushPending(ctx context.Context) {
	o.mu.Lock()
	msgs := o.pendingMsgs
	o.pendingMsgs = nil
	canvases := o.dirtyCanvas
	o.dirtyCanvas = make(map[domain.RoomID]bool)
	o.mu.Unlock()

	for _, msg := range msgs {
		cctx, cancel := context.WithTimeout(ctx, o.apiTimeout)
		err := o.store.AppendMessage(cctx, msg)
		cancel()
		if err != nil {
			o.mu.Lock()
			o.pendingMsgs = append(o.pendingMsgs, msg)
			o.mu.Unlock()
		}
	}
	for roomID := range canvases {
		o.persistCanvas(ctx, roomID)
	}
	o.presence.FlushDirty(ctx)
}

// broadcast fans the event out and force-closes members whose queue
// overflowed, then runs their disconnect path.
func (o *Orchestrator) broadcast(roomID domain.RoomID, env *domain.Envelope, exclude core.ConnID) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	res := o.reg.Broadcast(roomID, data, exclude)
	for _, slow := range res.Dropped {
		slow.CloseWith(closeTryAgainLater, "send queue overflow")
		o.Disconnect(context.Background(), slow.ID)
	}
}

func (o *Orchestrator) sendTo(c *core.Conn, env *domain.Envelope) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	if err := c.TrySend(data); err != nil {
		c.CloseWith(closeTryAgainLater, "send queue overflow")
		o.Disconnect(context.Background(), c.ID)
	}
}

func (o *Orchestrator) roomInfo(roomID domain.RoomID) domain.RoomInfoPayload {
	conns := o.reg.MemberConns(roomID)
	users := make([]domain.MemberInfo, 0, len(conns))
	for _, c := range conns {
		users = append(users, domain.MemberInfo{ID: string(c.UserID), Username: c.Username()})
	}
	return domain.RoomInfoPayload{RoomID: roomID, Users: users, Count: len(users)}
}

// persistRoom writes the room record through, best effort.
func (o *Orchestrator) persistRoom(ctx context.Context, roomID domain.RoomID, now time.Time) {
	cctx, cancel := context.WithTimeout(ctx, o.apiTimeout)
	defer cancel()
	rec, err := o.store.GetRoom(cctx, roomID)
	if err != nil {
		log.Debug().Err(err).Str("module", "app.orchestrator").Str("room", string(roomID)).Msg("room record read failed")
		return
	}
	rec.LastActivity = now
	rec.UserCount = o.reg.MemberCount(roomID)
	rec.IsActive = rec.UserCount > 0
	if err := o.store.UpsertRoom(cctx, rec); err != nil {
		log.Warn().Err(err).Str("module", "app.orchestrator").Str("room", string(roomID)).Msg("room record write failed")
	}
}

// persistCanvas snapshots the canvas to the store, marking it dirty for
// retry when the write fails.
func (o *Orchestrator) persistCanvas(ctx context.Context, roomID domain.RoomID) {
	strokes := o.rooms.Strokes(ctx, roomID)
	cctx, cancel := context.WithTimeout(ctx, o.apiTimeout)
	defer cancel()
	if err := o.store.SaveCanvas(cctx, roomID, strokes); err != nil {
		o.mu.Lock()
		o.dirtyCanvas[roomID] = true
		o.mu.Unlock()
		log.Warn().Err(err).Str("module", "app.orchestrator").Str("room", string(roomID)).Msg("canvas write failed, queued for retry")
	}
}

// Messages returns recent chat history for the REST surface.
func (o *Orchestrator) Messages(ctx context.Context, roomID domain.RoomID) ([]domain.ChatMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, o.apiTimeout)
	defer cancel()
	return o.store.ListMessages(cctx, roomID, o.messageLimit)
}
