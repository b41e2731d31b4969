package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/internal/adapters/store"
	"github.com/boardsync/boardsync/internal/core"
	"github.com/boardsync/boardsync/internal/domain"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   [][]byte
	full   bool
	closed bool
	code   int
}

func (s *fakeSender) TrySend(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return core.ErrBackpressure
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSender) Close(code int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
}

// events decodes everything the sender received.
func (s *fakeSender) events(t *testing.T) []domain.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Envelope, 0, len(s.sent))
	for _, data := range s.sent {
		var env domain.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		out = append(out, env)
	}
	return out
}

func (s *fakeSender) eventTypes(t *testing.T) []domain.EventType {
	t.Helper()
	evs := s.events(t)
	out := make([]domain.EventType, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func (s *fakeSender) countType(t *testing.T, typ domain.EventType) int {
	t.Helper()
	n := 0
	for _, e := range s.events(t) {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (s *fakeSender) closedWith() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.code
}

type testEnv struct {
	reg      *core.Registry
	presence *core.Presence
	rooms    *core.Lifecycle
	orch     *Orchestrator
	store    *store.MemoryStore
}

func newTestEnv(t *testing.T, roomIDs ...domain.RoomID) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	for _, id := range roomIDs {
		require.NoError(t, ms.UpsertRoom(context.Background(), &domain.RoomRecord{
			ID: id, Name: string(id), CreatedAt: time.Now(), IsActive: true,
		}))
	}
	reg := core.NewRegistry()
	presence := core.NewPresence(ms, time.Second, 10*time.Minute)
	rooms := core.NewLifecycle(ms, time.Second, 5*time.Minute)
	dedupe := core.NewChatDeduper(10 * time.Second)
	orch := NewOrchestrator(reg, presence, rooms, dedupe, ms, time.Second, 100)
	return &testEnv{reg: reg, presence: presence, rooms: rooms, orch: orch, store: ms}
}

func event(t *testing.T, typ domain.EventType, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := (&domain.Envelope{Type: typ, Payload: raw, Timestamp: time.Now()}).Encode()
	require.NoError(t, err)
	return data
}

func TestConnectWelcomeTraffic(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	s1 := &fakeSender{}
	c1, err := env.orch.Connect(ctx, "r1", "alice", s1)
	require.NoError(t, err)
	assert.Equal(t, "alice", c1.Username())
	assert.Equal(t, []domain.EventType{domain.EventRoomInfo, domain.EventCanvasState}, s1.eventTypes(t))

	s2 := &fakeSender{}
	_, err = env.orch.Connect(ctx, "r1", "bob", s2)
	require.NoError(t, err)

	// The first member hears about the newcomer.
	assert.Equal(t, 1, s1.countType(t, domain.EventUserJoined))
	assert.Equal(t, 2, env.reg.MemberCount("r1"))
}

func TestConnectRoomNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.Connect(context.Background(), "ghost", "alice", &fakeSender{})
	assert.ErrorIs(t, err, core.ErrRoomNotFound)
}

func TestConnectUsernameTakenAcrossRooms(t *testing.T) {
	env := newTestEnv(t, "r1", "r2")
	ctx := context.Background()

	_, err := env.orch.Connect(ctx, "r1", "bob", &fakeSender{})
	require.NoError(t, err)

	_, err = env.orch.Connect(ctx, "r2", "bob", &fakeSender{})
	assert.ErrorIs(t, err, core.ErrUsernameTaken)
}

func TestConnectSupersedesGhost(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	s1 := &fakeSender{}
	_, err := env.orch.Connect(ctx, "r1", "bob", s1)
	require.NoError(t, err)

	s2 := &fakeSender{}
	c2, err := env.orch.Connect(ctx, "r1", "bob", s2)
	require.NoError(t, err)

	closed, code := s1.closedWith()
	assert.True(t, closed)
	assert.Equal(t, core.CloseDuplicateUser, code)

	assert.Equal(t, 1, env.reg.MemberCount("r1"))
	got, ok := env.reg.Get(c2.ID)
	require.True(t, ok)
	assert.Equal(t, "bob", got.Username())
}

func TestConnectAutoUsername(t *testing.T) {
	env := newTestEnv(t, "r1")
	c, err := env.orch.Connect(context.Background(), "r1", "", &fakeSender{})
	require.NoError(t, err)
	assert.True(t, c.AutoGenerated())
	assert.Contains(t, c.Username(), domain.AutoNamePrefix)
}

func TestDisconnectReleasesAutoNameImmediately(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	c, err := env.orch.Connect(ctx, "r1", "", &fakeSender{})
	require.NoError(t, err)
	name := c.Username()

	env.orch.Disconnect(ctx, c.ID)
	assert.True(t, env.presence.CheckAvailable(ctx, name, "someone-else"))
}

func TestDisconnectHoldsCustomName(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	c, err := env.orch.Connect(ctx, "r1", "alice", &fakeSender{})
	require.NoError(t, err)
	env.orch.Disconnect(ctx, c.ID)

	assert.False(t, env.presence.CheckAvailable(ctx, "alice", "someone-else"))
	assert.True(t, env.presence.CheckAvailable(ctx, "alice", string(c.UserID)))
}

func TestDisconnectLastMemberSchedulesCleanup(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	c, err := env.orch.Connect(ctx, "r1", "alice", &fakeSender{})
	require.NoError(t, err)
	env.orch.Disconnect(ctx, c.ID)

	st, ok := env.rooms.State("r1")
	require.True(t, ok)
	assert.Equal(t, core.RoomEmpty, st)
}

func TestRejoinAfterLeaveKeepsRoom(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	c1, err := env.orch.Connect(ctx, "r1", "alice", &fakeSender{})
	require.NoError(t, err)
	env.orch.HandleEvent(ctx, c1.ID, event(t, domain.EventDraw, map[string]int{"x": 1}))
	env.orch.Disconnect(ctx, c1.ID)

	s2 := &fakeSender{}
	_, err = env.orch.Connect(ctx, "r1", "bob", s2)
	require.NoError(t, err)

	st, _ := env.rooms.State("r1")
	assert.Equal(t, core.RoomActive, st)

	// The canvas survives the empty window.
	evs := s2.events(t)
	require.Len(t, evs, 2)
	var canvas domain.CanvasPayload
	require.NoError(t, json.Unmarshal(evs[1].Payload, &canvas))
	assert.Len(t, canvas.Strokes, 1)
}

func TestChatPersistedAndBroadcast(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	c1, err := env.orch.Connect(ctx, "r1", "alice", &fakeSender{})
	require.NoError(t, err)
	s2 := &fakeSender{}
	_, err = env.orch.Connect(ctx, "r1", "bob", s2)
	require.NoError(t, err)

	env.orch.HandleEvent(ctx, c1.ID, event(t, domain.EventChat, domain.ChatPayload{Message: "hi"}))

	msgs, err := env.store.ListMessages(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Body)
	assert.Equal(t, "alice", msgs[0].Username)
	assert.Equal(t, 1, s2.countType(t, domain.EventChat))
}

func TestChatDuplicateSuppressed(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	c1, err := env.orch.Connect(ctx, "r1", "alice", &fakeSender{})
	require.NoError(t, err)
	s2 := &fakeSender{}
	_, err = env.orch.Connect(ctx, "r1", "bob", s2)
	require.NoError(t, err)

	payload := event(t, domain.EventChat, domain.ChatPayload{Message: "hi"})
	env.orch.HandleEvent(ctx, c1.ID, payload)
	env.orch.HandleEvent(ctx, c1.ID, payload)

	msgs, err := env.store.ListMessages(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 1, s2.countType(t, domain.EventChat))
}

func TestDrawBroadcastAndRecorded(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	s1 := &fakeSender{}
	conn, err := env.orch.Connect(ctx, "r1", "alice", s1)
	require.NoError(t, err)
	s2 := &fakeSender{}
	_, err = env.orch.Connect(ctx, "r1", "bob", s2)
	require.NoError(t, err)

	env.orch.HandleEvent(ctx, conn.ID, event(t, domain.EventDraw, map[string]int{"x": 1}))

	assert.Equal(t, 1, s2.countType(t, domain.EventDraw))
	assert.Equal(t, 0, s1.countType(t, domain.EventDraw))
	assert.Len(t, env.rooms.Strokes(ctx, "r1"), 1)
}

func TestStrokeStreamingBroadcastAndFolded(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	s1 := &fakeSender{}
	c1, err := env.orch.Connect(ctx, "r1", "alice", s1)
	require.NoError(t, err)
	s2 := &fakeSender{}
	_, err = env.orch.Connect(ctx, "r1", "bob", s2)
	require.NoError(t, err)

	env.orch.HandleEvent(ctx, c1.ID, event(t, domain.EventStrokeStart, map[string]any{"id": "s1", "color": "red"}))
	env.orch.HandleEvent(ctx, c1.ID, event(t, domain.EventStrokePoint, domain.StrokePointPayload{StrokeID: "s1", Point: json.RawMessage(`{"x":1,"y":2}`)}))
	env.orch.HandleEvent(ctx, c1.ID, event(t, domain.EventStrokeEnd, domain.StrokeEndPayload{StrokeID: "s1"}))

	// The other member sees the whole stream; the drawer hears nothing.
	assert.Equal(t, 1, s2.countType(t, domain.EventStrokeStart))
	assert.Equal(t, 1, s2.countType(t, domain.EventStrokePoint))
	assert.Equal(t, 1, s2.countType(t, domain.EventStrokeEnd))
	assert.Equal(t, 0, s1.countType(t, domain.EventStrokeStart))

	// The completed stroke is on the canvas and persisted.
	require.Len(t, env.rooms.Strokes(ctx, "r1"), 1)
	saved, err := env.store.GetCanvas(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, saved, 1)

	// Points for an unknown stroke go nowhere.
	env.orch.HandleEvent(ctx, c1.ID, event(t, domain.EventStrokePoint, domain.StrokePointPayload{StrokeID: "nope", Point: json.RawMessage(`{"x":1}`)}))
	assert.Equal(t, 1, s2.countType(t, domain.EventStrokePoint))
}

func TestHeartbeatAck(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	s1 := &fakeSender{}
	c, err := env.orch.Connect(ctx, "r1", "alice", s1)
	require.NoError(t, err)

	env.orch.HandleEvent(ctx, c.ID, event(t, domain.EventHeartbeat, nil))
	assert.Equal(t, 1, s1.countType(t, domain.EventHeartbeatAck))
}

func TestRenameAnnouncedAndReleasesOldName(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	s1 := &fakeSender{}
	c, err := env.orch.Connect(ctx, "r1", "alice", s1)
	require.NoError(t, err)

	env.orch.HandleEvent(ctx, c.ID, event(t, domain.EventRename, domain.RenamePayload{NewName: "alicia"}))

	assert.Equal(t, "alicia", c.Username())
	assert.Equal(t, 1, s1.countType(t, domain.EventNameChange))
	assert.True(t, env.presence.CheckAvailable(ctx, "alice", "someone-else"))
	assert.False(t, env.presence.CheckAvailable(ctx, "alicia", "someone-else"))
}

func TestRenameToTakenNameRejected(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	s1 := &fakeSender{}
	c1, err := env.orch.Connect(ctx, "r1", "alice", s1)
	require.NoError(t, err)
	_, err = env.orch.Connect(ctx, "r1", "bob", &fakeSender{})
	require.NoError(t, err)

	env.orch.HandleEvent(ctx, c1.ID, event(t, domain.EventRename, domain.RenamePayload{NewName: "bob"}))

	assert.Equal(t, "alice", c1.Username())
	assert.Equal(t, 1, s1.countType(t, domain.EventError))
}

func TestMalformedEventDropped(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	s1 := &fakeSender{}
	c, err := env.orch.Connect(ctx, "r1", "alice", s1)
	require.NoError(t, err)

	env.orch.HandleEvent(ctx, c.ID, []byte("{not json"))

	// Still connected, told about the bad frame.
	_, ok := env.reg.Get(c.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, s1.countType(t, domain.EventError))
}

func TestSlowMemberForceClosedOnBroadcast(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	c1, err := env.orch.Connect(ctx, "r1", "alice", &fakeSender{})
	require.NoError(t, err)
	slow := &fakeSender{}
	c2, err := env.orch.Connect(ctx, "r1", "bob", slow)
	require.NoError(t, err)

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	env.orch.HandleEvent(ctx, c1.ID, event(t, domain.EventChat, domain.ChatPayload{Message: "hi"}))

	closed, _ := slow.closedWith()
	assert.True(t, closed)
	_, ok := env.reg.Get(c2.ID)
	assert.False(t, ok)
}
