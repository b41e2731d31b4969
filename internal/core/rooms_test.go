package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/internal/domain"
)

func newTestLifecycle(t *testing.T, rooms ...domain.RoomID) (*Lifecycle, *stubStore) {
	t.Helper()
	store := newStubStore()
	for _, id := range rooms {
		require.NoError(t, store.UpsertRoom(context.Background(), &domain.RoomRecord{
			ID: id, Name: string(id), CreatedAt: time.Now(), IsActive: true,
		}))
	}
	return NewLifecycle(store, testAPITimeout, 5*time.Minute), store
}

func noOccupants(domain.RoomID) int { return 0 }

func TestJoinUnknownRoom(t *testing.T) {
	l, _ := newTestLifecycle(t)
	_, err := l.Join(context.Background(), "ghost", time.Now())
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinLoadsRecord(t *testing.T) {
	l, _ := newTestLifecycle(t, "r1")
	rec, err := l.Join(context.Background(), "r1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r1"), rec.ID)

	st, ok := l.State("r1")
	require.True(t, ok)
	assert.Equal(t, RoomActive, st)
}

func TestMarkEmptySchedulesCleanup(t *testing.T) {
	l, _ := newTestLifecycle(t, "r1")
	now := time.Now()
	_, err := l.Join(context.Background(), "r1", now)
	require.NoError(t, err)

	l.MarkEmpty("r1", now)
	st, _ := l.State("r1")
	assert.Equal(t, RoomEmpty, st)

	pending := l.ScheduledCleanups(now)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.RoomID("r1"), pending[0].RoomID)

	// Before the deadline nothing is evicted.
	assert.Empty(t, l.SweepExpired(now.Add(4*time.Minute), noOccupants))
	assert.True(t, l.Live("r1"))
}

func TestSweepEvictsExpiredRoom(t *testing.T) {
	l, _ := newTestLifecycle(t, "r1")
	now := time.Now()
	_, err := l.Join(context.Background(), "r1", now)
	require.NoError(t, err)
	l.MarkEmpty("r1", now)

	cleaned := l.SweepExpired(now.Add(6*time.Minute), noOccupants)
	assert.Equal(t, []domain.RoomID{"r1"}, cleaned)
	assert.False(t, l.Live("r1"))
}

func TestRejoinCancelsCleanup(t *testing.T) {
	l, _ := newTestLifecycle(t, "r1")
	now := time.Now()
	_, err := l.Join(context.Background(), "r1", now)
	require.NoError(t, err)
	l.MarkEmpty("r1", now)

	_, err = l.Join(context.Background(), "r1", now.Add(time.Minute))
	require.NoError(t, err)

	assert.Empty(t, l.SweepExpired(now.Add(10*time.Minute), noOccupants))
	st, _ := l.State("r1")
	assert.Equal(t, RoomActive, st)
}

func TestSweepRechecksOccupancy(t *testing.T) {
	l, _ := newTestLifecycle(t, "r1")
	now := time.Now()
	_, err := l.Join(context.Background(), "r1", now)
	require.NoError(t, err)
	l.MarkEmpty("r1", now)

	// Someone is in the room by the time the deadline fires: the sweep
	// backs off and reactivates instead of deleting.
	occupied := func(domain.RoomID) int { return 1 }
	assert.Empty(t, l.SweepExpired(now.Add(6*time.Minute), occupied))
	st, _ := l.State("r1")
	assert.Equal(t, RoomActive, st)
}

func TestStrokesAccumulateAndClear(t *testing.T) {
	l, _ := newTestLifecycle(t, "r1")
	ctx := context.Background()
	now := time.Now()
	_, err := l.Join(ctx, "r1", now)
	require.NoError(t, err)

	l.AppendStroke("r1", json.RawMessage(`{"x":1}`), now)
	l.AppendStroke("r1", json.RawMessage(`{"x":2}`), now)
	assert.Len(t, l.Strokes(ctx, "r1"), 2)

	l.ClearStrokes("r1")
	assert.Empty(t, l.Strokes(ctx, "r1"))
}

func TestStrokesLoadedFromStoreAfterRestart(t *testing.T) {
	l, store := newTestLifecycle(t, "r1")
	ctx := context.Background()
	saved := []json.RawMessage{json.RawMessage(`{"x":1}`)}
	require.NoError(t, store.SaveCanvas(ctx, "r1", saved))

	_, err := l.Join(ctx, "r1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, saved, l.Strokes(ctx, "r1"))
}

func TestJoinStoreFetchDoesNotBlockOtherRooms(t *testing.T) {
	l, store := newTestLifecycle(t, "r1", "r2")
	ctx := context.Background()
	now := time.Now()
	_, err := l.Join(ctx, "r1", now)
	require.NoError(t, err)

	// Pin r2's record fetch mid-flight.
	gate := make(chan struct{})
	store.setReadGate(gate)
	joined := make(chan struct{})
	go func() {
		_, _ = l.Join(ctx, "r2", now)
		close(joined)
	}()
	time.Sleep(50 * time.Millisecond) // let the join reach the store

	// Traffic in the unrelated room must not queue behind the fetch.
	done := make(chan struct{})
	go func() {
		l.AppendStroke("r1", json.RawMessage(`{"x":1}`), now)
		l.Touch("r1", now)
		_ = l.Strokes(ctx, "r1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("room traffic blocked behind another room's store fetch")
	}

	close(gate)
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("gated join never finished")
	}
	assert.True(t, l.Live("r2"))
}

func TestCanvasLoadMergesRacingDraws(t *testing.T) {
	l, store := newTestLifecycle(t, "r1")
	ctx := context.Background()
	now := time.Now()
	saved := []json.RawMessage{json.RawMessage(`{"x":0}`)}
	require.NoError(t, store.SaveCanvas(ctx, "r1", saved))
	_, err := l.Join(ctx, "r1", now)
	require.NoError(t, err)

	gate := make(chan struct{})
	store.setReadGate(gate)
	got := make(chan []json.RawMessage, 1)
	go func() { got <- l.Strokes(ctx, "r1") }()
	time.Sleep(50 * time.Millisecond) // let the load reach the store

	// A draw landing during the load must survive the restore, after the
	// restored snapshot.
	l.AppendStroke("r1", json.RawMessage(`{"x":1}`), now)
	close(gate)

	strokes := <-got
	require.Len(t, strokes, 2)
	assert.Equal(t, json.RawMessage(`{"x":0}`), strokes[0])
	assert.Equal(t, json.RawMessage(`{"x":1}`), strokes[1])
	assert.Len(t, l.Strokes(ctx, "r1"), 2)
}

func TestStrokeStreamingFoldsIntoCanvas(t *testing.T) {
	l, _ := newTestLifecycle(t, "r1")
	ctx := context.Background()
	now := time.Now()
	_, err := l.Join(ctx, "r1", now)
	require.NoError(t, err)

	id, ok := l.BeginStroke("r1", json.RawMessage(`{"id":"s1","color":"red","points":[]}`), now)
	require.True(t, ok)
	assert.Equal(t, "s1", id)
	assert.True(t, l.AddStrokePoint("r1", "s1", json.RawMessage(`{"x":1,"y":2}`), now))
	assert.True(t, l.AddStrokePoint("r1", "s1", json.RawMessage(`{"x":3,"y":4}`), now))

	// Nothing on the canvas until the stroke completes.
	assert.Empty(t, l.Strokes(ctx, "r1"))

	require.True(t, l.EndStroke("r1", "s1", now))
	strokes := l.Strokes(ctx, "r1")
	require.Len(t, strokes, 1)
	var folded struct {
		ID     string           `json:"id"`
		Color  string           `json:"color"`
		Points []map[string]any `json:"points"`
	}
	require.NoError(t, json.Unmarshal(strokes[0], &folded))
	assert.Equal(t, "s1", folded.ID)
	assert.Equal(t, "red", folded.Color)
	assert.Len(t, folded.Points, 2)

	// A completed stroke cannot be ended twice.
	assert.False(t, l.EndStroke("r1", "s1", now))
}

func TestStrokeStreamingRejectsUnknown(t *testing.T) {
	l, _ := newTestLifecycle(t, "r1")
	now := time.Now()
	_, err := l.Join(context.Background(), "r1", now)
	require.NoError(t, err)

	_, ok := l.BeginStroke("r1", json.RawMessage(`{"color":"red"}`), now)
	assert.False(t, ok)
	_, ok = l.BeginStroke("r1", json.RawMessage(`not json`), now)
	assert.False(t, ok)
	assert.False(t, l.AddStrokePoint("r1", "nope", json.RawMessage(`{"x":1}`), now))
	assert.False(t, l.EndStroke("r1", "nope", now))
}

func TestEvict(t *testing.T) {
	l, _ := newTestLifecycle(t, "r1")
	_, err := l.Join(context.Background(), "r1", time.Now())
	require.NoError(t, err)

	assert.True(t, l.Evict("r1"))
	assert.False(t, l.Evict("r1"))
	assert.False(t, l.Live("r1"))
}
