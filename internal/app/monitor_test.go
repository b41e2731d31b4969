package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/internal/core"
)

func TestMonitorSweepEvictsIdleConnection(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	s1 := &fakeSender{}
	c, err := env.orch.Connect(ctx, "r1", "alice", s1)
	require.NoError(t, err)

	hb := core.NewHeartbeatMonitor(env.reg, time.Minute)
	m := NewConnectionMonitor(hb, env.orch, time.Minute)

	// A fresh connection survives the sweep.
	assert.Equal(t, 0, m.SweepOnce(ctx, time.Now().UTC()))
	_, ok := env.reg.Get(c.ID)
	assert.True(t, ok)

	// Silent past the timeout: closed with the idle code and fully
	// disconnected, not just dropped from the socket.
	assert.Equal(t, 1, m.SweepOnce(ctx, time.Now().UTC().Add(2*time.Minute)))
	closed, code := s1.closedWith()
	assert.True(t, closed)
	assert.Equal(t, core.CloseIdleTimeout, code)
	_, ok = env.reg.Get(c.ID)
	assert.False(t, ok)
}

func TestMonitorRunSweepsOnItsOwnCadence(t *testing.T) {
	env := newTestEnv(t, "r1")
	ctx := context.Background()

	s1 := &fakeSender{}
	c, err := env.orch.Connect(ctx, "r1", "alice", s1)
	require.NoError(t, err)

	hb := core.NewHeartbeatMonitor(env.reg, time.Millisecond)
	m := NewConnectionMonitor(hb, env.orch, 5*time.Millisecond)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(runCtx)

	require.Eventually(t, func() bool {
		_, ok := env.reg.Get(c.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "idle connection not evicted by the monitor loop")
}
