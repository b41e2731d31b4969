package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/boardsync/boardsync/internal/core"
)

// ConnectionMonitor drives the heartbeat sweep on its own cadence,
// independent of the cleanup scheduler: idle connections go within one
// heartbeat interval of timing out, not one cleanup interval.
type ConnectionMonitor struct {
	monitor  *core.HeartbeatMonitor
	orch     *Orchestrator
	interval time.Duration
}

func NewConnectionMonitor(monitor *core.HeartbeatMonitor, orch *Orchestrator, interval time.Duration) *ConnectionMonitor {
	return &ConnectionMonitor{monitor: monitor, orch: orch, interval: interval}
}

// Run ticks until the context is cancelled. Evictions run the normal
// disconnect path under a detached deadline so shutdown never leaves
// one half-applied.
func (m *ConnectionMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	log.Info().Str("module", "app.monitor").Dur("interval", m.interval).Msg("heartbeat monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.monitor").Msg("heartbeat monitor stopped")
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.SweepOnce(sctx, time.Now().UTC())
			cancel()
		}
	}
}

// SweepOnce closes and disconnects every timed-out connection, returning
// how many were evicted.
func (m *ConnectionMonitor) SweepOnce(ctx context.Context, now time.Time) int {
	evicted := m.monitor.Sweep(now)
	for _, conn := range evicted {
		m.orch.Disconnect(ctx, conn.ID)
	}
	return len(evicted)
}
