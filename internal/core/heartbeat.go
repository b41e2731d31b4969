package core

import (
	"time"

	"github.com/rs/zerolog/log"
)

// HeartbeatMonitor evicts connections whose client stopped sending
// heartbeats. Inbound heartbeats are recorded by the orchestrator; the
// monitor only reads timestamps on the sweep, so the hot path never
// touches it.
type HeartbeatMonitor struct {
	reg     *Registry
	timeout time.Duration
}

func NewHeartbeatMonitor(reg *Registry, timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{reg: reg, timeout: timeout}
}

// Sweep closes every connection silent for the full timeout and returns
// them so the caller can run the normal disconnect path. A connection
// that heartbeats between the check and the close was already closed;
// the revive on its next heartbeat is a no-op because the state is
// CLOSED, and the client reconnects.
func (m *HeartbeatMonitor) Sweep(now time.Time) []*Conn {
	var evicted []*Conn
	for _, c := range m.reg.Conns() {
		st := c.State()
		if st != StateActive && st != StateStale {
			continue
		}
		idle := now.Sub(c.LastHeartbeat())
		if idle < m.timeout {
			continue
		}
		c.setState(StateStale)
		c.CloseWith(CloseIdleTimeout, "connection timeout: no heartbeat received")
		evicted = append(evicted, c)
		log.Info().Str("module", "core.heartbeat").Str("conn", string(c.ID)).
			Str("room", string(c.RoomID)).Str("username", c.Username()).
			Dur("idle", idle).Msg("idle connection closed")
	}
	return evicted
}
