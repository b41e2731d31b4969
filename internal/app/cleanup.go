package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/boardsync/boardsync/internal/core"
	"github.com/boardsync/boardsync/internal/domain"
)

// Report is one sweep's outcome. Layer failures land in Errors; a
// failing layer never stops the others.
type Report struct {
	At   time.Time     `json:"at"`
	Took time.Duration `json:"took"`

	IdleConnections    int `json:"idle_connections"`
	DuplicateKicks     int `json:"duplicate_kicks"`
	RoomsCleaned       int `json:"rooms_cleaned"`
	StuckRoomsCleaned  int `json:"stuck_rooms_cleaned"`
	UsersReleased      int `json:"users_released"`
	StuckUsersReleased int `json:"stuck_users_released"`
	StoreUsersDeleted  int `json:"store_users_deleted"`
	OrphanMessages     int `json:"orphan_messages"`

	Errors []string `json:"errors,omitempty"`
}

// CleanerConfig carries the sweep timings.
type CleanerConfig struct {
	Interval         time.Duration
	APITimeout       time.Duration
	RoomCleanupDelay time.Duration
	StaleUserTimeout time.Duration
	StuckUserTimeout time.Duration
}

// Cleaner runs the layered background sweeps: idle connections, expired
// rooms, stale users, orphaned data. Every layer is idempotent and best
// effort; the adapters being down only delays durable teardown, never
// corrupts live state.
type Cleaner struct {
	reg      *core.Registry
	presence *core.Presence
	rooms    *core.Lifecycle
	monitor  *core.HeartbeatMonitor
	orch     *Orchestrator
	store    core.DurableStore
	blob     core.BlobStore
	cfg      CleanerConfig

	mu       sync.Mutex
	last     Report
	hasRun   bool
	sweeping bool
}

func NewCleaner(reg *core.Registry, presence *core.Presence, rooms *core.Lifecycle,
	monitor *core.HeartbeatMonitor, orch *Orchestrator, store core.DurableStore,
	blob core.BlobStore, cfg CleanerConfig) *Cleaner {
	return &Cleaner{
		reg:      reg,
		presence: presence,
		rooms:    rooms,
		monitor:  monitor,
		orch:     orch,
		store:    store,
		blob:     blob,
		cfg:      cfg,
	}
}

// Run ticks until the context is cancelled. A tick already in flight
// finishes; sweeps use their own deadline so shutdown never leaves a
// layer half-applied because the parent context died.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	log.Info().Str("module", "app.cleanup").Dur("interval", c.cfg.Interval).Msg("cleanup loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.cleanup").Msg("cleanup loop stopped")
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(context.Background(), c.cfg.Interval)
			c.Sweep(sctx)
			cancel()
		}
	}
}

// Sweep runs all four layers once. Concurrent sweeps collapse into one;
// the admin trigger and the ticker share this path.
func (c *Cleaner) Sweep(ctx context.Context) Report {
	c.mu.Lock()
	if c.sweeping {
		last := c.last
		c.mu.Unlock()
		return last
	}
	c.sweeping = true
	c.mu.Unlock()

	start := time.Now().UTC()
	var rep Report
	rep.At = start

	c.sweepConnections(ctx, &rep)
	c.sweepRooms(ctx, &rep)
	c.sweepUsers(ctx, &rep)
	c.sweepData(ctx, &rep)

	c.orch.FlushPending(ctx)

	rep.Took = time.Since(start)
	log.Info().Str("module", "app.cleanup").
		Int("idle_conns", rep.IdleConnections).Int("rooms", rep.RoomsCleaned+rep.StuckRoomsCleaned).
		Int("users", rep.UsersReleased+rep.StuckUsersReleased+rep.StoreUsersDeleted).
		Int("orphan_msgs", rep.OrphanMessages).Int("errors", len(rep.Errors)).
		Dur("took", rep.Took).Msg("sweep finished")

	c.mu.Lock()
	c.last = rep
	c.hasRun = true
	c.sweeping = false
	c.mu.Unlock()
	return rep
}

// Layer 1: connections. Idle eviction plus the duplicate-username
// recovery path (first-registered holder survives).
func (c *Cleaner) sweepConnections(ctx context.Context, rep *Report) {
	now := time.Now().UTC()
	for _, conn := range c.monitor.Sweep(now) {
		c.orch.Disconnect(ctx, conn.ID)
		rep.IdleConnections++
	}
	for _, roomID := range c.reg.Rooms() {
		for _, dup := range c.reg.DuplicateUsernames(roomID) {
			dup.CloseWith(core.CloseDuplicateUser, "duplicate user: resolved by cleanup")
			c.orch.Disconnect(ctx, dup.ID)
			rep.DuplicateKicks++
		}
	}
}

// Layer 2: rooms. Expired empty rooms in memory, then durable records
// stuck active with no live counterpart.
func (c *Cleaner) sweepRooms(ctx context.Context, rep *Report) {
	now := time.Now().UTC()
	for _, roomID := range c.rooms.SweepExpired(now, c.reg.MemberCount) {
		if err := c.cleanRoomData(ctx, roomID); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("room %s: %v", roomID, err))
			continue
		}
		rep.RoomsCleaned++
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	recs, err := c.store.ListRooms(cctx)
	cancel()
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("list rooms: %v", err))
		return
	}
	for _, rec := range recs {
		if !rec.IsActive || c.rooms.Live(rec.ID) || c.reg.MemberCount(rec.ID) > 0 {
			continue
		}
		if now.Sub(rec.LastActivity) < c.cfg.RoomCleanupDelay {
			continue
		}
		if err := c.cleanRoomData(ctx, rec.ID); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("stuck room %s: %v", rec.ID, err))
			continue
		}
		rep.StuckRoomsCleaned++
		log.Info().Str("module", "app.cleanup").Str("room", string(rec.ID)).Msg("stuck room record cleaned")
	}
}

// Layer 3: users. The in-memory presence sweep, then store records so
// stale the live map has long forgotten them.
func (c *Cleaner) sweepUsers(ctx context.Context, rep *Report) {
	now := time.Now().UTC()
	released, stuck := c.presence.Sweep(now, c.cfg.StuckUserTimeout, c.roomHasMembers)
	rep.UsersReleased = released
	rep.StuckUsersReleased = stuck

	cctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	staleUsers, err := c.store.ListStaleUsers(cctx, now.Add(-c.cfg.StaleUserTimeout))
	cancel()
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("list stale users: %v", err))
		return
	}
	for _, u := range staleUsers {
		if c.presence.Online(u.Username) {
			continue
		}
		dctx, dcancel := context.WithTimeout(ctx, c.cfg.APITimeout)
		err := c.store.DeleteUser(dctx, u.Username)
		dcancel()
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			rep.Errors = append(rep.Errors, fmt.Sprintf("delete user %s: %v", u.Username, err))
			continue
		}
		rep.StoreUsersDeleted++
	}
}

// Layer 4: data. Messages whose room record is gone, together with
// their file attachments.
func (c *Cleaner) sweepData(ctx context.Context, rep *Report) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	orphans, err := c.store.ListOrphanedMessages(cctx)
	cancel()
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("list orphaned messages: %v", err))
		return
	}
	for _, msg := range orphans {
		if err := c.deleteMessage(ctx, &msg); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("orphan message %s: %v", msg.ID, err))
			continue
		}
		rep.OrphanMessages++
	}
}

// roomHasMembers is what "the room is alive" means to the user sweep: a
// resident lifecycle entry or any live connection.
func (c *Cleaner) roomHasMembers(roomID domain.RoomID) bool {
	return c.rooms.Live(roomID) || c.reg.MemberCount(roomID) > 0
}

// cleanRoomData removes the room's durable footprint: messages with
// their attachments, then the record itself. The store deletes the
// canvas snapshot together with the record.
func (c *Cleaner) cleanRoomData(ctx context.Context, roomID domain.RoomID) error {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	msgs, err := c.store.ListMessages(cctx, roomID, 0)
	cancel()
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	for _, msg := range msgs {
		if err := c.deleteMessage(ctx, &msg); err != nil {
			return err
		}
	}

	dctx, dcancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	defer dcancel()
	if err := c.store.DeleteRoom(dctx, roomID); err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	log.Info().Str("module", "app.cleanup").Str("room", string(roomID)).Msg("room data cleaned")
	return nil
}

func (c *Cleaner) deleteMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg.FileURL != "" && c.blob != nil {
		bctx, bcancel := context.WithTimeout(ctx, c.cfg.APITimeout)
		err := c.blob.DeleteObject(bctx, msg.FileURL)
		bcancel()
		if err != nil {
			return err
		}
	}
	dctx, dcancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	defer dcancel()
	if err := c.store.DeleteMessage(dctx, msg.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	return nil
}

// TriggerNow is the admin "run a sweep right now" operation.
func (c *Cleaner) TriggerNow(ctx context.Context) Report {
	return c.Sweep(ctx)
}

// CleanAutoUsers drops every auto-generated record from presence.
// Normally a no-op since auto names die with their connection; this is
// the recovery hatch for leaks.
func (c *Cleaner) CleanAutoUsers(ctx context.Context) int {
	n := 0
	for _, u := range c.presence.Snapshot() {
		if !u.AutoGenerated || c.reg.HoldsUser(u.UserID) {
			continue
		}
		c.presence.Release(ctx, u.Username)
		n++
	}
	log.Info().Str("module", "app.cleanup").Int("released", n).Msg("auto-generated users cleaned")
	return n
}

// CleanRoom force-closes the room's members and removes all its state,
// live and durable.
func (c *Cleaner) CleanRoom(ctx context.Context, roomID domain.RoomID) (int, error) {
	kicked := 0
	for _, conn := range c.reg.MemberConns(roomID) {
		conn.CloseWith(core.CloseRoomCleaned, "room cleaned by administrator")
		c.orch.Disconnect(ctx, conn.ID)
		kicked++
	}
	c.rooms.Evict(roomID)
	if err := c.cleanRoomData(ctx, roomID); err != nil {
		return kicked, err
	}
	return kicked, nil
}

// CleanOrphanedFiles removes blob objects no chat message references.
// Heavy (full listing on both sides), so it only runs on demand.
func (c *Cleaner) CleanOrphanedFiles(ctx context.Context) (int, error) {
	if c.blob == nil {
		return 0, nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	objects, err := c.blob.ListObjects(cctx)
	cancel()
	if err != nil {
		return 0, err
	}

	referenced := make(map[string]bool)
	rctx, rcancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	rooms, err := c.store.ListRooms(rctx)
	rcancel()
	if err != nil {
		return 0, err
	}
	for _, rec := range rooms {
		mctx, mcancel := context.WithTimeout(ctx, c.cfg.APITimeout)
		msgs, err := c.store.ListMessages(mctx, rec.ID, 0)
		mcancel()
		if err != nil {
			return 0, err
		}
		for _, msg := range msgs {
			if msg.FileURL != "" {
				referenced[msg.FileURL] = true
			}
		}
	}

	deleted := 0
	for _, url := range objects {
		if referenced[url] {
			continue
		}
		dctx, dcancel := context.WithTimeout(ctx, c.cfg.APITimeout)
		err := c.blob.DeleteObject(dctx, url)
		dcancel()
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	log.Info().Str("module", "app.cleanup").Int("deleted", deleted).Msg("orphaned files cleaned")
	return deleted, nil
}

// ForceCleanStuckUsers releases every presence record whose room has no
// live members, regardless of timeouts.
func (c *Cleaner) ForceCleanStuckUsers(ctx context.Context) int {
	n := 0
	for _, u := range c.presence.Snapshot() {
		if c.roomHasMembers(domain.RoomID(u.RoomID)) && c.reg.HoldsUser(u.UserID) {
			continue
		}
		c.presence.Release(ctx, u.Username)
		n++
	}
	log.Info().Str("module", "app.cleanup").Int("released", n).Msg("stuck users force cleaned")
	return n
}

// Comprehensive runs a full sweep plus the on-demand layers.
func (c *Cleaner) Comprehensive(ctx context.Context) Report {
	rep := c.Sweep(ctx)
	rep.UsersReleased += c.CleanAutoUsers(ctx)
	if _, err := c.CleanOrphanedFiles(ctx); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("orphaned files: %v", err))
	}
	c.mu.Lock()
	c.last = rep
	c.mu.Unlock()
	return rep
}

// Status reports the last sweep and the pending room teardowns.
func (c *Cleaner) Status() map[string]any {
	c.mu.Lock()
	last := c.last
	hasRun := c.hasRun
	c.mu.Unlock()
	out := map[string]any{
		"interval_seconds":   c.cfg.Interval.Seconds(),
		"scheduled_cleanups": c.rooms.ScheduledCleanups(time.Now().UTC()),
		"tracked_users":      len(c.presence.Snapshot()),
	}
	if hasRun {
		out["last_sweep"] = last
	}
	return out
}
