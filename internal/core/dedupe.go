package core

import (
	"sync"
	"time"
)

// ChatDeduper suppresses identical chat messages from the same user
// inside a short window. Retries after a perceived send failure are the
// target; a genuine repeat after the window passes through.
type ChatDeduper struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewChatDeduper(window time.Duration) *ChatDeduper {
	return &ChatDeduper{window: window, seen: make(map[string]time.Time)}
}

// Duplicate reports whether the same user sent the same content inside
// the window, and records this send either way. Expired entries are
// pruned on every call, so the map stays bounded by the window.
func (d *ChatDeduper) Duplicate(userID, content string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, t := range d.seen {
		if now.Sub(t) >= d.window {
			delete(d.seen, k)
		}
	}
	key := userID + "\x00" + content
	if t, ok := d.seen[key]; ok && now.Sub(t) < d.window {
		return true
	}
	d.seen[key] = now
	return false
}
