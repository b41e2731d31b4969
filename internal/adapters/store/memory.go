package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/boardsync/boardsync/internal/core"
	"github.com/boardsync/boardsync/internal/domain"
)

// MemoryStore is the storeless fallback: same contract as the MySQL
// store, nothing survives a restart. Also the store used in tests.
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[domain.RoomID]domain.RoomRecord
	users    map[string]domain.GlobalUser
	messages map[string]domain.ChatMessage
	canvases map[domain.RoomID][]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[domain.RoomID]domain.RoomRecord),
		users:    make(map[string]domain.GlobalUser),
		messages: make(map[string]domain.ChatMessage),
		canvases: make(map[domain.RoomID][]json.RawMessage),
	}
}

func (s *MemoryStore) GetRoom(_ context.Context, id domain.RoomID) (*domain.RoomRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := rec
	return &out, nil
}

func (s *MemoryStore) UpsertRoom(_ context.Context, rec *domain.RoomRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, id domain.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, id)
	delete(s.canvases, id)
	return nil
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]domain.RoomRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RoomRecord, 0, len(s.rooms))
	for _, rec := range s.rooms {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetUser(_ context.Context, username string) (*domain.GlobalUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := u
	return &out, nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, u *domain.GlobalUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = *u
	return nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return core.ErrNotFound
	}
	delete(s.users, username)
	return nil
}

func (s *MemoryStore) ListStaleUsers(_ context.Context, cutoff time.Time) ([]domain.GlobalUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.GlobalUser
	for _, u := range s.users {
		if u.LastSeen.Before(cutoff) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = *msg
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, roomID domain.RoomID, limit int) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChatMessage
	for _, msg := range s.messages {
		if msg.RoomID == roomID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) ListOrphanedMessages(_ context.Context) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChatMessage
	for _, msg := range s.messages {
		if _, ok := s.rooms[msg.RoomID]; !ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) SaveCanvas(_ context.Context, roomID domain.RoomID, strokes []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]json.RawMessage, len(strokes))
	copy(cp, strokes)
	s.canvases[roomID] = cp
	return nil
}

func (s *MemoryStore) GetCanvas(_ context.Context, roomID domain.RoomID) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strokes, ok := s.canvases[roomID]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := make([]json.RawMessage, len(strokes))
	copy(out, strokes)
	return out, nil
}
