package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/boardsync/boardsync/internal/domain"
)

// DurableStore is the document store behind the in-memory state. It is
// the source of truth when memory is empty (process restart). "Not
// found" is a normal outcome and surfaces as ErrNotFound, never as a
// transport failure.
type DurableStore interface {
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.RoomRecord, error)
	UpsertRoom(ctx context.Context, rec *domain.RoomRecord) error
	DeleteRoom(ctx context.Context, id domain.RoomID) error
	ListRooms(ctx context.Context) ([]domain.RoomRecord, error)

	GetUser(ctx context.Context, username string) (*domain.GlobalUser, error)
	UpsertUser(ctx context.Context, u *domain.GlobalUser) error
	DeleteUser(ctx context.Context, username string) error
	ListStaleUsers(ctx context.Context, cutoff time.Time) ([]domain.GlobalUser, error)

	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error
	ListMessages(ctx context.Context, roomID domain.RoomID, limit int) ([]domain.ChatMessage, error)
	ListOrphanedMessages(ctx context.Context) ([]domain.ChatMessage, error)
	DeleteMessage(ctx context.Context, id string) error

	SaveCanvas(ctx context.Context, roomID domain.RoomID, strokes []json.RawMessage) error
	GetCanvas(ctx context.Context, roomID domain.RoomID) ([]json.RawMessage, error)
}

// BlobStore holds uploaded files. Deletes are idempotent: removing an
// object that is already gone is success.
type BlobStore interface {
	PutObject(ctx context.Context, data []byte, contentType string) (string, error)
	SignedURL(ctx context.Context, url string, ttl time.Duration) (string, error)
	DeleteObject(ctx context.Context, url string) error
	ListObjects(ctx context.Context) ([]string, error)
}
