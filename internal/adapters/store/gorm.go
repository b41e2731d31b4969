// Package store implements the durable store over MySQL through gorm,
// plus an in-memory variant for tests and storeless deployments.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/boardsync/boardsync/internal/core"
	"github.com/boardsync/boardsync/internal/domain"
)

// canvasRow persists a room's stroke snapshot as one JSON blob. The
// snapshot is replaced wholesale on save, so one row per room is
// enough.
type canvasRow struct {
	RoomID    string `gorm:"primaryKey;size:64"`
	Strokes   string `gorm:"type:longtext"`
	UpdatedAt time.Time
}

func (canvasRow) TableName() string { return "canvases" }

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(&domain.RoomRecord{}, &domain.GlobalUser{}, &domain.ChatMessage{}, &canvasRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("module", "adapters.store").Msg("mysql store ready")
	return &GormStore{db: db}, nil
}

// mapErr folds driver errors into the shared taxonomy so callers can
// branch with errors.Is.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", core.ErrAdapterTimeout, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return fmt.Errorf("%w: %v", core.ErrDuplicateEntry, err)
	}
	return fmt.Errorf("%w: %v", core.ErrAdapterUnavailable, err)
}

func (s *GormStore) GetRoom(ctx context.Context, id domain.RoomID) (*domain.RoomRecord, error) {
	var rec domain.RoomRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

func (s *GormStore) UpsertRoom(ctx context.Context, rec *domain.RoomRecord) error {
	return mapErr(s.db.WithContext(ctx).Save(rec).Error)
}

func (s *GormStore) DeleteRoom(ctx context.Context, id domain.RoomID) error {
	if err := s.db.WithContext(ctx).Delete(&canvasRow{}, "room_id = ?", id).Error; err != nil {
		return mapErr(err)
	}
	return mapErr(s.db.WithContext(ctx).Delete(&domain.RoomRecord{}, "id = ?", id).Error)
}

func (s *GormStore) ListRooms(ctx context.Context) ([]domain.RoomRecord, error) {
	var recs []domain.RoomRecord
	if err := s.db.WithContext(ctx).Order("created_at").Find(&recs).Error; err != nil {
		return nil, mapErr(err)
	}
	return recs, nil
}

func (s *GormStore) GetUser(ctx context.Context, username string) (*domain.GlobalUser, error) {
	var u domain.GlobalUser
	if err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error; err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *GormStore) UpsertUser(ctx context.Context, u *domain.GlobalUser) error {
	return mapErr(s.db.WithContext(ctx).Save(u).Error)
}

func (s *GormStore) DeleteUser(ctx context.Context, username string) error {
	res := s.db.WithContext(ctx).Delete(&domain.GlobalUser{}, "username = ?", username)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *GormStore) ListStaleUsers(ctx context.Context, cutoff time.Time) ([]domain.GlobalUser, error) {
	var users []domain.GlobalUser
	if err := s.db.WithContext(ctx).Where("last_seen < ?", cutoff).Find(&users).Error; err != nil {
		return nil, mapErr(err)
	}
	return users, nil
}

func (s *GormStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	return mapErr(s.db.WithContext(ctx).Create(msg).Error)
}

// ListMessages returns the newest messages in chronological order.
// A zero limit means everything.
func (s *GormStore) ListMessages(ctx context.Context, roomID domain.RoomID, limit int) ([]domain.ChatMessage, error) {
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("sent_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []domain.ChatMessage
	if err := q.Find(&msgs).Error; err != nil {
		return nil, mapErr(err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *GormStore) ListOrphanedMessages(ctx context.Context) ([]domain.ChatMessage, error) {
	var msgs []domain.ChatMessage
	err := s.db.WithContext(ctx).
		Joins("LEFT JOIN room_records ON room_records.id = chat_messages.room_id").
		Where("room_records.id IS NULL").
		Find(&msgs).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return msgs, nil
}

func (s *GormStore) DeleteMessage(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&domain.ChatMessage{}, "id = ?", id)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *GormStore) SaveCanvas(ctx context.Context, roomID domain.RoomID, strokes []json.RawMessage) error {
	data, err := json.Marshal(strokes)
	if err != nil {
		return err
	}
	row := canvasRow{RoomID: string(roomID), Strokes: string(data), UpdatedAt: time.Now().UTC()}
	return mapErr(s.db.WithContext(ctx).Save(&row).Error)
}

func (s *GormStore) GetCanvas(ctx context.Context, roomID domain.RoomID) ([]json.RawMessage, error) {
	var row canvasRow
	if err := s.db.WithContext(ctx).First(&row, "room_id = ?", roomID).Error; err != nil {
		return nil, mapErr(err)
	}
	var strokes []json.RawMessage
	if err := json.Unmarshal([]byte(row.Strokes), &strokes); err != nil {
		return nil, fmt.Errorf("corrupt canvas for room %s: %w", roomID, err)
	}
	return strokes, nil
}
