package domain

import "time"

type RoomID string

// RoomRecord is the durable side of a room. The in-memory lifecycle
// state lives in core; this is what the store persists.
type RoomRecord struct {
	ID           RoomID    `gorm:"primaryKey;size:64" json:"id"`
	Name         string    `gorm:"size:128" json:"name"`
	CreatedBy    string    `gorm:"size:64" json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `gorm:"index" json:"last_activity"`
	UserCount    int       `json:"user_count"`
	IsActive     bool      `gorm:"index" json:"is_active"`
}
