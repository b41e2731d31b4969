package domain

import "time"

// ChatMessage is a persisted chat line, optionally carrying a file
// attachment uploaded through the blob store.
type ChatMessage struct {
	ID       string    `gorm:"primaryKey;size:36" json:"id"`
	RoomID   RoomID    `gorm:"size:64;index" json:"room_id"`
	UserID   string    `gorm:"size:36;index" json:"user_id"`
	Username string    `gorm:"size:64" json:"username"`
	Body     string    `gorm:"type:text" json:"body"`
	FileURL  string    `gorm:"size:512" json:"file_url,omitempty"`
	FileName string    `gorm:"size:256" json:"file_name,omitempty"`
	FileType string    `gorm:"size:64" json:"file_type,omitempty"`
	SentAt   time.Time `gorm:"index" json:"sent_at"`
}
