package domain

import (
	"encoding/json"
	"time"
)

type EventType string

// Inbound event types. Anything else parses fine but is ignored by the
// router, never treated as fatal.
const (
	EventJoin        EventType = "join"
	EventLeave       EventType = "leave"
	EventDraw        EventType = "draw"
	EventStrokeStart EventType = "stroke_start"
	EventStrokePoint EventType = "stroke_point"
	EventStrokeEnd   EventType = "stroke_end"
	EventChat        EventType = "chat"
	EventFile        EventType = "file"
	EventHeartbeat   EventType = "heartbeat"
	EventRename      EventType = "rename"
	EventClear       EventType = "clear"
)

// Outbound-only event types.
const (
	EventRoomInfo     EventType = "room_info"
	EventCanvasState  EventType = "canvas_state"
	EventUserJoined   EventType = "user_joined"
	EventUserLeft     EventType = "user_left"
	EventNameChange   EventType = "name_change"
	EventHeartbeatAck EventType = "heartbeat_ack"
	EventError        EventType = "error"
)

// Known reports whether the type is one the server acts on. Unknown
// types are legal and dropped.
func (t EventType) Known() bool {
	switch t {
	case EventJoin, EventLeave, EventDraw, EventStrokeStart,
		EventStrokePoint, EventStrokeEnd, EventChat, EventFile,
		EventHeartbeat, EventRename, EventClear:
		return true
	}
	return false
}

// Envelope is the wire frame for every realtime event. The payload
// shape depends on Type; it stays raw until the router dispatches.
type Envelope struct {
	Type      EventType       `json:"type"`
	RoomID    RoomID          `json:"roomId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent stamps an outbound envelope with the current time.
func NewEvent(t EventType, roomID RoomID, payload any) *Envelope {
	raw, _ := json.Marshal(payload)
	return &Envelope{Type: t, RoomID: roomID, Payload: raw, Timestamp: time.Now().UTC()}
}

// ChatPayload is carried by chat and file events.
type ChatPayload struct {
	Message  string `json:"message"`
	FileURL  string `json:"fileUrl,omitempty"`
	FileName string `json:"fileName,omitempty"`
	FileType string `json:"fileType,omitempty"`
}

// StrokePointPayload streams one point of an in-progress stroke.
type StrokePointPayload struct {
	StrokeID string          `json:"strokeId"`
	Point    json.RawMessage `json:"point"`
}

// StrokeEndPayload completes an in-progress stroke.
type StrokeEndPayload struct {
	StrokeID string `json:"strokeId"`
}

// RenamePayload requests a username change.
type RenamePayload struct {
	NewName string `json:"newName"`
}

// PresencePayload announces joins, leaves and renames.
type PresencePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	OldName  string `json:"oldName,omitempty"`
}

// RoomInfoPayload is the membership snapshot sent on join and after
// membership changes.
type RoomInfoPayload struct {
	RoomID RoomID       `json:"roomId"`
	Users  []MemberInfo `json:"users"`
	Count  int          `json:"count"`
}

type MemberInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// CanvasPayload replays the room's stroke snapshot to a new member.
type CanvasPayload struct {
	Strokes []json.RawMessage `json:"strokes"`
}
