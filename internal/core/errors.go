package core

import "errors"

// Error taxonomy. Adapters wrap their own failures into these so the
// rest of the system can branch with errors.Is.
var (
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrUsernameTaken       = errors.New("username taken")
	ErrRoomNotFound        = errors.New("room not found")
	ErrNotFound            = errors.New("not found")
	ErrDuplicateEntry      = errors.New("duplicate entry")
	ErrAdapterTimeout      = errors.New("adapter timeout")
	ErrAdapterUnavailable  = errors.New("adapter unavailable")
	ErrMalformedEvent      = errors.New("malformed event")
	ErrBackpressure        = errors.New("backpressure")
)

// WebSocket close codes in the application range. Clients use these to
// decide between reconnecting and surfacing an error.
const (
	CloseUsernameTaken = 4001
	CloseIdleTimeout   = 4002
	CloseDuplicateUser = 4003
	CloseRoomNotFound  = 4004
	CloseRoomCleaned   = 4005
)
