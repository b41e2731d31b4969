// Package ws is the realtime transport adapter. It owns the socket and
// the outbound queue; everything above it sees only core.Sender.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/boardsync/boardsync/internal/app"
	"github.com/boardsync/boardsync/internal/core"
	"github.com/boardsync/boardsync/internal/domain"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	orch       *app.Orchestrator
	sendQueue  int
	readLimit  int64
	pingPeriod time.Duration
	pongWait   time.Duration
}

func NewController(orch *app.Orchestrator, sendQueue int, readLimit int64, pingPeriod time.Duration) *Controller {
	// The read deadline allows one missed ping before the socket dies.
	return &Controller{
		orch:       orch,
		sendQueue:  sendQueue,
		readLimit:  readLimit,
		pingPeriod: pingPeriod,
		pongWait:   2 * pingPeriod,
	}
}

// wsConn adapts one gorilla socket to core.Sender. TrySend is a
// non-blocking enqueue; the write pump drains the queue. Close hands
// the close frame to the pump so frame writes stay single-threaded.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	once      sync.Once
	closeCode int
	closeText string
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn, queue int) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan []byte, queue),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) TrySend(data []byte) error {
	select {
	case <-c.closed:
		return core.ErrBackpressure
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *wsConn) Close(code int, reason string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeText = reason
		close(c.closed)
	})
}

// Handle upgrades the request and runs the session until the socket
// dies. Join failures close the socket with the matching application
// close code before any session state exists.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	username := c.Query("username")

	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Msg("upgrade failed")
		return
	}
	sock.SetReadLimit(ctl.readLimit)

	wc := newWSConn(sock, ctl.sendQueue)
	conn, err := ctl.orch.Connect(ctx, roomID, username, wc)
	if err != nil {
		ctl.rejectWith(sock, err)
		_ = sock.Close()
		return
	}

	go ctl.writePump(wc)
	ctl.readPump(ctx, conn, wc)
}

// rejectWith maps a join failure to its application close code and
// writes the close frame directly; the pumps never started.
func (ctl *Controller) rejectWith(sock *websocket.Conn, err error) {
	code := websocket.ClosePolicyViolation
	switch {
	case errors.Is(err, core.ErrUsernameTaken):
		code = core.CloseUsernameTaken
	case errors.Is(err, core.ErrRoomNotFound):
		code = core.CloseRoomNotFound
	}
	msg := websocket.FormatCloseMessage(code, err.Error())
	_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
	_ = sock.WriteMessage(websocket.CloseMessage, msg)
	log.Info().Err(err).Str("module", "adapters.ws").Int("code", code).Msg("connection rejected")
}

func (ctl *Controller) readPump(ctx context.Context, conn *core.Conn, wc *wsConn) {
	defer func() {
		wc.Close(websocket.CloseGoingAway, "socket closed")
		ctl.orch.Disconnect(ctx, conn.ID)
		_ = wc.conn.Close()
	}()

	_ = wc.conn.SetReadDeadline(time.Now().Add(ctl.pongWait))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(ctl.pongWait))
	})

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("module", "adapters.ws").Str("conn", string(conn.ID)).Msg("read error")
			}
			return
		}
		_ = wc.conn.SetReadDeadline(time.Now().Add(ctl.pongWait))
		ctl.orch.HandleEvent(ctx, conn.ID, data)
	}
}

func (ctl *Controller) writePump(wc *wsConn) {
	ticker := time.NewTicker(ctl.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = wc.conn.Close()
	}()

	for {
		select {
		case <-wc.closed:
			msg := websocket.FormatCloseMessage(wc.closeCode, wc.closeText)
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = wc.conn.WriteMessage(websocket.CloseMessage, msg)
			return
		case data := <-wc.send:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
