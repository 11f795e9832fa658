package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/musicr/musicr/internal/chat"
	"github.com/musicr/musicr/internal/id"
)

const (
	writeTimeout  = 10 * time.Second
	sendBuffer    = 64
	maxFrameBytes = 4096
)

// conn is one WebSocket connection. All outbound traffic flows through the
// send channel to a single write pump, so frame order per connection is the
// enqueue order and the socket never sees concurrent writers.
type conn struct {
	id   string
	ws   *websocket.Conn
	info chat.ConnInfo

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, info chat.ConnInfo) *conn {
	return &conn{
		id:   id.NewConnection(),
		ws:   ws,
		info: info,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue hands an envelope to the write pump without blocking. A full
// buffer means the client cannot keep up with the room; the connection is
// dropped rather than letting one slow reader stall everyone's broadcast.
func (c *conn) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		slog.Warn("ws: send buffer full, dropping connection",
			"connection_id", c.id, "user_id", c.info.UserID, "room", c.info.Room)
		c.close(websocket.ClosePolicyViolation, "slow consumer")
		return false
	}
}

func (c *conn) writePump() {
	for {
		select {
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("ws: write failed", "connection_id", c.id, "error", err)
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// close is idempotent. WriteControl is safe concurrently with the write
// pump, so the close frame can be sent from any goroutine.
func (c *conn) close(code int, reason string) {
	c.once.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		close(c.done)
		_ = c.ws.Close()
	})
}
