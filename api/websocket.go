package api

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sightedit/collabserver/internal/slogging"
)

// CloseCodeIdleTimeout is the application close code for reaper evictions,
// distinct from policy violations so clients know a reconnect is welcome.
const CloseCodeIdleTimeout = 4000

// Client is the transport side of one connection: the socket, the buffered
// outbound channel drained by the write pump, and liveness flags. Room-level
// state lives on the Session.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session *Session

	send chan []byte
	done chan struct{}

	dead      atomic.Bool
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, sess *Session) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		session: sess,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
	}
}

// trySend enqueues one serialized frame without blocking. A full buffer
// means the consumer is too slow and the client is marked dead; the caller
// converts that into a normal disconnect.
func (c *Client) trySend(msg []byte) bool {
	if c.dead.Load() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.dead.Store(true)
		return false
	}
}

// markDead flags the client so broadcasts stop targeting it
func (c *Client) markDead() {
	c.dead.Store(true)
}

// isDead reports whether the client's channel is known to be unusable
func (c *Client) isDead() bool {
	return c.dead.Load()
}

// close sends a close frame with the given code and tears the socket down.
// Idempotent; WriteControl is safe concurrently with the write pump.
func (c *Client) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.dead.Store(true)
		close(c.done)
		if c.conn != nil {
			closeConn(c.conn, code, text)
		}
	})
}

// closeConn writes a close frame and closes the socket
func closeConn(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		slogging.Get().Debug("failed to send close frame: %v", err)
	}
	if err := conn.Close(); err != nil {
		slogging.Get().Debug("failed to close connection: %v", err)
	}
}

// readPump reads frames off the socket one at a time, in arrival order, and
// feeds them to the hub. It owns the read side; exiting triggers the normal
// leave sequence.
func (c *Client) readPump() {
	defer c.hub.disconnect(c, websocket.CloseNormalClosure, "connection closed")

	// Transport guard sits above the policy cap so oversized frames are
	// dropped by the validator instead of killing the socket.
	c.conn.SetReadLimit(c.hub.settings.MaxMessageBytes + 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.settings.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.settings.PongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slogging.Get().Debug("read error for session %s: %v", c.session.ID, err)
			}
			return
		}
		c.hub.handleFrame(c, frame)
	}
}

// writePump drains the send channel onto the socket and keeps the transport
// alive with periodic pings
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.settings.PingInterval)
	defer func() {
		ticker.Stop()
		c.hub.disconnect(c, websocket.CloseNormalClosure, "write pump stopped")
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
