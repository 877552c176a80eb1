package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/carebridge/scribe/internal/log"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum inbound frame size; audio chunks are
	// base64 PCM16 and can get large
	maxMessageSize = 512 * 1024

	// sendBuffer is the outbound queue depth per connection
	sendBuffer = 256
)

// client wraps one downstream websocket connection. A single writer
// goroutine drains the send channel, so the translator, the dispatcher,
// and the suggestion adapter can all publish events without touching the
// socket directly.
type client struct {
	id   string
	conn *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue marshals and queues one outbound event. It reports whether the
// event was queued; a full queue means the client is too slow to keep up
// and the connection should be torn down rather than block the publisher.
func (c *client) enqueue(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("failed to marshal outbound event", "connection_id", c.id, "error", err)
		return true
	}
	return c.enqueueRaw(data)
}

// enqueueRaw queues pre-encoded bytes.
func (c *client) enqueueRaw(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return true
	default:
		log.Warn("outbound queue full, dropping client", "connection_id", c.id)
		return false
	}
}

// shutdown stops the writer goroutine. Safe to call more than once and
// from any goroutine; the send channel is never closed, so publishers
// racing a shutdown drop their events instead of panicking.
func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
}

// writePump writes queued events to the connection. Only this goroutine
// writes, so socket writes need no lock.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
