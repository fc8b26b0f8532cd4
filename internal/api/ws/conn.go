// Package ws is the browser-facing WebSocket transport for the relay.
package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-transcript-relay/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one browser connection. It implements broadcast.Member.
type Conn struct {
	ws   *websocket.Conn
	id   string
	send chan *models.Notification
	done chan struct{}
	log  zerolog.Logger

	closeOnce sync.Once
	dropped   atomic.Int64
}

func newConn(ws *websocket.Conn, id string, buffer int, log zerolog.Logger) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	return &Conn{
		ws:   ws,
		id:   id,
		send: make(chan *models.Notification, buffer),
		done: make(chan struct{}),
		log:  log,
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues n for the write pump. It never blocks: a closed connection or
// a full buffer drops the notification.
func (c *Conn) Send(n *models.Notification) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- n:
		return true
	default:
		if c.dropped.Add(1) == 1 {
			c.log.Warn().Msg("Send buffer full, dropping notifications")
		}
		return false
	}
}

// Dropped returns how many notifications were dropped on a full buffer.
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops the write pump and closes the socket. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case n := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(n); err != nil {
				c.log.Debug().Err(err).Msg("Websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
