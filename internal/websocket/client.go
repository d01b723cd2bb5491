// internal/websocket/client.go
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"iot-sim-gateway/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
)

// Client is a middleman between the websocket connection and the broadcaster.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte // Buffered channel of outbound messages.
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func newClient(id string, hub *Hub, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: hub.logger.With().Str("client_id", id).Logger(),
	}
}

// ID implements broadcast.Subscriber.
func (c *Client) ID() string {
	return c.id
}

// Send queues a message for the write pump. It fails with broadcast.ErrSubscriberGone
// once the connection is closing, and with the context error if the buffer stays
// full past the delivery deadline.
func (c *Client) Send(ctx context.Context, message []byte) error {
	select {
	case <-c.done:
		return broadcast.ErrSubscriberGone
	default:
	}

	select {
	case c.send <- message:
		return nil
	case <-c.done:
		return broadcast.ErrSubscriberGone
	case <-ctx.Done():
		return fmt.Errorf("client %s send buffer full: %w", c.id, ctx.Err())
	}
}

// close signals both pumps to stop. Safe to call more than once.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// ReadPump detects liveness. The gateway only broadcasts, inbound messages are discarded.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
		c.logger.Debug().Msg("WebSocket readPump finished")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// WritePump pumps messages from the send buffer to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
		c.logger.Debug().Msg("WebSocket writePump finished")
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			// One event per frame, subscribers parse each frame as a JSON document.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket ping error")
				return
			}
		}
	}
}
