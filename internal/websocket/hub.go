// internal/websocket/hub.go
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"iot-sim-gateway/internal/broadcast"
	"iot-sim-gateway/internal/data"
	"iot-sim-gateway/internal/registry"
)

const (
	DefaultSendBuffer = 256
	initialSendWait   = 5 * time.Second
)

// Hub upgrades connections, registers each as a broadcaster subscriber and keeps
// track of the live ones so they can be closed on shutdown.
type Hub struct {
	broadcaster *broadcast.Broadcaster
	registry    *registry.Registry
	upgrader    websocket.Upgrader
	sendBuffer  int
	logger      *zerolog.Logger

	mu      sync.Mutex
	clients map[*Client]broadcast.Handle
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub. checkOrigin may be nil to accept every origin.
func NewHub(
	b *broadcast.Broadcaster,
	reg *registry.Registry,
	sendBuffer int,
	checkOrigin func(r *http.Request) bool,
	logger *zerolog.Logger,
) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		broadcaster: b,
		registry:    reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		sendBuffer: sendBuffer,
		logger:     logger,
		clients:    make(map[*Client]broadcast.Handle),
	}
}

// ServeHTTP upgrades the request and streams events until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := newClient("ws-"+uuid.NewString(), h, conn, h.sendBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	// The device list is the first frame, and every reading not already in it follows.
	ctx, cancel := context.WithTimeout(r.Context(), initialSendWait)
	handle, err := h.broadcaster.SubscribeWith(ctx, client, func() data.Event {
		return data.NewDeviceListEvent(h.registry.List())
	})
	cancel()
	if err != nil {
		h.mu.Unlock()
		h.logger.Warn().Err(err).Str("client_id", client.id).Msg("Failed to queue device list")
		_ = conn.Close()
		return
	}
	h.clients[client] = handle
	h.wg.Add(2)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		client.WritePump()
	}()
	go func() {
		defer h.wg.Done()
		client.ReadPump()
	}()

	h.logger.Info().
		Str("client_id", client.id).
		Str("remote", conn.RemoteAddr().String()).
		Msg("WebSocket connection established")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// remove unsubscribes a client whose read pump ended.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	handle, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	c.close()
	if ok {
		h.broadcaster.Unsubscribe(handle)
		h.logger.Info().Str("client_id", c.id).Msg("WebSocket client disconnected")
	}
}

// Shutdown closes every client and waits for their pumps to exit or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Int("clients", len(clients)).Msg("WebSocket hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
