// Package sse serves the event stream as Server-Sent Events for clients that
// cannot hold a WebSocket open.
package sse

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iot-sim-gateway/internal/broadcast"
	"iot-sim-gateway/internal/data"
	"iot-sim-gateway/internal/registry"
)

const (
	DefaultBuffer     = 256
	keepAliveInterval = 15 * time.Second
	initialSendWait   = 5 * time.Second
)

// Stream is the /events handler. Each request becomes one broadcast subscriber.
type Stream struct {
	broadcaster *broadcast.Broadcaster
	registry    *registry.Registry
	buffer      int
	logger      *zerolog.Logger

	shutdown chan struct{}
	once     sync.Once
	active   atomic.Int64
}

func NewStream(b *broadcast.Broadcaster, reg *registry.Registry, buffer int, logger *zerolog.Logger) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{
		broadcaster: b,
		registry:    reg,
		buffer:      buffer,
		logger:      logger,
		shutdown:    make(chan struct{}),
	}
}

// client is one open event stream.
type client struct {
	id   string
	ch   chan []byte
	done chan struct{}
}

func (c *client) ID() string { return c.id }

func (c *client) Send(ctx context.Context, message []byte) error {
	select {
	case <-c.done:
		return broadcast.ErrSubscriberGone
	default:
	}
	select {
	case c.ch <- message:
		return nil
	case <-c.done:
		return broadcast.ErrSubscriberGone
	case <-ctx.Done():
		return fmt.Errorf("sse client %s buffer full: %w", c.id, ctx.Err())
	}
}

// ClientCount returns the number of open streams.
func (s *Stream) ClientCount() int {
	return int(s.active.Load())
}

// Shutdown ends every open stream.
func (s *Stream) Shutdown() {
	s.once.Do(func() { close(s.shutdown) })
}

// ServeHTTP handles SSE connections.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// The stream outlives server.write_timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	c := &client{
		id:   "sse-" + uuid.NewString(),
		ch:   make(chan []byte, s.buffer),
		done: make(chan struct{}),
	}
	defer close(c.done)

	ctx, cancel := context.WithTimeout(r.Context(), initialSendWait)
	handle, err := s.broadcaster.SubscribeWith(ctx, c, func() data.Event {
		return data.NewDeviceListEvent(s.registry.List())
	})
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("client_id", c.id).Msg("Failed to queue device list")
		return
	}
	defer s.broadcaster.Unsubscribe(handle)

	s.active.Add(1)
	defer s.active.Add(-1)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case msg := <-c.ch:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				s.logger.Debug().Err(err).Str("client_id", c.id).Msg("SSE write failed")
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			s.logger.Debug().Str("client_id", c.id).Msg("SSE client disconnected")
			return
		case <-s.shutdown:
			return
		}
	}
}
