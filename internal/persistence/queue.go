package persistence

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultQueueSize    = 1024
	DefaultWriteTimeout = 5 * time.Second
)

var ErrQueueFull = errors.New("persistence queue full")

type point struct {
	deviceID string
	fields   map[string]float64
	ts       time.Time
}

// Queue decouples device loops from the sink. Write never blocks; a single worker
// drains the queue in Run.
type Queue struct {
	sink    Sink
	points  chan point
	timeout time.Duration
	logger  *zerolog.Logger

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewQueue(sink Sink, size int, writeTimeout time.Duration, logger *zerolog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Queue{
		sink:    sink,
		points:  make(chan point, size),
		timeout: writeTimeout,
		logger:  logger,
	}
}

// Write enqueues a reading for archiving. It returns ErrQueueFull instead of waiting.
func (q *Queue) Write(_ context.Context, deviceID string, fields map[string]float64, ts time.Time) error {
	select {
	case q.points <- point{deviceID: deviceID, fields: fields, ts: ts}:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled. Sink errors are logged and the point is dropped.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info().Int("capacity", cap(q.points)).Msg("Persistence queue started")
	for {
		select {
		case <-ctx.Done():
			q.logger.Info().
				Uint64("written", q.written.Load()).
				Uint64("failed", q.failed.Load()).
				Uint64("dropped", q.dropped.Load()).
				Msg("Persistence queue stopped")
			return
		case p := <-q.points:
			q.store(ctx, p)
		}
	}
}

func (q *Queue) store(ctx context.Context, p point) {
	wctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	if err := q.sink.Write(wctx, p.deviceID, p.fields, p.ts); err != nil {
		q.failed.Add(1)
		q.logger.Warn().Err(err).Str("device_id", p.deviceID).Msg("Failed to archive reading")
		return
	}
	q.written.Add(1)
}

// Stats reports written, failed and dropped counts.
func (q *Queue) Stats() (written, failed, dropped uint64) {
	return q.written.Load(), q.failed.Load(), q.dropped.Load()
}
