// Package broadcast fans events out to a churning set of subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iot-sim-gateway/internal/data"
)

const DefaultDeliveryTimeout = time.Second

// ErrSubscriberGone is returned by a Subscriber whose underlying connection has
// already closed. It is the expected way for a subscriber to leave.
var ErrSubscriberGone = errors.New("subscriber gone")

// Subscriber receives serialized events. Send must return once ctx is done.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, message []byte) error
}

// Handle identifies one subscription.
type Handle string

// Broadcaster owns the set of live subscribers, not their lifecycle.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[Handle]Subscriber
	timeout     time.Duration
	logger      *zerolog.Logger
}

func New(deliveryTimeout time.Duration, logger *zerolog.Logger) *Broadcaster {
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Broadcaster{
		subscribers: make(map[Handle]Subscriber),
		timeout:     deliveryTimeout,
		logger:      logger,
	}
}

// Subscribe adds sub to the live set and returns its handle.
func (b *Broadcaster) Subscribe(sub Subscriber) Handle {
	h := Handle(uuid.NewString())

	b.mu.Lock()
	b.subscribers[h] = sub
	total := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Info().
		Str("subscriber", sub.ID()).
		Int("total_subscribers", total).
		Msg("Subscriber registered")
	return h
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (b *Broadcaster) Unsubscribe(h Handle) {
	b.mu.Lock()
	sub, ok := b.subscribers[h]
	delete(b.subscribers, h)
	total := len(b.subscribers)
	b.mu.Unlock()

	if ok {
		b.logger.Info().
			Str("subscriber", sub.ID()).
			Int("total_subscribers", total).
			Msg("Subscriber unregistered")
	}
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish delivers event to every subscriber registered when Publish is called.
// Each delivery is attempted once and bounded by the delivery timeout; subscribers
// that fail are removed. Publish never reports delivery failures to the caller.
func (b *Broadcaster) Publish(ctx context.Context, event data.Event) {
	message, err := json.Marshal(event)
	if err != nil {
		// Not a subscriber problem, nobody gets removed for it.
		b.logger.Error().
			Err(err).
			Str("event_type", event.EventType()).
			Msg("Failed to marshal event")
		return
	}

	type target struct {
		handle Handle
		sub    Subscriber
	}

	b.mu.RLock()
	targets := make([]target, 0, len(b.subscribers))
	for h, sub := range b.subscribers {
		targets = append(targets, target{h, sub})
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed []Handle
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			if err := b.deliver(ctx, t.sub, message); err != nil {
				b.logFailure(t.sub, event, err)
				failMu.Lock()
				failed = append(failed, t.handle)
				failMu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	if len(failed) == 0 {
		return
	}

	b.mu.Lock()
	for _, h := range failed {
		delete(b.subscribers, h)
	}
	total := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debug().
		Int("removed", len(failed)).
		Int("total_subscribers", total).
		Msg("Pruned failed subscribers")
}

// SubscribeWith builds the event returned by first, queues it on sub and registers sub,
// all while holding the subscriber lock. A Publish either snapshots the subscriber set
// before that, and so completed any state change first reflects, or sees sub and
// delivers after first. If first cannot be queued, sub is not registered.
func (b *Broadcaster) SubscribeWith(ctx context.Context, sub Subscriber, first func() data.Event) (Handle, error) {
	b.mu.Lock()
	if err := b.SendTo(ctx, sub, first()); err != nil {
		b.mu.Unlock()
		return "", err
	}
	h := Handle(uuid.NewString())
	b.subscribers[h] = sub
	total := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Info().
		Str("subscriber", sub.ID()).
		Int("total_subscribers", total).
		Msg("Subscriber registered")
	return h, nil
}

// SendTo delivers a single event to one subscriber outside the fan-out.
// The error is returned to the caller.
func (b *Broadcaster) SendTo(ctx context.Context, sub Subscriber, event data.Event) error {
	message, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.deliver(ctx, sub, message)
}

// Close drops every subscription. Subscribers stay responsible for their own connections.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	n := len(b.subscribers)
	b.subscribers = make(map[Handle]Subscriber)
	b.mu.Unlock()
	b.logger.Info().Int("dropped", n).Msg("Broadcaster closed")
}

func (b *Broadcaster) deliver(ctx context.Context, sub Subscriber, message []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return sub.Send(ctx, message)
}

func (b *Broadcaster) logFailure(sub Subscriber, event data.Event, err error) {
	var ev *zerolog.Event
	if errors.Is(err, ErrSubscriberGone) {
		ev = b.logger.Debug()
	} else {
		ev = b.logger.Warn()
	}
	ev.Err(err).
		Str("subscriber", sub.ID()).
		Str("event_type", event.EventType()).
		Msg("Failed to deliver event, removing subscriber")
}
