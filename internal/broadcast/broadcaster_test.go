package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-sim-gateway/internal/data"
)

type fakeSubscriber struct {
	id    string
	err   error
	block bool

	mu       sync.Mutex
	messages [][]byte
	calls    int
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(ctx context.Context, message []byte) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.messages = append(f.messages, message)
	f.mu.Unlock()
	return nil
}

func (f *fakeSubscriber) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.messages...)
}

func (f *fakeSubscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestBroadcaster(timeout time.Duration) *Broadcaster {
	logger := zerolog.Nop()
	return New(timeout, &logger)
}

func readingEvent(id string, temp float64) data.Event {
	return data.NewReadingEvent(data.KindTemperatureSensor, data.Reading{
		DeviceID:  id,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Fields:    map[string]float64{"temperature": temp, "humidity": 40},
	})
}

func TestPublish_DeliversToEverySubscriber(t *testing.T) {
	b := newTestBroadcaster(time.Second)
	a := &fakeSubscriber{id: "a"}
	c := &fakeSubscriber{id: "c"}
	b.Subscribe(a)
	b.Subscribe(c)

	b.Publish(context.Background(), readingEvent("temp-1", 70))

	for _, sub := range []*fakeSubscriber{a, c} {
		msgs := sub.received()
		require.Len(t, msgs, 1, "subscriber %s", sub.id)

		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(msgs[0], &decoded))
		assert.Equal(t, "reading", decoded["type"])
		assert.Equal(t, "temp-1", decoded["device_id"])
	}
}

func TestPublish_RemovesFailedSubscribers(t *testing.T) {
	b := newTestBroadcaster(time.Second)
	healthy := &fakeSubscriber{id: "healthy"}
	gone := &fakeSubscriber{id: "gone", err: ErrSubscriberGone}
	broken := &fakeSubscriber{id: "broken", err: errors.New("write: broken pipe")}
	b.Subscribe(healthy)
	b.Subscribe(gone)
	b.Subscribe(broken)
	require.Equal(t, 3, b.Count())

	b.Publish(context.Background(), readingEvent("temp-1", 70))
	assert.Equal(t, 1, b.Count())

	b.Publish(context.Background(), readingEvent("temp-1", 71))
	assert.Len(t, healthy.received(), 2)
	assert.Equal(t, 1, gone.callCount(), "failed subscriber must not be retried")
	assert.Equal(t, 1, broken.callCount())
}

func TestPublish_SlowSubscriberIsBoundedAndDropped(t *testing.T) {
	b := newTestBroadcaster(50 * time.Millisecond)
	slow := &fakeSubscriber{id: "slow", block: true}
	fast := &fakeSubscriber{id: "fast"}
	b.Subscribe(slow)
	b.Subscribe(fast)

	start := time.Now()
	b.Publish(context.Background(), readingEvent("temp-1", 70))
	assert.Less(t, time.Since(start), time.Second)

	assert.Len(t, fast.received(), 1)
	assert.Equal(t, 1, b.Count())
}

func TestPublish_NoSubscribers(t *testing.T) {
	b := newTestBroadcaster(time.Second)
	assert.NotPanics(t, func() {
		b.Publish(context.Background(), readingEvent("temp-1", 70))
	})
}

func TestPublish_PreservesOrderPerProducer(t *testing.T) {
	b := newTestBroadcaster(time.Second)
	sub := &fakeSubscriber{id: "ordered"}
	b.Subscribe(sub)

	for i := 0; i < 20; i++ {
		b.Publish(context.Background(), readingEvent("temp-1", float64(i)))
	}

	msgs := sub.received()
	require.Len(t, msgs, 20)
	for i, m := range msgs {
		var ev struct {
			Payload map[string]float64 `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(m, &ev))
		assert.Equal(t, float64(i), ev.Payload["temperature"])
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := newTestBroadcaster(time.Second)
	sub := &fakeSubscriber{id: "s"}
	h := b.Subscribe(sub)
	assert.NotEmpty(t, h)
	assert.Equal(t, 1, b.Count())

	b.Unsubscribe(h)
	b.Unsubscribe(h)
	assert.Equal(t, 0, b.Count())

	b.Publish(context.Background(), readingEvent("temp-1", 70))
	assert.Empty(t, sub.received())
}

func TestSendTo_ReturnsError(t *testing.T) {
	b := newTestBroadcaster(time.Second)
	ok := &fakeSubscriber{id: "ok"}
	require.NoError(t, b.SendTo(context.Background(), ok, data.NewDeviceListEvent(nil)))
	require.Len(t, ok.received(), 1)
	assert.JSONEq(t, `{"type":"device_list","devices":[]}`, string(ok.received()[0]))

	bad := &fakeSubscriber{id: "bad", err: ErrSubscriberGone}
	assert.ErrorIs(t, b.SendTo(context.Background(), bad, data.NewDeviceListEvent(nil)), ErrSubscriberGone)
	assert.Equal(t, 0, b.Count())
}

func TestSubscribeWith_FirstEventThenFanOut(t *testing.T) {
	b := newTestBroadcaster(time.Second)
	sub := &fakeSubscriber{id: "ws-1"}

	h, err := b.SubscribeWith(context.Background(), sub, func() data.Event { return data.NewDeviceListEvent(nil) })
	require.NoError(t, err)
	assert.NotEmpty(t, h)
	assert.Equal(t, 1, b.Count())

	b.Publish(context.Background(), readingEvent("temp-1", 70))
	msgs := sub.received()
	require.Len(t, msgs, 2)
	assert.Contains(t, string(msgs[0]), `"type":"device_list"`)
	assert.Contains(t, string(msgs[1]), `"type":"reading"`)

	bad := &fakeSubscriber{id: "bad", err: ErrSubscriberGone}
	_, err = b.SubscribeWith(context.Background(), bad, func() data.Event { return data.NewDeviceListEvent(nil) })
	assert.ErrorIs(t, err, ErrSubscriberGone)
	assert.Equal(t, 1, b.Count())
}

// A subscriber joining while readings flow sees every reading either in its
// snapshot or in the fan-out after it.
func TestSubscribeWith_NoReadingLostWhileJoining(t *testing.T) {
	const total = 300
	b := newTestBroadcaster(time.Second)

	var (
		stateMu sync.Mutex
		latest  float64
	)
	done := make(chan struct{})
	defer func() { <-done }()
	go func() {
		defer close(done)
		for i := 1; i <= total; i++ {
			stateMu.Lock()
			latest = float64(i)
			stateMu.Unlock()
			b.Publish(context.Background(), readingEvent("temp-1", float64(i)))
			time.Sleep(50 * time.Microsecond)
		}
	}()

	time.Sleep(time.Millisecond)
	sub := &fakeSubscriber{id: "late"}
	var snapshot float64
	_, err := b.SubscribeWith(context.Background(), sub, func() data.Event {
		stateMu.Lock()
		snapshot = latest
		stateMu.Unlock()
		return data.NewDeviceListEvent(nil)
	})
	require.NoError(t, err)

	if snapshot == total {
		return
	}
	require.Eventually(t, func() bool {
		msgs := sub.received()
		if len(msgs) < 2 {
			return false
		}
		var last data.ReadingEvent
		if err := json.Unmarshal(msgs[len(msgs)-1], &last); err != nil {
			return false
		}
		return last.Payload["temperature"] == total
	}, 2*time.Second, 5*time.Millisecond)

	msgs := sub.received()
	var readings []float64
	for _, m := range msgs[1:] {
		var ev data.ReadingEvent
		require.NoError(t, json.Unmarshal(m, &ev))
		readings = append(readings, ev.Payload["temperature"])
	}
	assert.LessOrEqual(t, readings[0], snapshot+1, "gap between snapshot %v and first reading", snapshot)
	for i := 1; i < len(readings); i++ {
		assert.Equal(t, readings[i-1]+1, readings[i])
	}
}

func TestPublish_ConcurrentChurn(t *testing.T) {
	b := newTestBroadcaster(time.Second)
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(context.Background(), readingEvent("temp-1", float64(j)))
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := b.Subscribe(&fakeSubscriber{id: "churn"})
				b.Unsubscribe(h)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Count())
}
