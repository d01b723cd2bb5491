package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-sim-gateway/internal/broadcast"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu   sync.Mutex
	err  error
	msgs []published
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return newToken(c.err)
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func newTestBridge(client Publisher, cfg Config) *Bridge {
	logger := zerolog.Nop()
	return NewBridge(client, cfg, &logger)
}

func TestBridge_RoutesEventsToTopics(t *testing.T) {
	client := &fakeClient{}
	b := newTestBridge(client, Config{TopicPrefix: "plant/", QoS: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)

	require.NoError(t, b.Send(ctx, []byte(`{"type":"device_list","devices":[]}`)))
	require.NoError(t, b.Send(ctx, []byte(`{"type":"reading","device_id":"temp-1","payload":{"temperature":70}}`)))
	require.NoError(t, b.Send(ctx, []byte(`{"type":"alert","device_id":"gps-2","severity":"warning"}`)))

	require.Eventually(t, func() bool { return len(client.sent()) == 3 }, time.Second, 5*time.Millisecond)
	msgs := client.sent()

	assert.Equal(t, "plant/fleet/device_list", msgs[0].topic)
	assert.True(t, msgs[0].retained)
	assert.Equal(t, "plant/temp-1/reading", msgs[1].topic)
	assert.False(t, msgs[1].retained)
	assert.Equal(t, "plant/gps-2/alert", msgs[2].topic)
	assert.Equal(t, byte(1), msgs[2].qos)
	assert.JSONEq(t, `{"type":"reading","device_id":"temp-1","payload":{"temperature":70}}`, string(msgs[1].payload))
}

func TestBridge_FullQueueDropsInsteadOfFailing(t *testing.T) {
	b := newTestBridge(&fakeClient{}, Config{QueueSize: 1})

	require.NoError(t, b.Send(context.Background(), []byte(`{"type":"reading","device_id":"a"}`)))
	require.NoError(t, b.Send(context.Background(), []byte(`{"type":"reading","device_id":"b"}`)))

	_, _, dropped := b.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestBridge_ClosedReportsGone(t *testing.T) {
	b := newTestBridge(&fakeClient{}, Config{})
	b.Close()
	b.Close()

	err := b.Send(context.Background(), []byte(`{"type":"reading"}`))
	assert.ErrorIs(t, err, broadcast.ErrSubscriberGone)
}

func TestBridge_PublishErrorsAreCounted(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	b := newTestBridge(client, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)

	require.NoError(t, b.Send(ctx, []byte(`{"type":"reading","device_id":"temp-1"}`)))
	require.Eventually(t, func() bool {
		_, failed, _ := b.Stats()
		return failed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBridge_InvalidPayload(t *testing.T) {
	b := newTestBridge(&fakeClient{}, Config{})
	assert.Error(t, b.Send(context.Background(), []byte(`not json`)))
}

func TestFormatTopic(t *testing.T) {
	assert.Equal(t, "iot/sim/gps-1/reading", formatTopic(DefaultTopicPrefix, "gps-1", "reading"))
	assert.Equal(t, "iot/sim/fleet/device_list", formatTopic(DefaultTopicPrefix, "", "device_list"))
}
