// Package mqtt republishes the event stream to an MQTT broker so non-HTTP
// consumers can follow the fleet.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"iot-sim-gateway/internal/broadcast"
	"iot-sim-gateway/internal/data"
)

const (
	DefaultTopicPrefix = "iot/sim"
	DefaultQueueSize   = 256
	publishTimeout     = 5 * time.Second
	fleetTopicSegment  = "fleet"
)

// Config mirrors the mqtt config section.
type Config struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
	QueueSize   int    `mapstructure:"queue_size"`
}

// Publisher is the part of the paho client the bridge uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Connect opens a paho client with auto-reconnect.
func Connect(cfg Config, logger *zerolog.Logger) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("MQTT connection established")
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	return client, nil
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// Bridge is a broadcast subscriber that forwards every event to
// "{prefix}/{device_id}/{type}". Fleet-wide events go to "{prefix}/fleet/{type}".
type Bridge struct {
	client Publisher
	prefix string
	qos    byte
	queue  chan message
	logger *zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func NewBridge(client Publisher, cfg Config, logger *zerolog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	return &Bridge{
		client: client,
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
		queue:  make(chan message, cfg.QueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (b *Bridge) ID() string {
	return "mqtt-bridge"
}

// Send routes the event to its topic and queues it. A full queue drops the event
// instead of failing, so a slow broker never costs the bridge its subscription.
func (b *Bridge) Send(_ context.Context, payload []byte) error {
	select {
	case <-b.done:
		return broadcast.ErrSubscriberGone
	default:
	}

	var head struct {
		Type     string `json:"type"`
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return fmt.Errorf("mqtt bridge: decode event: %w", err)
	}

	msg := message{
		topic:    formatTopic(b.prefix, head.DeviceID, head.Type),
		payload:  payload,
		retained: head.Type == data.EventDeviceList,
	}

	select {
	case b.queue <- msg:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn().Uint64("dropped", n).Msg("MQTT queue full, dropping events")
		}
	}
	return nil
}

// Start publishes queued events until ctx is cancelled or the bridge is closed.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info().Str("prefix", b.prefix).Msg("MQTT bridge starting")
	defer func() {
		b.logger.Info().
			Uint64("published", b.published.Load()).
			Uint64("failed", b.failed.Load()).
			Uint64("dropped", b.dropped.Load()).
			Msg("MQTT bridge stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case msg := <-b.queue:
			if err := b.publish(msg); err != nil {
				b.failed.Add(1)
				b.logger.Warn().Err(err).Str("topic", msg.topic).Msg("MQTT publish failed")
				continue
			}
			b.published.Add(1)
		}
	}
}

func (b *Bridge) publish(msg message) error {
	token := b.client.Publish(msg.topic, b.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", msg.topic)
	}
	return token.Error()
}

// Close stops the bridge. Later sends report broadcast.ErrSubscriberGone.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Stats reports published, failed and dropped counts.
func (b *Bridge) Stats() (published, failed, dropped uint64) {
	return b.published.Load(), b.failed.Load(), b.dropped.Load()
}

func formatTopic(prefix, deviceID, eventType string) string {
	if deviceID == "" {
		deviceID = fleetTopicSegment
	}
	return prefix + "/" + deviceID + "/" + eventType
}
