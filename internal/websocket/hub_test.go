package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-sim-gateway/internal/broadcast"
	"iot-sim-gateway/internal/data"
	"iot-sim-gateway/internal/registry"
)

type envelope struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"device_id"`
	Devices  []data.Device   `json:"devices"`
	Payload  json.RawMessage `json:"payload"`
}

func setupHub(t *testing.T) (*Hub, *broadcast.Broadcaster, *httptest.Server) {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New()
	require.NoError(t, reg.Register(data.Device{ID: "temp-1", Kind: data.KindTemperatureSensor, Name: "PlantSensor-1"}))
	require.NoError(t, reg.Register(data.Device{ID: "gps-1", Kind: data.KindGPSTracker, Name: "Truck-1"}))

	b := broadcast.New(time.Second, &logger)
	hub := NewHub(b, reg, 16, nil, &logger)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, b, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestHub_DeviceListFirstThenReadings(t *testing.T) {
	hub, b, srv := setupHub(t)
	conn := dial(t, srv)

	first := readEnvelope(t, conn)
	assert.Equal(t, data.EventDeviceList, first.Type)
	require.Len(t, first.Devices, 2)
	assert.Equal(t, "temp-1", first.Devices[0].ID)
	assert.Nil(t, first.Devices[0].Last)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 && b.Count() == 1 }, time.Second, 5*time.Millisecond)

	b.Publish(context.Background(), data.NewReadingEvent(data.KindTemperatureSensor, data.Reading{
		DeviceID:  "temp-1",
		Timestamp: time.Now().UTC(),
		Fields:    map[string]float64{"temperature": 71.5, "humidity": 44},
	}))

	next := readEnvelope(t, conn)
	assert.Equal(t, data.EventReading, next.Type)
	assert.Equal(t, "temp-1", next.DeviceID)
	assert.JSONEq(t, `{"temperature":71.5,"humidity":44}`, string(next.Payload))
}

func TestHub_EveryClientGetsEveryEvent(t *testing.T) {
	hub, b, srv := setupHub(t)
	conns := []*websocket.Conn{dial(t, srv), dial(t, srv), dial(t, srv)}
	for _, c := range conns {
		assert.Equal(t, data.EventDeviceList, readEnvelope(t, c).Type)
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 3 }, time.Second, 5*time.Millisecond)

	b.Publish(context.Background(), data.NewAlertEvent(data.Alert{
		DeviceID: "gps-1", Severity: data.SeverityWarning, Message: "High speed detected: 72.0 mph",
	}))
	for _, c := range conns {
		env := readEnvelope(t, c)
		assert.Equal(t, data.EventAlert, env.Type)
		assert.Equal(t, "gps-1", env.DeviceID)
	}
}

func TestHub_DisconnectUnsubscribes(t *testing.T) {
	hub, b, srv := setupHub(t)
	conn := dial(t, srv)
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 && b.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Publishing to nobody is fine.
	b.Publish(context.Background(), data.NewDeviceListEvent(nil))
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub, _, srv := setupHub(t)
	conn := dial(t, srv)
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestClient_SendAfterCloseIsGone(t *testing.T) {
	logger := zerolog.Nop()
	h := &Hub{logger: &logger}
	c := newClient("ws-test", h, nil, 1)
	c.close()
	assert.ErrorIs(t, c.Send(context.Background(), []byte("x")), broadcast.ErrSubscriberGone)
}

func TestClient_FullBufferTimesOut(t *testing.T) {
	logger := zerolog.Nop()
	h := &Hub{logger: &logger}
	c := newClient("ws-test", h, nil, 1)
	require.NoError(t, c.Send(context.Background(), []byte("first")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Send(ctx, []byte("second")), context.DeadlineExceeded)
}
