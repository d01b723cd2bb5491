package alerting

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-sim-gateway/internal/data"
)

type capture struct {
	events []data.Event
}

func (c *capture) Publish(_ context.Context, e data.Event) {
	c.events = append(c.events, e)
}

func TestProcess_LogsAndPublishes(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	pub := &capture{}
	a := NewAlerter(pub, &logger)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a.Process(context.Background(), data.Alert{
		Timestamp: ts,
		Severity:  data.SeverityCritical,
		Message:   "Temperature 80.0F above threshold 75.0F",
		Metric:    data.MetricTemperature,
		Value:     80,
		Limit:     75,
		DeviceID:  "temp-1",
	})

	require.Len(t, pub.events, 1)
	ev, ok := pub.events[0].(data.AlertEvent)
	require.True(t, ok)
	assert.Equal(t, data.EventAlert, ev.Type)
	assert.Equal(t, "temp-1", ev.DeviceID)
	assert.Equal(t, data.SeverityCritical, ev.Severity)
	assert.Equal(t, ts, ev.Timestamp)

	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"device_id":"temp-1"`)
	assert.Contains(t, buf.String(), "above threshold")
}

func TestProcess_NilPublisher(t *testing.T) {
	logger := zerolog.Nop()
	a := NewAlerter(nil, &logger)
	assert.NotPanics(t, func() {
		a.Process(context.Background(), data.Alert{DeviceID: "gps-1"})
	})
}
