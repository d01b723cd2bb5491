package data

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var (
	tempDevice = Device{ID: "temp-1", Kind: KindTemperatureSensor}
	gpsDevice  = Device{ID: "gps-1", Kind: KindGPSTracker}
)

func TestParseReading_NestedMetrics(t *testing.T) {
	r, err := ParseReading([]byte(`{"metrics":{"temperature":80.5,"humidity":41}}`), tempDevice, now)
	require.NoError(t, err)
	assert.Equal(t, "temp-1", r.DeviceID)
	assert.Equal(t, now, r.Timestamp)
	assert.Equal(t, map[string]float64{"temperature": 80.5, "humidity": 41}, r.Fields)
}

func TestParseReading_FlatWithTimestamp(t *testing.T) {
	raw := `{"lat":37.8,"lon":-122.4,"speed":72,"timestamp":"2024-05-01T10:00:00Z"}`
	r, err := ParseReading([]byte(raw), gpsDevice, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), r.Timestamp)
	assert.Equal(t, 72.0, r.Fields["speed"])
}

func TestParseReading_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		device  Device
		wantErr error
	}{
		{"not json", `{`, tempDevice, ErrInvalidPayload},
		{"missing humidity", `{"temperature":70}`, tempDevice, ErrMissingMetric},
		{"foreign metric", `{"temperature":70,"humidity":40,"speed":3}`, tempDevice, ErrUnknownMetric},
		{"non numeric", `{"temperature":"hot","humidity":40}`, tempDevice, ErrInvalidPayload},
		{"gps without speed", `{"metrics":{"lat":1,"lon":2}}`, gpsDevice, ErrMissingMetric},
		{"unsupported kind", `{"temperature":1}`, Device{ID: "x", Kind: "barometer"}, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReading([]byte(tt.raw), tt.device, now)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHistoryEntry_MarshalsFlat(t *testing.T) {
	e := NewHistoryEntry(Reading{DeviceID: "temp-1", Timestamp: now, Fields: map[string]float64{"temperature": 70.25}})
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ts":"2024-05-01T12:00:00Z","temperature":70.25}`, string(b))
}

func TestDevice_MarshalsLastAsFlatMetrics(t *testing.T) {
	d := Device{ID: "gps-1", Kind: KindGPSTracker, Name: "Truck-1"}
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"last":null`)
	assert.Contains(t, string(b), `"type":"gps_tracker"`)

	d.Last = &Reading{Fields: map[string]float64{"speed": 30.1}}
	b, err = json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"last":{"speed":30.1}`)
}

func TestEvents_Shapes(t *testing.T) {
	r := Reading{DeviceID: "temp-1", Timestamp: now, Fields: map[string]float64{"temperature": 70}}
	b, err := json.Marshal(NewReadingEvent(KindTemperatureSensor, r))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"reading","device_id":"temp-1","device_type":"temperature_sensor",
		"payload":{"temperature":70},"timestamp":"2024-05-01T12:00:00Z"}`, string(b))

	b, err = json.Marshal(NewDeviceListEvent(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"device_list","devices":[]}`, string(b))

	ev := NewAlertEvent(Alert{DeviceID: "gps-1", Severity: SeverityWarning, Message: "m", Timestamp: now})
	assert.Equal(t, EventAlert, ev.EventType())
	assert.Equal(t, "gps-1", ev.Source())
}
