// internal/data/models.go
package data

import (
	"encoding/json"
	"time"
)

// DeviceKind identifies which generative model and metric set a device uses.
type DeviceKind string

const (
	KindTemperatureSensor DeviceKind = "temperature_sensor"
	KindGPSTracker        DeviceKind = "gps_tracker"
)

// Severity levels carried by alerts.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Metric names per device kind.
const (
	MetricTemperature = "temperature"
	MetricHumidity    = "humidity"
	MetricLat         = "lat"
	MetricLon         = "lon"
	MetricSpeed       = "speed"
)

// Metrics returns the fixed metric set produced by devices of this kind, or nil for an unknown kind.
func (k DeviceKind) Metrics() []string {
	switch k {
	case KindTemperatureSensor:
		return []string{MetricTemperature, MetricHumidity}
	case KindGPSTracker:
		return []string{MetricLat, MetricLon, MetricSpeed}
	}
	return nil
}

// Valid reports whether k is one of the supported kinds.
func (k DeviceKind) Valid() bool {
	return k.Metrics() != nil
}

// AlertConfig holds the kind-specific alert limits of a device.
type AlertConfig struct {
	Threshold  float64 `json:"threshold,omitempty"`   // temperature sensors
	SpeedLimit float64 `json:"speed_limit,omitempty"` // gps trackers
}

// Device - descriptor of a simulated device. Last is the only field that changes after registration.
type Device struct {
	ID    string            `json:"id"`
	Kind  DeviceKind        `json:"type"`
	Name  string            `json:"name"`
	Alert AlertConfig       `json:"alert_config"`
	Meta  map[string]string `json:"meta,omitempty"`
	Last  *Reading          `json:"last"`
}

// Reading - one immutable snapshot of a device's metrics.
type Reading struct {
	DeviceID  string             `json:"device_id"`
	Timestamp time.Time          `json:"timestamp"`
	Fields    map[string]float64 `json:"fields"`
}

// Field returns the named metric and whether it was present.
func (r *Reading) Field(name string) (float64, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// MarshalJSON renders the reading as its flat metric map, the shape subscribers
// see as a device's "last" value.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields)
}

// HistoryEntry - a reading tagged with its timestamp, as kept in the per-device history.
type HistoryEntry struct {
	Timestamp time.Time
	Fields    map[string]float64
}

// NewHistoryEntry copies r into a history entry.
func NewHistoryEntry(r Reading) HistoryEntry {
	return HistoryEntry{Timestamp: r.Timestamp, Fields: r.Fields}
}

// MarshalJSON flattens the entry into {"ts": ..., "<metric>": value, ...}.
func (e HistoryEntry) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["ts"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// Alert - Structure for sending alerts
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Metric    string    `json:"metric"` // Which metric triggered the alert
	Value     float64   `json:"value"`  // The offending value
	Limit     float64   `json:"limit"`
	DeviceID  string    `json:"device_id"`
}
