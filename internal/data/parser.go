// internal/data/parser.go
package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPayload = errors.New("invalid reading payload")
	ErrMissingMetric  = errors.New("missing metric")
	ErrUnknownMetric  = errors.New("unknown metric")
)

// ParseReading turns an injected JSON payload into a reading for the given device.
//
// Two shapes are accepted: {"metrics": {...}, "timestamp": "..."} and a flat object whose
// numeric keys are the metrics. The metric set must match the device kind exactly.
// The timestamp is optional; now is used when it is absent or unparsable.
func ParseReading(raw []byte, device Device, now time.Time) (*Reading, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	metrics := generic
	if nested, ok := generic["metrics"].(map[string]interface{}); ok {
		metrics = nested
	}

	ts := now
	if tsStr, ok := generic["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, tsStr); err == nil {
			ts = t
		}
	}

	allowed := make(map[string]bool)
	for _, m := range device.Kind.Metrics() {
		allowed[m] = true
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: device %s has unsupported kind %q", ErrInvalidPayload, device.ID, device.Kind)
	}

	fields := make(map[string]float64, len(allowed))
	for name, value := range metrics {
		if name == "timestamp" || name == "metrics" {
			continue
		}
		if !allowed[name] {
			return nil, fmt.Errorf("%w: %q for %s", ErrUnknownMetric, name, device.Kind)
		}
		// JSON numbers always decode as float64 into interface{}
		f, ok := value.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: metric %q is not numeric (%T)", ErrInvalidPayload, name, value)
		}
		fields[name] = f
	}

	for name := range allowed {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingMetric, name)
		}
	}

	return &Reading{DeviceID: device.ID, Timestamp: ts.UTC(), Fields: fields}, nil
}
