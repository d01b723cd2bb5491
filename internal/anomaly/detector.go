// internal/anomaly/detector.go
package anomaly

import (
	"fmt"

	"iot-sim-gateway/internal/data"
)

const (
	DefaultTemperatureThreshold = 75.0
	DefaultSpeedLimit           = 70.0
)

// Evaluate checks a reading against the device's alert configuration and returns
// at most one alert. It holds no state; the same inputs always give the same result.
// A zero limit in the config falls back to the kind's default.
func Evaluate(device data.Device, reading data.Reading) *data.Alert {
	switch device.Kind {
	case data.KindTemperatureSensor:
		temp, ok := reading.Field(data.MetricTemperature)
		if !ok {
			return nil
		}
		threshold := device.Alert.Threshold
		if threshold == 0 {
			threshold = DefaultTemperatureThreshold
		}
		if temp <= threshold {
			return nil
		}
		return &data.Alert{
			Timestamp: reading.Timestamp,
			Severity:  data.SeverityCritical,
			Message:   fmt.Sprintf("Temperature %.1fF above threshold %.1fF", temp, threshold),
			Metric:    data.MetricTemperature,
			Value:     temp,
			Limit:     threshold,
			DeviceID:  reading.DeviceID,
		}

	case data.KindGPSTracker:
		speed, ok := reading.Field(data.MetricSpeed)
		if !ok {
			return nil
		}
		limit := device.Alert.SpeedLimit
		if limit == 0 {
			limit = DefaultSpeedLimit
		}
		if speed <= limit {
			return nil
		}
		return &data.Alert{
			Timestamp: reading.Timestamp,
			Severity:  data.SeverityWarning,
			Message:   fmt.Sprintf("High speed detected: %.1f mph", speed),
			Metric:    data.MetricSpeed,
			Value:     speed,
			Limit:     limit,
			DeviceID:  reading.DeviceID,
		}
	}
	return nil
}
