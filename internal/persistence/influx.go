package persistence

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"
)

const DefaultMeasurement = "iot_measurement"

// InfluxSink writes one point per reading, tagged with the device id.
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
	logger      *zerolog.Logger
}

func NewInfluxSink(cfg InfluxConfig, logger *zerolog.Logger) *InfluxSink {
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	logger.Info().
		Str("url", cfg.URL).
		Str("org", cfg.Org).
		Str("bucket", cfg.Bucket).
		Msg("InfluxDB sink configured")
	return &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		logger:      logger,
	}
}

func (s *InfluxSink) Write(ctx context.Context, deviceID string, fields map[string]float64, ts time.Time) error {
	pointFields := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		pointFields[k] = v
	}
	p := influxdb2.NewPoint(s.measurement, map[string]string{"device_id": deviceID}, pointFields, ts)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write %s: %w", deviceID, err)
	}
	return nil
}

func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}
