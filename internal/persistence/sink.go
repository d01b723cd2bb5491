// Package persistence archives readings to a time-series store. Archiving is the
// lowest priority step of a tick: writes are queued, failures are logged and dropped.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	DriverNone       = "none"
	DriverInflux     = "influx"
	DriverClickHouse = "clickhouse"
)

var ErrUnknownDriver = errors.New("unknown persistence driver")

// Sink stores numeric fields of one reading.
type Sink interface {
	Write(ctx context.Context, deviceID string, fields map[string]float64, ts time.Time) error
	Close() error
}

// InfluxConfig mirrors the persistence.influx config section.
type InfluxConfig struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// ClickHouseConfig mirrors the persistence.clickhouse config section.
type ClickHouseConfig struct {
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Table    string `mapstructure:"table"`
}

// Config selects and configures the sink.
type Config struct {
	Driver       string           `mapstructure:"driver"`
	QueueSize    int              `mapstructure:"queue_size"`
	WriteTimeout time.Duration    `mapstructure:"write_timeout"`
	Influx       InfluxConfig     `mapstructure:"influx"`
	ClickHouse   ClickHouseConfig `mapstructure:"clickhouse"`
}

// New opens the sink named by cfg.Driver.
func New(ctx context.Context, cfg Config, logger *zerolog.Logger) (Sink, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return NopSink{}, nil
	case DriverInflux:
		return NewInfluxSink(cfg.Influx, logger), nil
	case DriverClickHouse:
		return NewClickHouseSink(ctx, cfg.ClickHouse, logger)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Write(context.Context, string, map[string]float64, time.Time) error { return nil }
func (NopSink) Close() error                                                     { return nil }
