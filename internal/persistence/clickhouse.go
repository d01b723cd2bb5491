package persistence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
)

const DefaultClickHouseTable = "device_readings"

// ClickHouseSink stores readings in long format, one row per metric.
type ClickHouseSink struct {
	conn   driver.Conn
	table  string
	logger *zerolog.Logger
}

// NewClickHouseSink connects, pings and creates the readings table if needed.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig, logger *zerolog.Logger) (*ClickHouseSink, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultClickHouseTable
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &ClickHouseSink{conn: conn, table: cfg.Table, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.Info().Str("addr", cfg.Addr).Str("table", cfg.Table).Msg("Connected to ClickHouse")
	return s, nil
}

func (s *ClickHouseSink) initSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(9, 'UTC'),
			device_id LowCardinality(String),
			metric    LowCardinality(String),
			value     Float64
		) ENGINE = MergeTree()
		ORDER BY (device_id, metric, timestamp)
	`, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, deviceID string, fields map[string]float64, ts time.Time) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (timestamp, device_id, metric, value)", s.table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	metrics := make([]string, 0, len(fields))
	for k := range fields {
		metrics = append(metrics, k)
	}
	sort.Strings(metrics)

	for _, m := range metrics {
		if err := batch.Append(ts, deviceID, m, fields[m]); err != nil {
			return fmt.Errorf("failed to append %s/%s: %w", deviceID, m, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert reading for %s: %w", deviceID, err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
