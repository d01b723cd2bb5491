// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"iot-sim-gateway/internal/anomaly"
	"iot-sim-gateway/internal/auth"
	"iot-sim-gateway/internal/broadcast"
	"iot-sim-gateway/internal/data"
	"iot-sim-gateway/internal/logging"
	"iot-sim-gateway/internal/mqtt"
	"iot-sim-gateway/internal/persistence"
)

const envPrefix = "GATEWAY"

type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	CORS        CORSConfig         `mapstructure:"cors"`
	Simulator   SimulatorConfig    `mapstructure:"simulator"`
	Devices     []DeviceConfig     `mapstructure:"devices"`
	History     HistoryConfig      `mapstructure:"history"`
	Broadcast   BroadcastConfig    `mapstructure:"broadcast"`
	Persistence persistence.Config `mapstructure:"persistence"`
	MQTT        mqtt.Config        `mapstructure:"mqtt"`
	Auth        auth.Config        `mapstructure:"auth"`
	Log         logging.Config     `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WebDir          string        `mapstructure:"web_dir"`
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type SimulatorConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	Seed               int64         `mapstructure:"seed"`
	TemperatureSensors int           `mapstructure:"temperature_sensors"`
	GPSTrackers        int           `mapstructure:"gps_trackers"`
}

// DeviceConfig describes one device of an explicit fleet.
type DeviceConfig struct {
	ID         string            `mapstructure:"id" yaml:"id"`
	Type       string            `mapstructure:"type" yaml:"type"`
	Name       string            `mapstructure:"name" yaml:"name"`
	Threshold  float64           `mapstructure:"threshold" yaml:"threshold,omitempty"`
	SpeedLimit float64           `mapstructure:"speed_limit" yaml:"speed_limit,omitempty"`
	Meta       map[string]string `mapstructure:"meta" yaml:"meta,omitempty"`
}

type HistoryConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type BroadcastConfig struct {
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	SendBuffer      int           `mapstructure:"send_buffer"`
}

// Error reports an invalid configuration value.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrNotPositive = errors.New("must be positive")
	ErrInvalid     = errors.New("invalid value")
)

// Load reads configuration from .env files, the config file found at path (a file
// or a directory holding config.yaml), and GATEWAY_* environment variables.
// A missing config file is not an error.
func Load(path string) (*Config, error) {
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Load(envFile)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	switch {
	case path == "":
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	case strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".json"):
		v.SetConfigFile(path)
	default:
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// setDefaults registers every key, AutomaticEnv only reaches keys viper already knows.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.web_dir", "")

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173", "http://localhost:3000"})

	v.SetDefault("simulator.tick_interval", 2*time.Second)
	v.SetDefault("simulator.seed", 0)
	v.SetDefault("simulator.temperature_sensors", 3)
	v.SetDefault("simulator.gps_trackers", 3)

	v.SetDefault("history.capacity", 200)

	v.SetDefault("broadcast.delivery_timeout", broadcast.DefaultDeliveryTimeout)
	v.SetDefault("broadcast.send_buffer", 256)

	v.SetDefault("persistence.driver", persistence.DriverNone)
	v.SetDefault("persistence.queue_size", persistence.DefaultQueueSize)
	v.SetDefault("persistence.write_timeout", persistence.DefaultWriteTimeout)
	v.SetDefault("persistence.influx.url", "http://localhost:8086")
	v.SetDefault("persistence.influx.org", "iot")
	v.SetDefault("persistence.influx.token", "")
	v.SetDefault("persistence.influx.bucket", "iot_bucket")
	v.SetDefault("persistence.influx.measurement", persistence.DefaultMeasurement)
	v.SetDefault("persistence.clickhouse.addr", "localhost:9000")
	v.SetDefault("persistence.clickhouse.database", "default")
	v.SetDefault("persistence.clickhouse.username", "default")
	v.SetDefault("persistence.clickhouse.password", "")
	v.SetDefault("persistence.clickhouse.table", persistence.DefaultClickHouseTable)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "iot-sim-gateway")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", mqtt.DefaultTopicPrefix)
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.queue_size", mqtt.DefaultQueueSize)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration", auth.DefaultJWTExpiration)
	v.SetDefault("auth.api_keys", []string{})

	defaults := logging.DefaultConfig()
	v.SetDefault("log.level", defaults.Level)
	v.SetDefault("log.format", defaults.Format)
	v.SetDefault("log.output", defaults.Output)
	v.SetDefault("log.max_size_mb", defaults.MaxSizeMB)
	v.SetDefault("log.max_backups", defaults.MaxBackups)
	v.SetDefault("log.max_age_days", defaults.MaxAgeDays)
}

// Validate checks values the rest of the gateway relies on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &Error{Field: "server.port", Err: ErrInvalid}
	}
	if c.Simulator.TickInterval <= 0 {
		return &Error{Field: "simulator.tick_interval", Err: ErrNotPositive}
	}
	if c.History.Capacity <= 0 {
		return &Error{Field: "history.capacity", Err: ErrNotPositive}
	}
	if c.Broadcast.DeliveryTimeout <= 0 {
		return &Error{Field: "broadcast.delivery_timeout", Err: ErrNotPositive}
	}
	// A device loop waits on Publish, so a stalled subscriber must give up before the next tick.
	if c.Broadcast.DeliveryTimeout >= c.Simulator.TickInterval {
		return &Error{Field: "broadcast.delivery_timeout", Err: fmt.Errorf("%w: must be shorter than simulator.tick_interval", ErrInvalid)}
	}
	if c.Simulator.TemperatureSensors < 0 || c.Simulator.GPSTrackers < 0 {
		return &Error{Field: "simulator", Err: fmt.Errorf("%w: negative device count", ErrInvalid)}
	}

	switch c.Persistence.Driver {
	case "", persistence.DriverNone, persistence.DriverInflux, persistence.DriverClickHouse:
	default:
		return &Error{Field: "persistence.driver", Err: fmt.Errorf("%w: %q", persistence.ErrUnknownDriver, c.Persistence.Driver)}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return &Error{Field: "mqtt.broker", Err: fmt.Errorf("%w: required when mqtt is enabled", ErrInvalid)}
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return &Error{Field: "auth", Err: fmt.Errorf("%w: enabled without jwt_secret or api_keys", ErrInvalid)}
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		field := fmt.Sprintf("devices[%d]", i)
		if d.ID == "" {
			return &Error{Field: field + ".id", Err: fmt.Errorf("%w: empty", ErrInvalid)}
		}
		if seen[d.ID] {
			return &Error{Field: field + ".id", Err: fmt.Errorf("%w: duplicate %q", ErrInvalid, d.ID)}
		}
		seen[d.ID] = true
		if !data.DeviceKind(d.Type).Valid() {
			return &Error{Field: field + ".type", Err: fmt.Errorf("%w: unknown device type %q", ErrInvalid, d.Type)}
		}
		if d.Threshold < 0 || d.SpeedLimit < 0 {
			return &Error{Field: field, Err: fmt.Errorf("%w: negative alert limit", ErrInvalid)}
		}
	}
	return nil
}

// Fleet returns the devices to simulate. An explicit devices list wins; otherwise
// the simulator counts expand into temp-N "PlantSensor-N" and gps-N "Truck-N" devices.
func (c *Config) Fleet() []data.Device {
	if len(c.Devices) > 0 {
		fleet := make([]data.Device, 0, len(c.Devices))
		for _, d := range c.Devices {
			kind := data.DeviceKind(d.Type)
			device := data.Device{ID: d.ID, Kind: kind, Name: d.Name, Meta: d.Meta}
			switch kind {
			case data.KindTemperatureSensor:
				device.Alert.Threshold = orDefault(d.Threshold, anomaly.DefaultTemperatureThreshold)
			case data.KindGPSTracker:
				device.Alert.SpeedLimit = orDefault(d.SpeedLimit, anomaly.DefaultSpeedLimit)
			}
			if device.Name == "" {
				device.Name = d.ID
			}
			fleet = append(fleet, device)
		}
		return fleet
	}

	fleet := make([]data.Device, 0, c.Simulator.TemperatureSensors+c.Simulator.GPSTrackers)
	for i := 1; i <= c.Simulator.TemperatureSensors; i++ {
		fleet = append(fleet, data.Device{
			ID:    fmt.Sprintf("temp-%d", i),
			Kind:  data.KindTemperatureSensor,
			Name:  fmt.Sprintf("PlantSensor-%d", i),
			Alert: data.AlertConfig{Threshold: anomaly.DefaultTemperatureThreshold},
			Meta:  map[string]string{"plant": fmt.Sprintf("Plant %d", i)},
		})
	}
	for i := 1; i <= c.Simulator.GPSTrackers; i++ {
		fleet = append(fleet, data.Device{
			ID:    fmt.Sprintf("gps-%d", i),
			Kind:  data.KindGPSTracker,
			Name:  fmt.Sprintf("Truck-%d", i),
			Alert: data.AlertConfig{SpeedLimit: anomaly.DefaultSpeedLimit},
			Meta:  map[string]string{"route": fmt.Sprintf("Route %d", i)},
		})
	}
	return fleet
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
