// cmd/gateway/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"iot-sim-gateway/internal/config"
	"iot-sim-gateway/internal/logging"
)

var (
	configPath string
	logLevel   string

	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Simulated IoT fleet with a live telemetry stream",
	Long: `gateway simulates a fleet of temperature sensors and GPS trackers,
keeps a bounded history per device, raises threshold alerts and streams
everything to WebSocket, SSE and MQTT subscribers.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file or directory holding config.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
	rootCmd.AddCommand(newServeCmd(), newFleetCmd())
}

func setup(*cobra.Command, []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	cfg = loaded
	logger, logCloser = logging.New(cfg.Log)
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
