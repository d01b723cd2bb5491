package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"iot-sim-gateway/internal/api"
	"iot-sim-gateway/internal/auth"
	"iot-sim-gateway/internal/broadcast"
	"iot-sim-gateway/internal/config"
	"iot-sim-gateway/internal/data"
	"iot-sim-gateway/internal/mqtt"
	"iot-sim-gateway/internal/persistence"
	"iot-sim-gateway/internal/registry"
	"iot-sim-gateway/internal/simulator"
	"iot-sim-gateway/internal/sse"
	"iot-sim-gateway/internal/storage"
	"iot-sim-gateway/internal/websocket"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulator and the HTTP, WebSocket and SSE endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg, &logger)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	reg := registry.New()
	for _, device := range cfg.Fleet() {
		if err := reg.Register(device); err != nil {
			return fmt.Errorf("build fleet: %w", err)
		}
	}
	history := storage.NewMemoryStore(cfg.History.Capacity)
	broadcaster := broadcast.New(cfg.Broadcast.DeliveryTimeout, logger)

	sink, err := persistence.New(ctx, cfg.Persistence, logger)
	if err != nil {
		logger.Warn().Err(err).Str("driver", cfg.Persistence.Driver).Msg("Persistence unavailable, readings will not be archived")
		sink = persistence.NopSink{}
	}
	defer func() { _ = sink.Close() }()
	queue := persistence.NewQueue(sink, cfg.Persistence.QueueSize, cfg.Persistence.WriteTimeout, logger)

	engine, err := simulator.New(simulator.Config{
		TickInterval: cfg.Simulator.TickInterval,
		Seed:         cfg.Simulator.Seed,
	}, reg, history, broadcaster, queue, logger)
	if err != nil {
		return err
	}

	authManager := auth.NewManager(cfg.Auth)
	hub := websocket.NewHub(broadcaster, reg, cfg.Broadcast.SendBuffer, originChecker(cfg.CORS.AllowedOrigins), logger)
	stream := sse.NewStream(broadcaster, reg, cfg.Broadcast.SendBuffer, logger)

	handler := api.NewAPIHandler(reg, history, engine, broadcaster, authManager, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		WebDir:         cfg.Server.WebDir,
		WebSocket:      hub,
		Events:         stream,
		Auth:           authManager,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("MQTT bridge disabled")
		} else {
			bridge := mqtt.NewBridge(client, cfg.MQTT, logger)
			handle, err := broadcaster.SubscribeWith(ctx, bridge, func() data.Event {
				return data.NewDeviceListEvent(reg.List())
			})
			if err != nil {
				logger.Warn().Err(err).Msg("MQTT bridge disabled, device list not accepted")
				bridge.Close()
				client.Disconnect(250)
			} else {
				g.Go(func() error {
					bridge.Start(gctx)
					return nil
				})
				defer func() {
					broadcaster.Unsubscribe(handle)
					bridge.Close()
					client.Disconnect(250)
				}()
			}
		}
	}

	g.Go(func() error {
		queue.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Int("devices", reg.Len()).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		stream.Shutdown()
		if err := hub.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("WebSocket hub shutdown incomplete")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	broadcaster.Close()

	written, failed, dropped := queue.Stats()
	logger.Info().
		Uint64("archived", written).
		Uint64("archive_failed", failed).
		Uint64("archive_dropped", dropped).
		Msg("Gateway stopped")
	return err
}

// originChecker allows same-host requests, requests without an Origin header and
// the configured CORS origins. A "*" entry allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return nil
		}
		set[strings.TrimSuffix(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
