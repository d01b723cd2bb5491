// Package simulator runs one generation loop per registered device.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"iot-sim-gateway/internal/alerting"
	"iot-sim-gateway/internal/anomaly"
	"iot-sim-gateway/internal/data"
	"iot-sim-gateway/internal/registry"
	"iot-sim-gateway/internal/storage"
)

const DefaultTickInterval = 2 * time.Second

var (
	ErrAlreadyRunning = errors.New("simulator already running")
	ErrNotRunning     = errors.New("simulator not running")
)

// Persister receives every generated reading after it has been broadcast.
type Persister interface {
	Write(ctx context.Context, deviceID string, fields map[string]float64, ts time.Time) error
}

// Config tunes the engine. Zero values select defaults.
type Config struct {
	TickInterval time.Duration
	// Seed makes the generated signals reproducible; 0 seeds from the clock.
	Seed int64
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// Engine owns the device loops.
type Engine struct {
	registry  *registry.Registry
	history   *storage.MemoryStore
	publisher alerting.Publisher
	alerter   *alerting.Alerter
	persister Persister
	logger    *zerolog.Logger

	interval time.Duration
	now      func() time.Time
	loops    map[string]*loop
	order    []string

	mu      sync.Mutex
	running bool
	// stopped is closed when the current Run returns.
	stopped chan struct{}
}

// loop is the single writer for one device.
type loop struct {
	device data.Device
	model  Model
	inject chan map[string]float64
	lastTS time.Time
	ticks  uint64
}

// New builds a loop for every device currently in reg. Devices registered later are not simulated.
func New(
	cfg Config,
	reg *registry.Registry,
	history *storage.MemoryStore,
	publisher alerting.Publisher,
	persister Persister,
	logger *zerolog.Logger,
) (*Engine, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	e := &Engine{
		registry:  reg,
		history:   history,
		publisher: publisher,
		alerter:   alerting.NewAlerter(publisher, logger),
		persister: persister,
		logger:    logger,
		interval:  cfg.TickInterval,
		now:       cfg.Now,
		loops:     make(map[string]*loop),
	}

	for i, device := range reg.List() {
		// Each loop gets its own source; rand.Rand is not goroutine safe.
		rng := rand.New(rand.NewSource(seed + int64(i)))
		var model Model
		switch device.Kind {
		case data.KindTemperatureSensor:
			model = NewTemperatureModel(rng)
		case data.KindGPSTracker:
			model = NewGPSModel(rng)
		default:
			return nil, fmt.Errorf("device %s: unsupported kind %q", device.ID, device.Kind)
		}
		e.loops[device.ID] = &loop{
			device: device,
			model:  model,
			inject: make(chan map[string]float64),
		}
		e.order = append(e.order, device.ID)
	}

	return e, nil
}

// Run starts every device loop and blocks until ctx is cancelled and all loops have exited.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	stopped := make(chan struct{})
	e.stopped = stopped
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		close(stopped)
		e.mu.Unlock()
	}()

	e.logger.Info().
		Int("devices", len(e.order)).
		Dur("tick_interval", e.interval).
		Msg("Simulator starting")

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range e.order {
		l := e.loops[id]
		g.Go(func() error {
			e.runLoop(ctx, l)
			return nil
		})
	}
	err := g.Wait()

	e.logger.Info().Msg("Simulator stopped")
	return err
}

// Inject hands a forced reading to the device's own loop, which processes it as an
// extra tick. The call returns once the loop has accepted the reading, or with
// ErrNotRunning when no Run is active.
func (e *Engine) Inject(ctx context.Context, deviceID string, fields map[string]float64) error {
	l, ok := e.loops[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrDeviceNotFound, deviceID)
	}

	e.mu.Lock()
	running, stopped := e.running, e.stopped
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	copied := make(map[string]float64, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	select {
	case l.inject <- copied:
		return nil
	case <-stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) runLoop(ctx context.Context, l *loop) {
	log := e.logger.With().Str("device_id", l.device.ID).Logger()
	log.Debug().Str("kind", string(l.device.Kind)).Msg("Device loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.tick(ctx, l, l.model.Next())
	for {
		select {
		case <-ctx.Done():
			log.Debug().Uint64("ticks", l.ticks).Msg("Device loop cancelled")
			return
		case <-ticker.C:
			e.tick(ctx, l, l.model.Next())
		case fields := <-l.inject:
			log.Info().Interface("fields", fields).Msg("Processing injected reading")
			e.tick(ctx, l, Sample{Fields: fields, Raw: fields})
		}
	}
}

// tick publishes one sample. Cancellation is honoured only before the first side
// effect; after that the tick runs to completion.
func (e *Engine) tick(ctx context.Context, l *loop, s Sample) {
	if ctx.Err() != nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	ts := e.now().UTC()
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	l.lastTS = ts
	l.ticks++

	reading := data.Reading{DeviceID: l.device.ID, Timestamp: ts, Fields: s.Fields}

	if err := e.registry.UpdateLastReading(l.device.ID, reading); err != nil {
		e.logger.Error().Err(err).Str("device_id", l.device.ID).Msg("Failed to update last reading")
	}
	e.history.Append(l.device.ID, data.NewHistoryEntry(reading))

	e.publisher.Publish(ctx, data.NewReadingEvent(l.device.Kind, reading))

	raw := reading
	raw.Fields = s.Raw
	if alert := anomaly.Evaluate(l.device, raw); alert != nil {
		e.alerter.Process(ctx, *alert)
	}

	if e.persister != nil {
		if err := e.persister.Write(ctx, l.device.ID, reading.Fields, ts); err != nil {
			e.logger.Warn().Err(err).Str("device_id", l.device.ID).Msg("Persistence write failed, continuing")
		}
	}
}
