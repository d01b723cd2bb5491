// internal/alerting/alerter.go
package alerting

import (
	"context"

	"github.com/rs/zerolog"

	"iot-sim-gateway/internal/data"
)

// Publisher is the fan-out the alerter hands alert events to.
type Publisher interface {
	Publish(ctx context.Context, event data.Event)
}

type Alerter struct {
	publisher Publisher
	logger    *zerolog.Logger
}

func NewAlerter(publisher Publisher, logger *zerolog.Logger) *Alerter {
	return &Alerter{publisher: publisher, logger: logger}
}

// Process logs the alert and publishes it as an alert event. Callers publish the
// triggering reading first so subscribers never see an alert ahead of its reading.
func (a *Alerter) Process(ctx context.Context, alert data.Alert) {
	a.logger.Warn().
		Str("device_id", alert.DeviceID).
		Str("severity", alert.Severity).
		Str("metric", alert.Metric).
		Float64("value", alert.Value).
		Float64("limit", alert.Limit).
		Msg(alert.Message)

	if a.publisher != nil {
		a.publisher.Publish(ctx, data.NewAlertEvent(alert))
	}
}
