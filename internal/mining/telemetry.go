package mining

import (
	"context"
	"time"

	"github.com/bardlex/nebula/internal/device"
	"github.com/bardlex/nebula/internal/dispatch"
	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/errors"
	"github.com/bardlex/nebula/pkg/log"
)

// Telemetry periodically publishes the ASIC temperature, whether or not the
// engine is hashing.
type Telemetry struct {
	thermo   device.Thermometer
	out      dispatch.Sender
	interval time.Duration
	logger   *log.Logger
}

// NewTelemetry creates a reporter publishing every interval.
func NewTelemetry(thermo device.Thermometer, out dispatch.Sender, interval time.Duration, logger *log.Logger) *Telemetry {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Telemetry{
		thermo:   thermo,
		out:      out,
		interval: interval,
		logger:   logger.WithComponent("telemetry"),
	}
}

// Run publishes samples until ctx ends or the device halts.
func (t *Telemetry) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Sample(ctx); errors.IsType(err, errors.ErrorTypeHalted) {
				return err
			}
		}
	}
}

// Sample reads and publishes one temperature. Sensor failures are logged and
// skipped.
func (t *Telemetry) Sample(ctx context.Context) error {
	celsius, err := t.thermo.Temperature()
	if err != nil {
		t.logger.WithError(err).Warn("temperature read failed")
		return nil
	}

	t.logger.LogTemperature(celsius)
	return dispatch.Publish(ctx, t.out, wire.AsicTempTopic, celsius)
}
