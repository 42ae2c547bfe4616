// Package database coordinates the bridge's stores: PostgreSQL for the device
// registry and Shares, Redis for the live device view, InfluxDB for time
// series.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/nebula/internal/database/influx"
	"github.com/bardlex/nebula/internal/database/postgres"
	"github.com/bardlex/nebula/internal/database/redis"
	"github.com/bardlex/nebula/pkg/circuit"
	"github.com/bardlex/nebula/pkg/errors"
	"github.com/bardlex/nebula/pkg/log"
	"github.com/bardlex/nebula/pkg/retry"
)

const (
	deviceTTL         = 24 * time.Hour
	temperatureWindow = time.Hour
)

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Devices *postgres.DeviceRepository
	Shares  *postgres.ShareRepository

	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager creates a new database manager with all connections
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
		if closeErr := pgClient.Close(); closeErr != nil {
			return nil, origErr.WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, origErr
	}

	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")

		if len(closeErrs) > 0 {
			return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, origErr
	}

	logger = logger.WithComponent("database")
	cbConfig := &circuit.Config{
		Name:            "postgres",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	m := &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Devices:        postgres.NewDeviceRepository(pgClient.DB()),
		Shares:         postgres.NewShareRepository(pgClient.DB()),
		logger:         logger,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
	}

	go m.drainInfluxErrors()
	return m, nil
}

// drainInfluxErrors logs asynchronous write failures until the client closes.
func (m *Manager) drainInfluxErrors() {
	for err := range m.Influx.Errors() {
		m.logger.WithError(err).Warn("influx write failed")
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// High-level operations that coordinate across multiple databases

// RegisterDevice records a device in PostgreSQL and caches it in Redis.
func (m *Manager) RegisterDevice(ctx context.Context, device *postgres.Device) error {
	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Devices.UpsertDevice(ctx, device); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "register_device",
					"failed to store device in PostgreSQL").
					WithContext("device_id", device.UniqueID)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	info := redis.DeviceInfo{
		UniqueID:  device.UniqueID,
		Version:   device.Version,
		Asic:      device.Asic,
		AsicCount: device.AsicCount,
		SeenAt:    device.LastSeen,
	}
	if err := m.Redis.SetDeviceInfo(ctx, info, deviceTTL); err != nil {
		m.logger.WithError(err).Warn("failed to cache device (non-critical)", "device_id", device.UniqueID)
	}
	return nil
}

// RecordShare stores a Share in PostgreSQL, then best-effort in InfluxDB and
// the Redis counter.
func (m *Manager) RecordShare(ctx context.Context, share *postgres.Share) error {
	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Shares.CreateShare(ctx, share); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share in PostgreSQL").
					WithContext("device_id", share.DeviceID).
					WithContext("job_id", share.JobID).
					WithContext("nonce", share.Nonce)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	m.Influx.WriteShareMetric(share.DeviceID, share.JobID, share.Difficulty, share.IsValid, share.FoundAt)

	if _, err := m.Redis.IncrementShares(ctx, share.DeviceID, deviceTTL); err != nil {
		m.logger.WithError(err).Warn("failed to count share (non-critical)", "device_id", share.DeviceID)
	}
	return nil
}

// RecordTemperature writes a sample to InfluxDB and the Redis live view.
func (m *Manager) RecordTemperature(ctx context.Context, deviceID string, celsius int8, at time.Time) error {
	m.Influx.WriteTemperatureMetric(deviceID, celsius, at)

	if err := m.Redis.SetTemperature(ctx, deviceID, celsius, at, temperatureWindow); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_temperature",
			"failed to cache temperature").
			WithContext("device_id", deviceID)
	}
	return nil
}

// DeviceStatus combines a device's registry entry with its live view.
type DeviceStatus struct {
	Device     *postgres.Device
	Celsius    int8
	SampledAt  time.Time
	ShareCount int64
	ShareStats *influx.ShareStats
}

// GetDeviceStatus retrieves a device and whatever live data is available.
func (m *Manager) GetDeviceStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	device, err := m.Devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	status := &DeviceStatus{Device: device}
	if celsius, at, err := m.Redis.GetTemperature(ctx, deviceID); err == nil {
		status.Celsius, status.SampledAt = celsius, at
	}
	status.ShareCount, _ = m.Redis.GetShares(ctx, deviceID)

	stats, err := m.Influx.GetShareStats(ctx, deviceID, 24*time.Hour)
	if err != nil {
		stats = &influx.ShareStats{}
	}
	status.ShareStats = stats

	return status, nil
}

// StartPeriodicTasks flushes InfluxDB writes until ctx ends.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()
}
