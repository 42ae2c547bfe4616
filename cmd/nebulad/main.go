// Package main implements nebulad, a simulated nebula device.
// It serves the device protocol over TCP with a CPU searcher in place of the
// ASIC chain, one host connection at a time.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/bardlex/nebula/internal/config"
	"github.com/bardlex/nebula/internal/device"
	"github.com/bardlex/nebula/internal/dispatch"
	"github.com/bardlex/nebula/internal/firmware"
	"github.com/bardlex/nebula/internal/mining"
	"github.com/bardlex/nebula/internal/transport"
	"github.com/bardlex/nebula/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting nebulad",
		"version", firmware.Version,
		"listen_addr", cfg.ListenAddress(),
		"asic", cfg.AsicVariant.String(),
		"asic_count", cfg.AsicCount,
	)

	reset := &device.SimResetter{}
	fw, err := newFirmware(cfg, reset, logger)
	if err != nil {
		logger.WithError(err).Error("failed to build firmware")
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		logger.WithError(err).Error("failed to listen", "address", cfg.ListenAddress())
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = fw.Serve(ctx, ln)
	switch {
	case err == dispatch.ErrHalted:
		// A real device would now be in its bootloader.
		logger.Info("device reset into bootloader", "resets", reset.Count())
	case err != nil:
		logger.WithError(err).Error("device failed")
		os.Exit(1)
	default:
		logger.Info("nebulad stopped")
	}
}

// newFirmware builds the device from cfg with simulated hardware.
func newFirmware(cfg *config.Config, reset device.Resetter, logger *log.Logger) (*firmware.Firmware, error) {
	thermo := &device.SimThermometer{Ambient: 35, Load: 20}
	engine := engineConfig(cfg)
	engine.OnStateChange = func(s mining.State) {
		thermo.SetActive(s == mining.Hashing)
	}

	return firmware.New(firmware.Options{
		UniqueID:          cfg.DeviceUniqueID,
		Chain:             cfg.Chain(),
		SleepPoolSize:     cfg.SleepPoolSize,
		LED:               &device.SimLED{},
		Resetter:          reset,
		Clock:             device.SystemClock{},
		Thermometer:       thermo,
		Engine:            engine,
		TelemetryInterval: cfg.TelemetryInterval,
		Session: transport.SessionConfig{
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			OutboundBuffer: cfg.OutboundBuffer,
		},
	}, nil, logger)
}

// engineConfig maps the search settings onto the CPU searcher.
func engineConfig(cfg *config.Config) mining.Config {
	return mining.Config{
		Workers:             cfg.HashWorkers,
		CancelCheckInterval: cfg.CancelCheckInterval,
		VersionRollingMask:  cfg.VersionRollingMask,
		NTimeRollLimit:      cfg.NTimeRollLimit,
		SingleShare:         cfg.SingleSharePerJob,
	}
}
