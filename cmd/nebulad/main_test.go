package main

import (
	"testing"

	"github.com/bardlex/nebula/internal/config"
	"github.com/bardlex/nebula/internal/device"
	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/log"
)

func TestEngineConfig(t *testing.T) {
	cfg := &config.Config{
		HashWorkers:         3,
		CancelCheckInterval: 512,
		VersionRollingMask:  0x1fffe000,
		NTimeRollLimit:      60,
		SingleSharePerJob:   true,
	}

	got := engineConfig(cfg)
	if got.Workers != 3 {
		t.Errorf("Expected 3 workers, got %d", got.Workers)
	}
	if got.CancelCheckInterval != 512 {
		t.Errorf("Expected cancel interval 512, got %d", got.CancelCheckInterval)
	}
	if got.VersionRollingMask != 0x1fffe000 || got.NTimeRollLimit != 60 {
		t.Errorf("Expected rolling settings to carry over, got %+v", got)
	}
	if !got.SingleShare {
		t.Error("Expected single share mode")
	}
}

func TestNewFirmware(t *testing.T) {
	t.Setenv("DEVICE_UNIQUE_ID", "0xdeadbeef")
	t.Setenv("ASIC_VARIANT", "bm1366")
	t.Setenv("ASIC_COUNT", "4")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Chain() != (wire.Chain{Asic: wire.AsicBM1366, Count: 4}) {
		t.Errorf("Unexpected chain %+v", cfg.Chain())
	}

	fw, err := newFirmware(cfg, &device.SimResetter{}, log.Discard())
	if err != nil {
		t.Fatalf("newFirmware: %v", err)
	}
	defer fw.Close()

	if fw.SleepPool().Size() != 3 {
		t.Errorf("Expected sleep pool of 3, got %d", fw.SleepPool().Size())
	}
	if _, running := fw.Engine().Current(); running {
		t.Error("Expected an idle engine")
	}

	cfg.AsicCount = 0
	if _, err := newFirmware(cfg, &device.SimResetter{}, log.Discard()); err == nil {
		t.Error("Expected error for an empty chain")
	}
}
