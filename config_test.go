package activitysync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("queue.db")

	if cfg.Store.Path != "queue.db" {
		t.Errorf("store path = %s", cfg.Store.Path)
	}
	if cfg.Sync.BatchSize != 100 {
		t.Errorf("batch size = %d, want 100", cfg.Sync.BatchSize)
	}
	if cfg.Scheduler.UnmeteredHigh != 5*time.Minute {
		t.Errorf("unmetered high = %v, want 5m", cfg.Scheduler.UnmeteredHigh)
	}
	if cfg.Scheduler.MeteredLow != 60*time.Minute {
		t.Errorf("metered low = %v, want 60m", cfg.Scheduler.MeteredLow)
	}
	if cfg.Scheduler.LowPowerFloor != 60*time.Minute {
		t.Errorf("low power floor = %v, want 60m", cfg.Scheduler.LowPowerFloor)
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{Store: StoreConfig{Path: "queue.db"}}
	cfg.normalize()

	if cfg.Sync.BatchSize != 100 {
		t.Errorf("normalized batch size = %d, want 100", cfg.Sync.BatchSize)
	}
	if cfg.Sync.CriticalBatchSize != cfg.Sync.BatchSize {
		t.Errorf("critical batch size = %d, want batch size", cfg.Sync.CriticalBatchSize)
	}
	if cfg.Scheduler.BaseBackoff != 30*time.Second {
		t.Errorf("base backoff = %v, want 30s", cfg.Scheduler.BaseBackoff)
	}
	if cfg.Logger == nil {
		t.Error("normalize left Logger nil")
	}

	// An explicit critical batch size within range survives.
	cfg = Config{Sync: SyncConfig{BatchSize: 50, CriticalBatchSize: 1}}
	cfg.normalize()
	if cfg.Sync.CriticalBatchSize != 1 {
		t.Errorf("critical batch size = %d, want 1", cfg.Sync.CriticalBatchSize)
	}
}

func TestLoadConfig(t *testing.T) {
	yaml := `
node_id: device-42
store:
  path: /tmp/queue.db
scheduler:
  unmetered_high: 2m
  base_backoff: 10s
sync:
  batch_size: 25
  collector_url: https://collector.example.com
  compression: true
retention:
  retention_duration: 24h
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.NodeID != "device-42" {
		t.Errorf("node id = %s", cfg.NodeID)
	}
	if cfg.Scheduler.UnmeteredHigh != 2*time.Minute {
		t.Errorf("unmetered high = %v, want 2m", cfg.Scheduler.UnmeteredHigh)
	}
	if cfg.Scheduler.BaseBackoff != 10*time.Second {
		t.Errorf("base backoff = %v, want 10s", cfg.Scheduler.BaseBackoff)
	}
	if cfg.Sync.BatchSize != 25 {
		t.Errorf("batch size = %d, want 25", cfg.Sync.BatchSize)
	}
	if !cfg.Sync.Compression {
		t.Error("compression not set")
	}

	// Unset fields picked up defaults.
	if cfg.Scheduler.MeteredLow != 60*time.Minute {
		t.Errorf("metered low = %v, want default 60m", cfg.Scheduler.MeteredLow)
	}
	if cfg.Retention.SweepInterval != 5*time.Minute {
		t.Errorf("sweep interval = %v, want default 5m", cfg.Retention.SweepInterval)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
