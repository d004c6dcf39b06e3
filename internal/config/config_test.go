package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFiles(t *testing.T, processYAML, poolsYAML string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	processPath := filepath.Join(dir, "process.yaml")
	poolsPath := filepath.Join(dir, "pools.yaml")
	if err := os.WriteFile(processPath, []byte(processYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(poolsPath, []byte(poolsYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return processPath, poolsPath
}

const validProcess = `
process:
  instance_id: test-instance
  health_check_port: 18080
  metrics_port: 19090
redis:
  addr: localhost:6379
`

const validPools = `
pools:
  - id: orders
    host: db1.internal
    port: 1433
    database: orders
    username: app
    password: secret
    max_connections: 10
    min_connections: 2
    queue_target: 50ms
    queue_interval: 1s
    idle_interval: 1s
    timeout: 5s
  - id: billing
    host: db2.internal
    port: 1433
    database: billing
    username: app
    password: secret
    max_connections: 5
    watchdog_mode: remote
`

func TestLoadValidConfig(t *testing.T) {
	processPath, poolsPath := writeConfigFiles(t, validProcess, validPools)

	cfg, err := Load(processPath, poolsPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Process.InstanceID != "test-instance" {
		t.Errorf("instance_id = %q", cfg.Process.InstanceID)
	}
	if len(cfg.Pools) != 2 {
		t.Fatalf("expected 2 pools, got %d", len(cfg.Pools))
	}

	orders, ok := cfg.PoolByID("orders")
	if !ok {
		t.Fatal("orders pool missing")
	}
	if orders.QueueTarget != 50*time.Millisecond {
		t.Errorf("queue_target = %v", orders.QueueTarget)
	}
	if orders.WatchdogMode != "local" {
		t.Errorf("watchdog_mode default = %q, want local", orders.WatchdogMode)
	}

	billing, _ := cfg.PoolByID("billing")
	if billing.WatchdogMode != "remote" {
		t.Errorf("billing watchdog_mode = %q", billing.WatchdogMode)
	}
	// Unset CoDel knobs pick up defaults.
	if billing.QueueTarget != 50*time.Millisecond || billing.QueueInterval != time.Second {
		t.Errorf("billing CoDel defaults: target=%v interval=%v", billing.QueueTarget, billing.QueueInterval)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name  string
		pools string
	}{
		{"no pools", "pools: []\n"},
		{"missing id", "pools:\n  - host: x\n    max_connections: 1\n"},
		{"missing max_connections", "pools:\n  - id: a\n    host: x\n"},
		{"min exceeds max", "pools:\n  - id: a\n    max_connections: 1\n    min_connections: 2\n"},
		{"duplicate id", "pools:\n  - id: a\n    max_connections: 1\n  - id: a\n    max_connections: 1\n"},
		{"bad watchdog mode", "pools:\n  - id: a\n    max_connections: 1\n    watchdog_mode: psychic\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processPath, poolsPath := writeConfigFiles(t, validProcess, tt.pools)
			if _, err := Load(processPath, poolsPath); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	processPath, _ := writeConfigFiles(t, validProcess, validPools)
	if _, err := Load(processPath, filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing pools file")
	}
}

func TestProcessDefaults(t *testing.T) {
	processPath, poolsPath := writeConfigFiles(t, "process: {}\n", validPools)
	cfg, err := Load(processPath, poolsPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Process.HealthCheckPort != 8080 || cfg.Process.MetricsPort != 9090 {
		t.Errorf("port defaults: health=%d metrics=%d", cfg.Process.HealthCheckPort, cfg.Process.MetricsPort)
	}
	if cfg.Redis.Addr == "" || cfg.Redis.HeartbeatTTL == 0 {
		t.Errorf("redis defaults not applied: %+v", cfg.Redis)
	}
}
