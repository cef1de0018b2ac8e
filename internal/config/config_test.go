package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/relocation"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address() != "0.0.0.0:8080" {
		t.Errorf("Server.Address() = %s", cfg.Server.Address())
	}
	if cfg.GRPC.Port != 9090 {
		t.Errorf("GRPC.Port = %d, want 9090", cfg.GRPC.Port)
	}
	if cfg.Monitoring.HistoryDepth != 10 || cfg.Monitoring.HistoryCapacity != 30 {
		t.Errorf("history = %d/%d", cfg.Monitoring.HistoryDepth, cfg.Monitoring.HistoryCapacity)
	}
	if cfg.Monitoring.Thresholds.CPU.Max != 0.9 {
		t.Errorf("Thresholds.CPU.Max = %v, want 0.9", cfg.Monitoring.Thresholds.CPU.Max)
	}
	if band, ok := cfg.Monitoring.MetricThresholds[domain.MetricCPUTemperature]; !ok || band.Max != 80 {
		t.Errorf("cputemperature band = %+v, %v", band, ok)
	}
	if cfg.Relocation.OverheatPolicy != relocation.KindOverheat {
		t.Errorf("OverheatPolicy = %s", cfg.Relocation.OverheatPolicy)
	}
	if cfg.Migration.Timeout != 5*time.Minute {
		t.Errorf("Migration.Timeout = %v", cfg.Migration.Timeout)
	}
	if cfg.GroupManager.WakeTimeout != 3*time.Minute || cfg.GroupManager.WakePollInterval != 5*time.Second {
		t.Errorf("wake = %v/%v", cfg.GroupManager.WakeTimeout, cfg.GroupManager.WakePollInterval)
	}
	if cfg.Database.Enabled || cfg.Redis.Enabled || cfg.Etcd.Enabled {
		t.Error("external backends should be disabled by default")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groupmanager.yaml")
	content := `
monitoring:
  history_depth: 4
  history_capacity: 8
  thresholds:
    cpu:
      min: 0.1
      max: 0.7
relocation:
  overheat_policy: overheat-simple
migration:
  timeout: 90s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Monitoring.HistoryDepth != 4 || cfg.Monitoring.Thresholds.CPU.Max != 0.7 {
		t.Errorf("monitoring = %+v", cfg.Monitoring)
	}
	if cfg.Monitoring.Thresholds.Memory.Max != 0.9 {
		t.Errorf("unset memory band should keep its default, got %+v", cfg.Monitoring.Thresholds.Memory)
	}
	if cfg.Relocation.OverheatPolicy != relocation.KindOverheatSimple {
		t.Errorf("OverheatPolicy = %s", cfg.Relocation.OverheatPolicy)
	}
	if cfg.Migration.Timeout != 90*time.Second {
		t.Errorf("Migration.Timeout = %v", cfg.Migration.Timeout)
	}
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	bad := *cfg
	bad.Monitoring.HistoryCapacity = 1
	if err := bad.Validate(); err == nil {
		t.Error("expected an error for capacity below depth")
	}

	bad = *cfg
	bad.Monitoring.Thresholds.Network.Min = 0.95
	if err := bad.Validate(); err == nil {
		t.Error("expected an error for min above max")
	}
}

func TestDatabaseConfig_URL(t *testing.T) {
	c := DatabaseConfig{User: "u", Password: "p", Host: "db", Port: 5432, Name: "gm", SSLMode: "disable"}
	if got := c.URL(); got != "postgres://u:p@db:5432/gm?sslmode=disable" {
		t.Errorf("URL() = %s", got)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%q) error = %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore Chdir(%q) error = %v", prev, err)
		}
	})
}
