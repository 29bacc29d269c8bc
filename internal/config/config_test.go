package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/yingcaihuang/pingora-slice-sub000/internal/allocator"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/rawdisk"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Global.LogLevel = %q, want INFO", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9400 {
		t.Errorf("Global.MetricsPort = %d, want 9400", cfg.Global.MetricsPort)
	}
	if cfg.Global.HealthPort != 9401 {
		t.Errorf("Global.HealthPort = %d, want 9401", cfg.Global.HealthPort)
	}
	if cfg.Backend != BackendRawDisk {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendRawDisk)
	}
	if cfg.RawDisk.BlockSize != 4096 {
		t.Errorf("RawDisk.BlockSize = %d, want 4096", cfg.RawDisk.BlockSize)
	}
	if cfg.Coordinator.WriterQueueDepth != 1024 {
		t.Errorf("Coordinator.WriterQueueDepth = %d, want 1024", cfg.Coordinator.WriterQueueDepth)
	}
	if !cfg.Monitoring.Metrics.Enabled {
		t.Error("Monitoring.Metrics.Enabled = false, want true")
	}
	if !cfg.Monitoring.HealthChecks.Enabled {
		t.Error("Monitoring.HealthChecks.Enabled = false, want true")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Configuration {
		cfg := NewDefault()
		cfg.RawDisk.DevicePath = "/tmp/does-not-need-to-exist.img"
		return cfg
	}

	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
	}{
		{"valid config", valid, false},
		{
			name: "same metrics and health ports",
			config: func() *Configuration {
				cfg := valid()
				cfg.Global.MetricsPort = 9400
				cfg.Global.HealthPort = 9400
				return cfg
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := valid()
				cfg.Global.LogLevel = "TRACE"
				return cfg
			},
			wantErr: true,
		},
		{
			name: "rawdisk backend missing device path",
			config: func() *Configuration {
				cfg := valid()
				cfg.RawDisk.DevicePath = ""
				return cfg
			},
			wantErr: true,
		},
		{
			name: "fileentry backend missing directory",
			config: func() *Configuration {
				cfg := valid()
				cfg.Backend = BackendFileEntry
				cfg.FileEntry.Directory = ""
				return cfg
			},
			wantErr: true,
		},
		{
			name: "unknown backend",
			config: func() *Configuration {
				cfg := valid()
				cfg.Backend = "nope"
				return cfg
			},
			wantErr: true,
		},
		{
			name: "zero writer queue depth",
			config: func() *Configuration {
				cfg := valid()
				cfg.Coordinator.WriterQueueDepth = 0
				return cfg
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config().Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_port: 9500
  health_port: 9501
backend: fileentry
fileentry:
  directory: /var/cache/pingora-slice/l2
`
	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Global.LogLevel = %q, want DEBUG", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9500 {
		t.Errorf("Global.MetricsPort = %d, want 9500", cfg.Global.MetricsPort)
	}
	if cfg.Backend != BackendFileEntry {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendFileEntry)
	}
	if cfg.FileEntry.Directory != "/var/cache/pingora-slice/l2" {
		t.Errorf("FileEntry.Directory = %q, want /var/cache/pingora-slice/l2", cfg.FileEntry.Directory)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("LoadFromFile() error = nil, want non-nil")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PINGORA_SLICE_LOG_LEVEL", "ERROR")
	t.Setenv("PINGORA_SLICE_METRICS_PORT", "9600")
	t.Setenv("PINGORA_SLICE_BACKEND", "fileentry")
	t.Setenv("PINGORA_SLICE_FILEENTRY_DIR", "/data/cache")
	t.Setenv("PINGORA_SLICE_L1_MAX_BYTES", "1048576")
	t.Setenv("PINGORA_SLICE_METRICS_ENABLED", "false")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Global.LogLevel = %q, want ERROR", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9600 {
		t.Errorf("Global.MetricsPort = %d, want 9600", cfg.Global.MetricsPort)
	}
	if cfg.Backend != BackendFileEntry {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendFileEntry)
	}
	if cfg.FileEntry.Directory != "/data/cache" {
		t.Errorf("FileEntry.Directory = %q, want /data/cache", cfg.FileEntry.Directory)
	}
	if cfg.Coordinator.L1.MaxBytes != 1048576 {
		t.Errorf("Coordinator.L1.MaxBytes = %d, want 1048576", cfg.Coordinator.L1.MaxBytes)
	}
	if cfg.Monitoring.Metrics.Enabled {
		t.Error("Monitoring.Metrics.Enabled = true, want false")
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "saved_config.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = "DEBUG"

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() of saved config error = %v", err)
	}
	if loaded.Global.LogLevel != "DEBUG" {
		t.Errorf("loaded Global.LogLevel = %q, want DEBUG", loaded.Global.LogLevel)
	}
}

func TestSaveToFileCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "subdir", "config.yaml")

	if err := NewDefault().SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("config file was not created")
	}
}

func TestNewHealthCheckerRegistersStandardChecks(t *testing.T) {
	t.Parallel()

	rdCfg := rawdisk.DefaultConfig()
	rdCfg.DevicePath = filepath.Join(t.TempDir(), "device.img")
	rdCfg.DeviceSize = 4 * 1024 * 1024
	rdCfg.MetadataRegionSize = 64 * 1024
	rdCfg.AllocStrategy = allocator.FirstFit

	engine, err := rawdisk.New(rdCfg)
	if err != nil {
		t.Fatalf("rawdisk.New() error = %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	cfg := NewDefault()
	cfg.RawDisk = rdCfg
	checker, err := cfg.NewHealthChecker(engine)
	if err != nil {
		t.Fatalf("NewHealthChecker() error = %v", err)
	}

	results, err := checker.RunAllChecks(context.Background())
	if err != nil {
		t.Fatalf("RunAllChecks() error = %v", err)
	}
	want := []string{"device", "free_space", "fragmentation", "checksum_failure_rate", "verifier_lag"}
	for _, name := range want {
		if _, ok := results[name]; !ok {
			t.Errorf("missing result for check %q", name)
		}
	}
	if !checker.IsHealthy() {
		t.Error("IsHealthy() = false, want true on a fresh engine")
	}
}
