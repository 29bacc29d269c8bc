// Package config loads and validates the cache engine's runtime
// configuration: global logging/port settings, the active L2 backend's
// settings, the two-tier coordinator's L1/writer-queue settings, and
// monitoring (metrics + health check) settings.
// Adapted from the teacher's internal/config/config.go: the
// YAML-file/env-var/default layering and Configuration/NewDefault/
// LoadFromFile/LoadFromEnv/SaveToFile/Validate shape survive unchanged;
// the Performance/Network/Security/Features sections, built for an
// S3-backed FUSE mount, give way to a Global/Backend/RawDisk/FileEntry/
// Coordinator/Monitoring tree that composes the actual sub-configs of
// this module's own packages rather than re-describing them as strings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/yingcaihuang/pingora-slice-sub000/internal/coordinator"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/fileentry"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/health"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/metrics"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/rawdisk"
	"github.com/yingcaihuang/pingora-slice-sub000/pkg/utils"
)

// Backend selects which L2 implementation a Configuration activates.
type Backend string

const (
	BackendRawDisk  Backend = "rawdisk"
	BackendFileEntry Backend = "fileentry"
)

// Configuration is the complete, file/env-loadable configuration for one
// cache engine instance.
type Configuration struct {
	Global      GlobalConfig       `yaml:"global"`
	Backend     Backend            `yaml:"backend"`
	RawDisk     rawdisk.Config     `yaml:"rawdisk"`
	FileEntry   fileentry.Config   `yaml:"fileentry"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	Monitoring  MonitoringConfig   `yaml:"monitoring"`
}

// GlobalConfig holds settings that apply regardless of backend.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// MonitoringConfig controls the metrics exporter and health checker.
type MonitoringConfig struct {
	Metrics      metrics.Config     `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
}

// HealthChecksConfig controls the health.Checker built around a
// Configuration's active backend.
type HealthChecksConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Interval             time.Duration `yaml:"interval"`
	Timeout              time.Duration `yaml:"timeout"`
	MinFreeRatio         float64       `yaml:"min_free_ratio"`
	MaxFragmentation     float64       `yaml:"max_fragmentation"`
	MaxChecksumFailRate  float64       `yaml:"max_checksum_fail_rate"`
	MaxVerifierLag       time.Duration `yaml:"max_verifier_lag"`
}

// NewDefault returns a configuration with the spec's suggested defaults,
// wired from each owning package's own DefaultConfig.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 9400,
			HealthPort:  9401,
		},
		Backend:     BackendRawDisk,
		RawDisk:     rawdisk.DefaultConfig(),
		FileEntry:   fileentry.DefaultConfig(),
		Coordinator: coordinator.DefaultConfig(),
		Monitoring: MonitoringConfig{
			Metrics: *metrics.DefaultConfig(),
			HealthChecks: HealthChecksConfig{
				Enabled:             true,
				Interval:            30 * time.Second,
				Timeout:             5 * time.Second,
				MinFreeRatio:        0.05,
				MaxFragmentation:    0.5,
				MaxChecksumFailRate: 0.01,
				MaxVerifierLag:      10 * time.Minute,
			},
		},
	}
}

// LoadFromFile loads and merges configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays environment-variable overrides onto c.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("PINGORA_SLICE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("PINGORA_SLICE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("PINGORA_SLICE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("PINGORA_SLICE_HEALTH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.HealthPort = port
		}
	}
	if val := os.Getenv("PINGORA_SLICE_BACKEND"); val != "" {
		c.Backend = Backend(val)
	}
	if val := os.Getenv("PINGORA_SLICE_DEVICE_PATH"); val != "" {
		c.RawDisk.DevicePath = val
	}
	if val := os.Getenv("PINGORA_SLICE_FILEENTRY_DIR"); val != "" {
		c.FileEntry.Directory = val
	}
	if val := os.Getenv("PINGORA_SLICE_L1_MAX_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Coordinator.L1.MaxBytes = n
		}
	}
	if val := os.Getenv("PINGORA_SLICE_METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	return nil
}

// SaveToFile writes c as YAML, creating parent directories as needed.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks internal consistency beyond what each sub-package's own
// constructor already enforces at New time.
func (c *Configuration) Validate() error {
	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	switch c.Backend {
	case BackendRawDisk:
		if c.RawDisk.DevicePath == "" {
			return fmt.Errorf("rawdisk.device_path must be set when backend is %q", BackendRawDisk)
		}
	case BackendFileEntry:
		if c.FileEntry.Directory == "" {
			return fmt.Errorf("fileentry.directory must be set when backend is %q", BackendFileEntry)
		}
	default:
		return fmt.Errorf("invalid backend: %q (must be %q or %q)", c.Backend, BackendRawDisk, BackendFileEntry)
	}

	if c.Coordinator.WriterQueueDepth <= 0 {
		return fmt.Errorf("coordinator.writer_queue_depth must be greater than 0")
	}

	if c.Monitoring.HealthChecks.MinFreeRatio < 0 || c.Monitoring.HealthChecks.MinFreeRatio > 1 {
		return fmt.Errorf("monitoring.health_checks.min_free_ratio must be between 0 and 1")
	}

	return nil
}

// NewEngineLogger builds the *utils.Logger for c.Global.LogLevel/LogFile,
// used as the ambient logger for whichever backend c activates. An empty
// LogFile logs to stderr.
func (c *Configuration) NewEngineLogger() (*utils.Logger, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, err
	}

	out := os.Stderr
	if c.Global.LogFile != "" {
		f, err := os.OpenFile(c.Global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return utils.NewLogger(level, f), nil
	}
	return utils.NewLogger(level, out), nil
}

// NewEngine opens the raw-disk engine described by c.RawDisk, wired to the
// logger built from c.Global. Only meaningful when Backend is BackendRawDisk.
func (c *Configuration) NewEngine() (*rawdisk.Engine, error) {
	log, err := c.NewEngineLogger()
	if err != nil {
		return nil, err
	}
	cfg := c.RawDisk
	cfg.Logger = log
	return rawdisk.New(cfg)
}

// NewHealthChecker builds a health.Checker from c's HealthChecksConfig and
// registers the standard raw-disk checks against engine. Only meaningful
// when Backend is BackendRawDisk; the file-per-entry backend has no
// allocator to report on.
func (c *Configuration) NewHealthChecker(engine *rawdisk.Engine) (*health.Checker, error) {
	hc := c.Monitoring.HealthChecks
	checker, err := health.NewChecker(&health.Config{
		Enabled:       hc.Enabled,
		CheckInterval: hc.Interval,
		Timeout:       hc.Timeout,
	})
	if err != nil {
		return nil, err
	}

	if err := checker.RegisterCheck("device", "device reachable", health.CategoryDevice, health.PriorityCritical,
		health.DeviceCheck(engine)); err != nil {
		return nil, err
	}
	if err := checker.RegisterCheck("free_space", "allocator free ratio", health.CategoryAllocator, health.PriorityHigh,
		health.FreeSpaceCheck(engine, hc.MinFreeRatio)); err != nil {
		return nil, err
	}
	if err := checker.RegisterCheck("fragmentation", "data-region fragmentation", health.CategoryAllocator, health.PriorityMedium,
		health.FragmentationCheck(engine, hc.MaxFragmentation)); err != nil {
		return nil, err
	}
	if err := checker.RegisterCheck("checksum_failure_rate", "checksum mismatch rate", health.CategoryAllocator, health.PriorityHigh,
		health.ChecksumFailureRateCheck(engine, hc.MaxChecksumFailRate)); err != nil {
		return nil, err
	}
	if err := checker.RegisterCheck("verifier_lag", "verifier freshness", health.CategoryVerifier, health.PriorityMedium,
		health.VerifierLagCheck(engine.LastVerify, hc.MaxVerifierLag)); err != nil {
		return nil, err
	}

	return checker, nil
}
