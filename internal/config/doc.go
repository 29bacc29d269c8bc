/*
Package config provides file/env/default layered configuration for one
cache engine instance: global logging and port settings, the active L2
backend's settings (raw-disk or file-per-entry), the two-tier
coordinator's L1 and writer-queue settings, and monitoring settings.

# Layering

Three sources apply in increasing precedence: compiled-in defaults from
NewDefault, a YAML file via LoadFromFile, and environment variables via
LoadFromEnv. Callers typically apply all three in order and then call
Validate:

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/pingora-slice/cache.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

# Configuration file format

	global:
	  log_level: INFO
	  metrics_port: 9400
	  health_port: 9401
	backend: rawdisk
	rawdisk:
	  devicepath: /var/cache/pingora-slice/l2.img
	  devicesize: 10737418240
	coordinator:
	  writerqueuedepth: 1024
	  l1:
	    maxbytes: 268435456
	monitoring:
	  metrics:
	    enabled: true
	    port: 9400
	  health_checks:
	    enabled: true
	    interval: 30s

# Environment variables

	PINGORA_SLICE_LOG_LEVEL, PINGORA_SLICE_LOG_FILE
	PINGORA_SLICE_METRICS_PORT, PINGORA_SLICE_HEALTH_PORT
	PINGORA_SLICE_BACKEND
	PINGORA_SLICE_DEVICE_PATH, PINGORA_SLICE_FILEENTRY_DIR
	PINGORA_SLICE_L1_MAX_BYTES
	PINGORA_SLICE_METRICS_ENABLED

# Wiring health checks

NewHealthChecker builds a health.Checker with the standard raw-disk checks
(device free-ratio floor, free space, fragmentation, checksum failure rate,
verifier lag) already registered against a running *rawdisk.Engine:

	checker, err := cfg.NewHealthChecker(engine)
	if err != nil {
		log.Fatal(err)
	}
	if err := checker.Start(ctx); err != nil {
		log.Fatal(err)
	}
*/
package config
