// Package config parses the server's configuration surface — environment
// variables, optionally overlaid on a YAML config file — into one typed
// struct read at startup, so no subsystem threads raw os.Getenv lookups
// through its code.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized tunable, already parsed into native types
// with defaults applied.
type Config struct {
	DataDir string

	MaxConcurrentKernels int
	ExecutionTimeout     time.Duration
	InputRequestTimeout  time.Duration
	HealthCheckInterval  time.Duration
	AssetStorageCapBytes int64
	AssetLeaseTTL        time.Duration
	OrphanBufferMax      int
	IdleTimeout          time.Duration
	SessionToken         string
}

// Default returns the built-in defaults, with DATA_DIR resolved to a local
// ./data directory when unset.
func Default() Config {
	return Config{
		DataDir:              "./data",
		MaxConcurrentKernels: 10,
		ExecutionTimeout:     300 * time.Second,
		InputRequestTimeout:  60 * time.Second,
		HealthCheckInterval:  30 * time.Second,
		AssetStorageCapBytes: 1 << 30, // 1 GB
		AssetLeaseTTL:        24 * time.Hour,
		OrphanBufferMax:      1000,
		IdleTimeout:          0, // disabled unless explicitly configured
		SessionToken:         "",
	}
}

// FromEnv loads configuration from the recognized environment variables,
// falling back to Default() for anything unset. A malformed value for a
// recognized variable is a startup error rather than a silently ignored
// default — misconfiguration should fail loud.
func FromEnv() (Config, error) {
	return applyEnv(Default())
}

// Load builds the effective configuration: defaults, overlaid by the YAML
// config file at path (when non-empty), overlaid by environment variables.
// Env always wins so a deployment can override a shared config file without
// editing it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		cfg, err = applyFile(cfg, path)
		if err != nil {
			return cfg, err
		}
	}
	return applyEnv(cfg)
}

// fileConfig mirrors the env-var names in YAML form. Pointer fields
// distinguish "absent" from "explicit zero".
type fileConfig struct {
	DataDir                    string `yaml:"data_dir"`
	MaxConcurrentKernels       *int   `yaml:"max_concurrent_kernels"`
	ExecutionTimeoutSeconds    *int   `yaml:"execution_timeout_seconds"`
	InputRequestTimeoutSeconds *int   `yaml:"input_request_timeout_seconds"`
	HealthCheckIntervalSeconds *int   `yaml:"health_check_interval_seconds"`
	AssetStorageCapBytes       *int64 `yaml:"asset_storage_cap_bytes"`
	AssetLeaseTTLHours         *int   `yaml:"asset_lease_ttl_hours"`
	OrphanBufferMax            *int   `yaml:"orphan_buffer_max"`
	IdleTimeoutSeconds         *int   `yaml:"idle_timeout_seconds"`
	SessionToken               string `yaml:"session_token"`
}

func applyFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.SessionToken != "" {
		cfg.SessionToken = fc.SessionToken
	}
	if fc.MaxConcurrentKernels != nil {
		cfg.MaxConcurrentKernels = *fc.MaxConcurrentKernels
	}
	if fc.ExecutionTimeoutSeconds != nil {
		cfg.ExecutionTimeout = time.Duration(*fc.ExecutionTimeoutSeconds) * time.Second
	}
	if fc.InputRequestTimeoutSeconds != nil {
		cfg.InputRequestTimeout = time.Duration(*fc.InputRequestTimeoutSeconds) * time.Second
	}
	if fc.HealthCheckIntervalSeconds != nil {
		cfg.HealthCheckInterval = time.Duration(*fc.HealthCheckIntervalSeconds) * time.Second
	}
	if fc.AssetStorageCapBytes != nil {
		cfg.AssetStorageCapBytes = *fc.AssetStorageCapBytes
	}
	if fc.AssetLeaseTTLHours != nil {
		cfg.AssetLeaseTTL = time.Duration(*fc.AssetLeaseTTLHours) * time.Hour
	}
	if fc.OrphanBufferMax != nil {
		cfg.OrphanBufferMax = *fc.OrphanBufferMax
	}
	if fc.IdleTimeoutSeconds != nil {
		cfg.IdleTimeout = time.Duration(*fc.IdleTimeoutSeconds) * time.Second
	}
	return cfg, nil
}

func applyEnv(cfg Config) (Config, error) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SESSION_TOKEN"); v != "" {
		cfg.SessionToken = v
	}

	var err error
	if cfg.MaxConcurrentKernels, err = intEnv("MAX_CONCURRENT_KERNELS", cfg.MaxConcurrentKernels); err != nil {
		return cfg, err
	}
	if cfg.OrphanBufferMax, err = intEnv("ORPHAN_BUFFER_MAX", cfg.OrphanBufferMax); err != nil {
		return cfg, err
	}

	if cfg.ExecutionTimeout, err = durationSecondsEnv("EXECUTION_TIMEOUT_SECONDS", cfg.ExecutionTimeout); err != nil {
		return cfg, err
	}
	if cfg.InputRequestTimeout, err = durationSecondsEnv("INPUT_REQUEST_TIMEOUT_SECONDS", cfg.InputRequestTimeout); err != nil {
		return cfg, err
	}
	if cfg.HealthCheckInterval, err = durationSecondsEnv("HEALTH_CHECK_INTERVAL_SECONDS", cfg.HealthCheckInterval); err != nil {
		return cfg, err
	}
	if cfg.IdleTimeout, err = durationSecondsEnv("IDLE_TIMEOUT_SECONDS", cfg.IdleTimeout); err != nil {
		return cfg, err
	}

	if cfg.AssetStorageCapBytes, err = int64Env("ASSET_STORAGE_CAP_BYTES", cfg.AssetStorageCapBytes); err != nil {
		return cfg, err
	}
	if cfg.AssetLeaseTTL, err = durationHoursEnv("ASSET_LEASE_TTL_HOURS", cfg.AssetLeaseTTL); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func intEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return n, nil
}

func int64Env(name string, fallback int64) (int64, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return n, nil
}

func durationSecondsEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return time.Duration(n) * time.Second, nil
}

func durationHoursEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return time.Duration(n) * time.Hour, nil
}
