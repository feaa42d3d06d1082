// Package config loads collector and backend configuration from a YAML
// file plus environment variable overrides, modeled on the teacher's
// internal/config/config.go (file-then-env layering, a package-level
// LoadCollectorConfig/LoadBackendConfig entry point) trimmed down from
// the teacher's dispatcher/sink/monitor knobs to the lifelog pipeline's
// own surface (spec §6: "a collector must be configurable to point at a
// backend address, a CAS path, a data directory, and per-modality
// enable/interval knobs").
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	apperrors "lifelogpipe/pkg/errors"
)

// ModalityConfig is one modality's enable/interval knob. Capture adapters
// themselves are out of scope (spec §1); this is only the dial each
// adapter reads to decide whether and how often to sample.
type ModalityConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval,omitempty"` // e.g. "5s"; empty means adapter-defined default
}

// CollectorConfig is the top-level config for a collector process.
type CollectorConfig struct {
	CollectorID  string                     `yaml:"collector_id"`
	BackendAddr  string                     `yaml:"backend_addr"`
	DataDir      string                     `yaml:"data_dir"`
	Modalities   map[string]ModalityConfig  `yaml:"modalities"`
	WeatherAPIKey string                    `yaml:"weather_api_key,omitempty"`
}

// BackendConfig is the top-level config for the backend process.
type BackendConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	CASDir     string `yaml:"cas_dir"`
	StoreDSN   string `yaml:"store_dsn"`
}

// DefaultCollectorConfig mirrors the teacher's applyDefaults pattern: a
// config built purely from file+env can still be missing fields a first
// run needs, so sane defaults are applied before validation.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		BackendAddr: "http://127.0.0.1:8080",
		DataDir:     "./data",
		Modalities:  map[string]ModalityConfig{},
	}
}

// DefaultBackendConfig mirrors DefaultCollectorConfig for the backend side.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		ListenAddr: ":8080",
		CASDir:     "./cas",
		StoreDSN:   "./lifelog.db",
	}
}

// LoadCollectorConfig loads a collector config from file (if path is
// non-empty), applies defaults, then applies environment overrides.
// WEATHER_API_KEY overrides the weather adapter's configured key per
// spec §6, regardless of whether the file set one.
func LoadCollectorConfig(path string) (CollectorConfig, error) {
	cfg := DefaultCollectorConfig()
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("COLLECTOR_ID"); v != "" {
		cfg.CollectorID = v
	}
	if v := os.Getenv("BACKEND_ADDR"); v != "" {
		cfg.BackendAddr = v
	}
	if v := os.Getenv("WEATHER_API_KEY"); v != "" {
		cfg.WeatherAPIKey = v
	}
	if cfg.CollectorID == "" {
		return cfg, apperrors.ConfigError("load_collector_config", "collector_id is required")
	}
	return cfg, nil
}

// LoadBackendConfig loads a backend config from file (if path is
// non-empty), applies defaults, then applies environment overrides.
func LoadBackendConfig(path string) (BackendConfig, error) {
	cfg := DefaultBackendConfig()
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CAS_DIR"); v != "" {
		cfg.CASDir = v
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	return cfg, nil
}

func loadYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.New(apperrors.CodeConfigNotFound, "config", "load_yaml", fmt.Sprintf("config file not found: %s", path))
		}
		return apperrors.ConfigError("load_yaml", "failed to read config file").Wrap(err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return apperrors.ConfigError("load_yaml", "failed to parse config file").Wrap(err)
	}
	return nil
}
