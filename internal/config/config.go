// Package config loads the bridge configuration: secrets from the
// environment (optionally seeded by a .env file), tunables from a
// yaml file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Scan interval bounds in seconds. The ANIO API rate-limits
// aggressive pollers, so the floor is one minute.
const (
	DefaultScanIntervalSeconds = 300
	MinScanIntervalSeconds     = 60
	MaxScanIntervalSeconds     = 300
)

// Config holds all bridge configuration.
type Config struct {
	// From the environment (.env supported via godotenv in main).
	HAURL        string `yaml:"-"`
	HAToken      string `yaml:"-"`
	AnioEmail    string `yaml:"-"`
	AnioPassword string `yaml:"-"`
	AnioOTPCode  string `yaml:"-"`
	AnioBaseURL  string `yaml:"-"`

	// From the yaml file.
	ScanIntervalSeconds int    `yaml:"scan_interval_seconds"`
	APIPort             int    `yaml:"api_port"`
	DatabasePath        string `yaml:"database_path"`
	EntityPrefix        string `yaml:"entity_prefix"`
	SendUsername        string `yaml:"send_username"`
}

// defaultConfig returns the built-in defaults.
func defaultConfig() *Config {
	return &Config{
		ScanIntervalSeconds: DefaultScanIntervalSeconds,
		APIPort:             8099,
		DatabasePath:        "aniobridge.db",
		EntityPrefix:        "anio",
	}
}

// Load reads the yaml config at path (missing file is fine, defaults
// apply), then overlays environment variables and clamps the scan
// interval to the supported range.
func Load(path string, logger *zap.Logger) (*Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		logger.Info("Config file loaded", zap.String("path", path))
	} else {
		logger.Info("No config file found, using defaults", zap.String("path", path))
	}

	cfg.HAURL = os.Getenv("HA_URL")
	cfg.HAToken = os.Getenv("HA_TOKEN")
	cfg.AnioEmail = os.Getenv("ANIO_EMAIL")
	cfg.AnioPassword = os.Getenv("ANIO_PASSWORD")
	cfg.AnioOTPCode = os.Getenv("ANIO_OTP_CODE")
	cfg.AnioBaseURL = os.Getenv("ANIO_API_URL")

	if interval := os.Getenv("SCAN_INTERVAL_SECONDS"); interval != "" {
		parsed, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid SCAN_INTERVAL_SECONDS %q: %w", interval, err)
		}
		cfg.ScanIntervalSeconds = parsed
	}

	if cfg.ScanIntervalSeconds < MinScanIntervalSeconds {
		logger.Warn("Scan interval below minimum, clamping",
			zap.Int("requested", cfg.ScanIntervalSeconds),
			zap.Int("minimum", MinScanIntervalSeconds))
		cfg.ScanIntervalSeconds = MinScanIntervalSeconds
	}
	if cfg.ScanIntervalSeconds > MaxScanIntervalSeconds {
		cfg.ScanIntervalSeconds = MaxScanIntervalSeconds
	}

	return cfg, nil
}

// Validate checks that the settings main cannot run without are
// present.
func (c *Config) Validate() error {
	if c.HAURL == "" || c.HAToken == "" {
		return fmt.Errorf("HA_URL and HA_TOKEN environment variables must be set")
	}
	return nil
}
