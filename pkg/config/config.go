// Package config loads daemon configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the daemon settings.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// ScanInterval is the periodic scan cadence.
	ScanInterval time.Duration
	// RegionSize is the byte size of anonymous regions.
	RegionSize int
	// CriticalRegions are flagged and protected at startup.
	CriticalRegions []string
	// JournalPath is the SQLite tamper journal location.
	JournalPath string
	// MetricsAddr exposes Prometheus metrics when non-empty.
	MetricsAddr string
	// WatchFiles enables event-driven scanning of file regions.
	WatchFiles bool
	// ProtectRetries bounds startup protection attempts per region.
	ProtectRetries int
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		LogLevel:       "info",
		ScanInterval:   30 * time.Second,
		RegionSize:     4096,
		JournalPath:    "bulwark.db",
		ProtectRetries: 5,
	}
}

// Load reads configuration from path, overlaying environment variables
// prefixed with BULWARK_. An empty path yields the defaults plus any
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("BULWARK")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}

	if s := v.GetString("log_level"); s != "" {
		cfg.LogLevel = s
	}
	if d := v.GetDuration("scan_interval"); d > 0 {
		cfg.ScanInterval = d
	}
	if n := v.GetInt("region_size"); n > 0 {
		cfg.RegionSize = n
	}
	if regions := v.GetStringSlice("critical_regions"); len(regions) > 0 {
		cfg.CriticalRegions = regions
	}
	if s := v.GetString("journal_path"); s != "" {
		cfg.JournalPath = s
	}
	if s := v.GetString("metrics_addr"); s != "" {
		cfg.MetricsAddr = s
	}
	if v.IsSet("watch_files") {
		cfg.WatchFiles = v.GetBool("watch_files")
	}
	if n := v.GetInt("protect_retries"); n > 0 {
		cfg.ProtectRetries = n
	}

	return cfg, nil
}

// Validate checks settings that would break the daemon at runtime.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("config: scan interval must be positive, got %v", c.ScanInterval)
	}
	if c.RegionSize <= 0 {
		return fmt.Errorf("config: region size must be positive, got %d", c.RegionSize)
	}
	if c.ProtectRetries <= 0 {
		return fmt.Errorf("config: protect retries must be positive, got %d", c.ProtectRetries)
	}
	return nil
}
