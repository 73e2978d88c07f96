package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/ranging.report/internal/snoop"
)

// DefaultConfigPath is the path to the checked-in defaults file.
const DefaultConfigPath = "config/ranging.defaults.json"

// Config is the JSON configuration of the ranging daemon. Every field is
// optional; the Get* methods supply defaults and command-line flags override
// whatever the file sets.
type Config struct {
	// SelfAddress is this device's ranging address. It has no default.
	SelfAddress *int `json:"self_address,omitempty"`

	// Expiry in trace time. "0" or unset keeps records until they complete.
	ExpiryTTL     *string `json:"expiry_ttl,omitempty"`     // duration string like "30s"
	SweepInterval *string `json:"sweep_interval,omitempty"` // defaults to expiry_ttl

	// Trace input
	Follow       *bool              `json:"follow,omitempty"`
	PollInterval *string            `json:"poll_interval,omitempty"` // duration string like "250ms"
	Serial       *snoop.PortOptions `json:"serial,omitempty"`

	// Output
	DBPath        *string `json:"db_path,omitempty"`
	Listen        *string `json:"listen,omitempty"`
	HistogramBins *int    `json:"histogram_bins,omitempty"`
}

// LoadConfig loads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.SelfAddress != nil && (*c.SelfAddress < 0 || *c.SelfAddress > 255) {
		return fmt.Errorf("self_address must be between 0 and 255, got %d", *c.SelfAddress)
	}

	for name, v := range map[string]*string{
		"expiry_ttl":     c.ExpiryTTL,
		"sweep_interval": c.SweepInterval,
		"poll_interval":  c.PollInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalise(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}

	if c.HistogramBins != nil && *c.HistogramBins < 1 {
		return fmt.Errorf("histogram_bins must be positive, got %d", *c.HistogramBins)
	}
	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetSelfAddress returns the configured address and whether one was set.
func (c *Config) GetSelfAddress() (uint8, bool) {
	if c.SelfAddress == nil {
		return 0, false
	}
	return uint8(*c.SelfAddress), true
}

// GetExpiryTTL returns the expiry TTL. Zero disables expiry.
func (c *Config) GetExpiryTTL() time.Duration {
	return duration(c.ExpiryTTL, 0)
}

// GetSweepInterval returns the sweep interval, defaulting to the TTL.
func (c *Config) GetSweepInterval() time.Duration {
	return duration(c.SweepInterval, c.GetExpiryTTL())
}

// GetFollow returns the follow value or the default.
func (c *Config) GetFollow() bool {
	if c.Follow == nil {
		return false
	}
	return *c.Follow
}

// GetPollInterval returns the poll interval for followed trace files.
func (c *Config) GetPollInterval() time.Duration {
	return duration(c.PollInterval, snoop.DefaultPollInterval)
}

// GetSerial returns the normalised serial options.
func (c *Config) GetSerial() snoop.PortOptions {
	var opts snoop.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalise(); err == nil {
		return n
	}
	return opts
}

// GetDBPath returns the db_path value or the default.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "ranging.db"
	}
	return *c.DBPath
}

// GetListen returns the listen address or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil {
		return ":8080"
	}
	return *c.Listen
}

// GetHistogramBins returns the histogram_bins value or the default.
func (c *Config) GetHistogramBins() int {
	if c.HistogramBins == nil {
		return 20
	}
	return *c.HistogramBins
}
