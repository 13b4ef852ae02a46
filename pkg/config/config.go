// Package config loads the goquota daemon configuration from a file, the
// environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

// EnvPrefix prefixes environment overrides, e.g. GOQUOTA_METRICS_ADDR
const EnvPrefix = "GOQUOTA"

// Defaults
const (
	DefaultMetricsAddr     = ":9207"
	DefaultSyncInterval    = 5 * time.Minute
	DefaultScrapeRate      = 200
	DefaultScrapeInterval  = time.Minute
	DefaultCallTimeout     = 30 * time.Second
	DefaultBreakerFailures = 3
	DefaultBreakerTimeout  = 5 * time.Minute
)

// DeviceConfig selects a device and the quota kinds to manage on it
type DeviceConfig struct {
	// Path is a block device or a mount point
	Path string `mapstructure:"path"`

	// Format is a quota format name; empty asks the kernel
	Format string `mapstructure:"format"`

	// Kinds are quota kind names; empty means user and group
	Kinds []string `mapstructure:"kinds"`
}

// Config is the daemon configuration
type Config struct {
	Devices []DeviceConfig `mapstructure:"devices"`

	// Discover adds every mounted filesystem with quota options
	Discover bool `mapstructure:"discover"`

	// MetricsAddr is the listen address of /metrics; empty disables it
	MetricsAddr string `mapstructure:"metrics_addr"`

	// SyncInterval is the period of quota syncs; zero disables them
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// ScrapeRate limits quotactl calls per second while reading usage
	ScrapeRate float64 `mapstructure:"scrape_rate"`

	// ScrapeInterval is the period at which exported usage is re-read;
	// zero uses DefaultScrapeInterval
	ScrapeInterval time.Duration `mapstructure:"scrape_interval"`

	// CallTimeout bounds every quotactl call
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// SetDefaults registers the default of every key, which also makes the
// keys visible to environment overrides
func SetDefaults(v *viper.Viper) {
	v.SetDefault("devices", []DeviceConfig{})
	v.SetDefault("discover", false)
	v.SetDefault("metrics_addr", DefaultMetricsAddr)
	v.SetDefault("sync_interval", DefaultSyncInterval)
	v.SetDefault("scrape_rate", DefaultScrapeRate)
	v.SetDefault("scrape_interval", DefaultScrapeInterval)
	v.SetDefault("call_timeout", DefaultCallTimeout)
	v.SetDefault("breaker_failures", DefaultBreakerFailures)
	v.SetDefault("breaker_timeout", DefaultBreakerTimeout)
}

// NewViper returns a viper instance with defaults and GOQUOTA_ environment
// overrides
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error
	if len(c.Devices) == 0 && !c.Discover {
		errs = append(errs, errors.New("no devices configured and discovery is off"))
	}
	for i, d := range c.Devices {
		if _, _, err := d.Parse(); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d]: %w", i, err))
		}
	}
	if c.SyncInterval < 0 {
		errs = append(errs, fmt.Errorf("sync_interval must not be negative, got %v", c.SyncInterval))
	}
	if c.ScrapeRate < 0 {
		errs = append(errs, fmt.Errorf("scrape_rate must not be negative, got %v", c.ScrapeRate))
	}
	if c.ScrapeInterval < 0 {
		errs = append(errs, fmt.Errorf("scrape_interval must not be negative, got %v", c.ScrapeInterval))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("call_timeout must not be negative, got %v", c.CallTimeout))
	}
	if c.BreakerTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker_timeout must not be negative, got %v", c.BreakerTimeout))
	}
	return errors.Join(errs...)
}

// Parse validates the device entry and returns its format, zero when the
// kernel should be asked, and kinds
func (d DeviceConfig) Parse() (quota.Format, []quota.Kind, error) {
	if err := quota.ValidateDevice(d.Path); err != nil {
		return 0, nil, err
	}

	var format quota.Format
	if d.Format != "" {
		f, err := quota.ParseFormat(d.Format)
		if err != nil {
			return 0, nil, err
		}
		format = f
	}

	if len(d.Kinds) == 0 {
		return format, []quota.Kind{quota.KindUser, quota.KindGroup}, nil
	}
	kinds := make([]quota.Kind, 0, len(d.Kinds))
	seen := make(map[quota.Kind]bool)
	for _, name := range d.Kinds {
		k, err := quota.ParseKind(name)
		if err != nil {
			return 0, nil, err
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return format, kinds, nil
}
