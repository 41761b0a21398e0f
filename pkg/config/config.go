// Package config loads the selectord configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"nodeselector/pkg/manager"
	"nodeselector/pkg/prober"
	"nodeselector/pkg/regressed"
	"nodeselector/pkg/selector"

	"gopkg.in/yaml.v3"
)

// Default values for the daemon configuration.
const (
	DefaultAddr                = ":8090"
	DefaultShutdownTimeout     = 10 * time.Second
	DefaultReselectInterval    = 30 * time.Second
	DefaultRoundTimeout        = 15 * time.Second
	DefaultMinReselectInterval = 2 * time.Second
	DefaultProbeTimeout        = 5 * time.Second
	DefaultRetryMax            = 1
	DefaultLogLevel            = "info"
)

var (
	// ErrNoService is returned when the configuration names no service.
	ErrNoService = errors.New("service is required")

	// ErrNoRegistry is returned when no registry file is configured.
	ErrNoRegistry = errors.New("registry_path is required")
)

// Config is the top-level selectord configuration.
type Config struct {
	// Service is the name nodes must report and the registry key.
	Service string `yaml:"service"`

	// RegistryPath is the YAML version registry. It is watched for changes.
	// Versions always come from it, even when Endpoints is set.
	RegistryPath string `yaml:"registry_path"`

	// Endpoints replaces the registry provider list when set.
	Endpoints []string `yaml:"endpoints"`

	// Whitelist restricts candidates when non-empty. Blacklist always excludes.
	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`

	Selection SelectionConfig `yaml:"selection"`
	Prober    ProberConfig    `yaml:"prober"`
	Manager   ManagerConfig   `yaml:"manager"`
	Server    ServerConfig    `yaml:"server"`

	// LogLevel is a zerolog level name.
	LogLevel string `yaml:"log_level"`
}

// SelectionConfig holds the health thresholds.
type SelectionConfig struct {
	UnhealthyBlockDiff   int64         `yaml:"unhealthy_block_diff"`
	UnhealthySlotDiff    int64         `yaml:"unhealthy_slot_diff"`
	RegressedModeTimeout time.Duration `yaml:"regressed_mode_timeout"`
	ValidVersions        int           `yaml:"valid_versions"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout"`
}

// ProberConfig holds health check transport settings.
type ProberConfig struct {
	Path         string        `yaml:"path"`
	RetryMax     int           `yaml:"retry_max"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`
}

// ManagerConfig controls background reselection.
type ManagerConfig struct {
	ReselectInterval    time.Duration `yaml:"reselect_interval"`
	RoundTimeout        time.Duration `yaml:"round_timeout"`
	MinReselectInterval time.Duration `yaml:"min_reselect_interval"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the config file at path. Missing fields are filled
// with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	return &Config{
		Selection: SelectionConfig{
			UnhealthyBlockDiff:   selector.DefaultUnhealthyBlockDiff,
			RegressedModeTimeout: regressed.DefaultTimeout,
			ValidVersions:        selector.DefaultValidVersions,
			ProbeTimeout:         DefaultProbeTimeout,
		},
		Prober: ProberConfig{
			Path:     prober.DefaultHealthCheckPath,
			RetryMax: DefaultRetryMax,
		},
		Manager: ManagerConfig{
			ReselectInterval:    DefaultReselectInterval,
			RoundTimeout:        DefaultRoundTimeout,
			MinReselectInterval: DefaultMinReselectInterval,
		},
		Server: ServerConfig{
			Addr:            DefaultAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		LogLevel: DefaultLogLevel,
	}
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service) == "" {
		return ErrNoService
	}
	if c.RegistryPath == "" {
		return ErrNoRegistry
	}
	for _, endpoint := range c.Endpoints {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return fmt.Errorf("endpoint %q must start with http:// or https://", endpoint)
		}
	}

	sel := c.Selection
	if sel.UnhealthyBlockDiff <= 0 {
		return fmt.Errorf("selection.unhealthy_block_diff must be positive")
	}
	if sel.UnhealthySlotDiff < 0 {
		return fmt.Errorf("selection.unhealthy_slot_diff must not be negative")
	}
	if sel.ValidVersions < 0 {
		return fmt.Errorf("selection.valid_versions must not be negative")
	}
	if sel.RegressedModeTimeout < 0 || sel.ProbeTimeout < 0 {
		return fmt.Errorf("selection timeouts must not be negative")
	}

	if c.Prober.RetryMax < 0 {
		return fmt.Errorf("prober.retry_max must not be negative")
	}
	if c.Prober.RetryWaitMax > 0 && c.Prober.RetryWaitMin > c.Prober.RetryWaitMax {
		return fmt.Errorf("prober.retry_wait_min %s exceeds retry_wait_max %s", c.Prober.RetryWaitMin, c.Prober.RetryWaitMax)
	}

	if c.Manager.ReselectInterval < 0 || c.Manager.RoundTimeout < 0 || c.Manager.MinReselectInterval < 0 {
		return fmt.Errorf("manager intervals must not be negative")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	return nil
}

// SelectorConfig maps the file onto selector.Config.
func (c *Config) SelectorConfig() selector.Config {
	return selector.Config{
		Service:              c.Service,
		UnhealthyBlockDiff:   c.Selection.UnhealthyBlockDiff,
		UnhealthySlotDiff:    c.Selection.UnhealthySlotDiff,
		RegressedModeTimeout: c.Selection.RegressedModeTimeout,
		ValidVersions:        c.Selection.ValidVersions,
		ProbeTimeout:         c.Selection.ProbeTimeout,
	}
}

// ProberOptions maps the file onto prober.Options. A retry_max of 0 in the
// file disables retries.
func (c *Config) ProberOptions() prober.Options {
	retryMax := c.Prober.RetryMax
	if retryMax == 0 {
		retryMax = -1
	}
	return prober.Options{
		Path:         c.Prober.Path,
		RetryMax:     retryMax,
		RetryWaitMin: c.Prober.RetryWaitMin,
		RetryWaitMax: c.Prober.RetryWaitMax,
	}
}

// ManagerOptions maps the file onto manager.Options.
func (c *Config) ManagerOptions() manager.Options {
	return manager.Options{
		ReselectInterval:    c.Manager.ReselectInterval,
		RoundTimeout:        c.Manager.RoundTimeout,
		MinReselectInterval: c.Manager.MinReselectInterval,
	}
}
