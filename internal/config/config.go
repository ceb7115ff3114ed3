// Package config provides configuration management for the assignment
// closure service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Closure timing constants
const (
	// defaultUpdateInterval is used when closer.update_interval is unset
	defaultUpdateInterval = "1s"
	// defaultMaxRetries is used when closer.max_retries is unset
	defaultMaxRetries = 10
	// defaultShutdownStall bounds how long a shutdown may make no progress
	defaultShutdownStall = "60s"
	// defaultRunningStall bounds how long a running process may make no progress
	defaultRunningStall = "30s"
	// defaultReconcileInterval is used when reconcile.interval is unset
	defaultReconcileInterval = "15s"
	// defaultReferenceGrace is how long a dangling process reference is tolerated
	defaultReferenceGrace = "30s"
	// defaultRetention is how long terminal records stay before garbage collection
	defaultRetention = "1h"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Venue       VenueConfig       `yaml:"venue"`
	Closer      CloserConfig      `yaml:"closer"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// VenueConfig defines venue API settings.
type VenueConfig struct {
	Provider     string `yaml:"provider"`
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	APIEndpoint  string `yaml:"api_endpoint"`
	MarginAsset  string `yaml:"margin_asset"`
	PollInterval string `yaml:"poll_interval"` // assignment fill polling cadence
}

// CloserConfig defines how closing processes behave.
type CloserConfig struct {
	ConnectorName  string   `yaml:"connector_name"`
	TradingPairs   []string `yaml:"trading_pairs"` // empty means accept all known pairs
	OrderType      string   `yaml:"order_type"`    // market | limit
	ClosePercent   float64  `yaml:"close_percent"`
	SlippageBuffer float64  `yaml:"slippage_buffer"`

	// TimeLimit is the barrier delay before closing; "0s" closes immediately.
	TimeLimit    string  `yaml:"time_limit"`
	StopLoss     float64 `yaml:"stop_loss"`
	TakeProfit   float64 `yaml:"take_profit"`
	TrailingStop float64 `yaml:"trailing_stop"`

	UpdateInterval string `yaml:"update_interval"`
	MaxOrderAge    string `yaml:"max_order_age"`
	MaxRetries     int    `yaml:"max_retries"`
	ShutdownStall  string `yaml:"shutdown_stall"`
	RunningStall   string `yaml:"running_stall"`
}

// ReconcileConfig defines the reconciliation loop settings.
type ReconcileConfig struct {
	Interval       string `yaml:"interval"`
	ReferenceGrace string `yaml:"reference_grace"`
	Retention      string `yaml:"retention"`
}

// StorageConfig defines storage settings for the assignment archive.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the status dashboard settings.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// filling defaults for unset optional fields.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Venue validation
	if c.Environment.Mode == "live" {
		if c.Venue.APIKey == "" {
			return fmt.Errorf("venue.api_key is required in live mode")
		}
		if c.Venue.APISecret == "" {
			return fmt.Errorf("venue.api_secret is required in live mode")
		}
	}
	if c.Venue.MarginAsset == "" {
		c.Venue.MarginAsset = "USD"
	}
	if c.Venue.PollInterval == "" {
		c.Venue.PollInterval = "1s"
	}
	if _, err := time.ParseDuration(c.Venue.PollInterval); err != nil {
		return fmt.Errorf("venue.poll_interval invalid: %w", err)
	}

	// Closer validation
	if c.Closer.ConnectorName == "" {
		return fmt.Errorf("closer.connector_name is required")
	}
	switch strings.ToLower(c.Closer.OrderType) {
	case "", "market":
		c.Closer.OrderType = "market"
	case "limit":
		c.Closer.OrderType = "limit"
	default:
		return fmt.Errorf("closer.order_type must be 'market' or 'limit'")
	}
	if c.Closer.ClosePercent == 0 {
		c.Closer.ClosePercent = 100
	}
	if c.Closer.ClosePercent <= 0 || c.Closer.ClosePercent > 100 {
		return fmt.Errorf("closer.close_percent must be in (0,100]")
	}
	if c.Closer.SlippageBuffer < 0 {
		return fmt.Errorf("closer.slippage_buffer must be >= 0")
	}
	if c.Closer.StopLoss < 0 || c.Closer.TakeProfit < 0 || c.Closer.TrailingStop < 0 {
		return fmt.Errorf("closer barriers must be >= 0")
	}
	if c.Closer.TimeLimit == "" {
		c.Closer.TimeLimit = "0s"
	}
	if _, err := time.ParseDuration(c.Closer.TimeLimit); err != nil {
		return fmt.Errorf("closer.time_limit invalid: %w", err)
	}
	if c.Closer.UpdateInterval == "" {
		c.Closer.UpdateInterval = defaultUpdateInterval
	}
	if _, err := time.ParseDuration(c.Closer.UpdateInterval); err != nil {
		return fmt.Errorf("closer.update_interval invalid: %w", err)
	}
	if c.Closer.MaxOrderAge == "" {
		c.Closer.MaxOrderAge = "30s"
	}
	if _, err := time.ParseDuration(c.Closer.MaxOrderAge); err != nil {
		return fmt.Errorf("closer.max_order_age invalid: %w", err)
	}
	if c.Closer.MaxRetries == 0 {
		c.Closer.MaxRetries = defaultMaxRetries
	}
	if c.Closer.MaxRetries < 0 {
		return fmt.Errorf("closer.max_retries must be > 0")
	}
	if c.Closer.ShutdownStall == "" {
		c.Closer.ShutdownStall = defaultShutdownStall
	}
	if _, err := time.ParseDuration(c.Closer.ShutdownStall); err != nil {
		return fmt.Errorf("closer.shutdown_stall invalid: %w", err)
	}
	if c.Closer.RunningStall == "" {
		c.Closer.RunningStall = defaultRunningStall
	}
	if _, err := time.ParseDuration(c.Closer.RunningStall); err != nil {
		return fmt.Errorf("closer.running_stall invalid: %w", err)
	}

	// Reconcile validation
	if c.Reconcile.Interval == "" {
		c.Reconcile.Interval = defaultReconcileInterval
	}
	if _, err := time.ParseDuration(c.Reconcile.Interval); err != nil {
		return fmt.Errorf("reconcile.interval invalid: %w", err)
	}
	if c.Reconcile.ReferenceGrace == "" {
		c.Reconcile.ReferenceGrace = defaultReferenceGrace
	}
	if _, err := time.ParseDuration(c.Reconcile.ReferenceGrace); err != nil {
		return fmt.Errorf("reconcile.reference_grace invalid: %w", err)
	}
	if c.Reconcile.Retention == "" {
		c.Reconcile.Retention = defaultRetention
	}
	if _, err := time.ParseDuration(c.Reconcile.Retention); err != nil {
		return fmt.Errorf("reconcile.retention invalid: %w", err)
	}

	// Storage validation
	if c.Storage.Path == "" {
		c.Storage.Path = "data/assignments.json"
	}

	// Dashboard validation
	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		c.Dashboard.Listen = ":9091"
	}

	return nil
}

// IsPaperTrading returns true if the service is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetPollInterval returns the assignment fill polling cadence.
func (c *Config) GetPollInterval() time.Duration {
	return c.duration(c.Venue.PollInterval, time.Second)
}

// GetTimeLimit returns the close barrier delay; zero means close immediately.
func (c *Config) GetTimeLimit() time.Duration {
	return c.duration(c.Closer.TimeLimit, 0)
}

// GetUpdateInterval returns the process control loop cadence.
func (c *Config) GetUpdateInterval() time.Duration {
	return c.duration(c.Closer.UpdateInterval, time.Second)
}

// GetMaxOrderAge returns how long a close order may sit unfilled.
func (c *Config) GetMaxOrderAge() time.Duration {
	return c.duration(c.Closer.MaxOrderAge, 30*time.Second)
}

// GetShutdownStall returns the shutdown no-progress bound.
func (c *Config) GetShutdownStall() time.Duration {
	return c.duration(c.Closer.ShutdownStall, 60*time.Second)
}

// GetRunningStall returns the running no-progress bound.
func (c *Config) GetRunningStall() time.Duration {
	return c.duration(c.Closer.RunningStall, 30*time.Second)
}

// GetReconcileInterval returns the reconciliation loop cadence.
func (c *Config) GetReconcileInterval() time.Duration {
	return c.duration(c.Reconcile.Interval, 15*time.Second)
}

// GetReferenceGrace returns how long a dangling process reference is tolerated
// before the reconciler repairs it.
func (c *Config) GetReferenceGrace() time.Duration {
	return c.duration(c.Reconcile.ReferenceGrace, 30*time.Second)
}

// GetRetention returns how long terminal records are kept before garbage
// collection.
func (c *Config) GetRetention() time.Duration {
	return c.duration(c.Reconcile.Retention, time.Hour)
}

func (c *Config) duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
