package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/rondo/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// List of database hosts. A single hostname is the common case; multiple
	// hosts are useful with connection pools/proxies or read replicas.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int         `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string      `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string      `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	Debug        bool                    `toml:"debug"`         // Enable SQL query logging
	QueryTimeout string                  `toml:"query_timeout"` // Default timeout for database queries (default: "30s")
	Write        *DatabaseEndpointConfig `toml:"write"`         // Write database configuration
	Read         *DatabaseEndpointConfig `toml:"read"`          // Read database configuration
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// DirectoryConfig holds configuration for the remote directory admin API.
type DirectoryConfig struct {
	BaseURL        string `toml:"base_url"`        // Base URL of the directory admin API
	AuthToken      string `toml:"auth_token"`      // Bearer token for API authentication
	RequestTimeout string `toml:"request_timeout"` // Per-request timeout (default: "30s")
	PageSize       int    `toml:"page_size"`       // Accounts per listing page (default: 500)
	MaxRetries     int    `toml:"max_retries"`     // Retry budget for transient faults (default: 3)
	RetryInterval  string `toml:"retry_interval"`  // Initial retry backoff interval (default: "1s")
}

// GetRequestTimeout parses the per-request timeout duration
func (d *DirectoryConfig) GetRequestTimeout() (time.Duration, error) {
	if d.RequestTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.RequestTimeout)
}

// GetRetryInterval parses the initial retry backoff interval
func (d *DirectoryConfig) GetRetryInterval() (time.Duration, error) {
	if d.RetryInterval == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(d.RetryInterval)
}

// PurgeConfig holds purge queue processor configuration.
type PurgeConfig struct {
	RetentionWindow string `toml:"retention_window"` // Delay between purge eligibility and deletion (default: "30d")
	WakeInterval    string `toml:"wake_interval"`    // How often the worker looks for due entries (default: "15m")
	RetryDelay      string `toml:"retry_delay"`      // Base delay before re-arming a failed entry (default: "15m")
	MaxAttempts     int    `toml:"max_attempts"`     // Attempts before an entry is marked failed (default: 5)
}

// GetRetentionWindow parses the retention window duration
func (p *PurgeConfig) GetRetentionWindow() (time.Duration, error) {
	if p.RetentionWindow == "" {
		return 30 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(p.RetentionWindow)
}

// GetWakeInterval parses the wake interval duration
func (p *PurgeConfig) GetWakeInterval() (time.Duration, error) {
	if p.WakeInterval == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(p.WakeInterval)
}

// GetRetryDelay parses the retry delay duration
func (p *PurgeConfig) GetRetryDelay() (time.Duration, error) {
	if p.RetryDelay == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(p.RetryDelay)
}

// GetMaxAttempts returns the bounded attempt count for purge deletions
func (p *PurgeConfig) GetMaxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 5
	}
	return p.MaxAttempts
}

// SchedulerConfig holds sync scheduler configuration. The sync interval
// itself is persisted in the database so it survives restarts; only the
// wake cadence of the timer loop is configured here.
type SchedulerConfig struct {
	TickInterval string `toml:"tick_interval"` // How often the scheduler checks the deadline (default: "30s")
}

// GetTickInterval parses the scheduler tick interval
func (s *SchedulerConfig) GetTickInterval() (time.Duration, error) {
	if s.TickInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(s.TickInterval)
}

// HTTPAPIConfig holds HTTP admin API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Database  DatabaseConfig  `toml:"database"`
	Directory DirectoryConfig `toml:"directory"`
	Purge     PurgeConfig     `toml:"purge"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	HTTPAPI   HTTPAPIConfig   `toml:"http_api"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			QueryTimeout: "30s",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Password:        "",
				Name:            "rondo_db",
				TLSMode:         false,
				MaxConns:        20,
				MinConns:        2,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		Directory: DirectoryConfig{
			BaseURL:        "",
			AuthToken:      "",
			RequestTimeout: "30s",
			PageSize:       500,
			MaxRetries:     3,
			RetryInterval:  "1s",
		},
		Purge: PurgeConfig{
			RetentionWindow: "30d",
			WakeInterval:    "15m",
			RetryDelay:      "15m",
			MaxAttempts:     5,
		},
		Scheduler: SchedulerConfig{
			TickInterval: "30s",
		},
		HTTPAPI: HTTPAPIConfig{
			Start: false,
			Addr:  ":8980",
		},
	}
}

// Load reads a TOML configuration file into cfg. An empty path leaves the
// defaults untouched so the daemon can run on defaults plus flags.
func Load(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file %s does not exist", path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks cross-field constraints that TOML decoding cannot express.
func (c *Config) Validate() error {
	if c.Database.Write == nil {
		return fmt.Errorf("database.write endpoint is required")
	}
	if len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts must not be empty")
	}
	if c.Directory.BaseURL == "" {
		return fmt.Errorf("directory.base_url is required")
	}
	if c.Directory.PageSize < 0 {
		return fmt.Errorf("directory.page_size must not be negative")
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when the HTTP API is enabled")
	}
	if c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
		return fmt.Errorf("http_api TLS certificate and key files are required when TLS is enabled")
	}
	for _, get := range []func() (time.Duration, error){
		c.Database.GetQueryTimeout,
		c.Directory.GetRequestTimeout,
		c.Directory.GetRetryInterval,
		c.Purge.GetRetentionWindow,
		c.Purge.GetWakeInterval,
		c.Purge.GetRetryDelay,
		c.Scheduler.GetTickInterval,
	} {
		if _, err := get(); err != nil {
			return err
		}
	}
	return nil
}
