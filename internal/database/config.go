package database

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Schema selects which embedded migration set a connection runs
type Schema string

const (
	// SchemaAgent is the local store on the endpoint (delivery queue)
	SchemaAgent Schema = "agent"
	// SchemaServer is the central store (devices, summaries, episodes, policies, audit)
	SchemaServer Schema = "server"
)

// Config holds all database configuration options
type Config struct {
	Path                  string        `toml:"path"`
	Schema                Schema        `toml:"schema"`
	MaxConnections        int           `toml:"max_connections"`
	MaxIdleConns          int           `toml:"max_idle_conns"`
	ConnMaxLifetime       time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime       time.Duration `toml:"conn_max_idle_time"`
	ForceSingleConnection bool          `toml:"force_single_connection"`

	AutoMigrate bool `toml:"auto_migrate"`

	JournalMode     string `toml:"journal_mode"`
	SynchronousMode string `toml:"synchronous_mode"`
	CacheSize       int    `toml:"cache_size"` // in KB
	BusyTimeout     int    `toml:"busy_timeout"` // in milliseconds
	ForeignKeys     bool   `toml:"foreign_keys"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig(schema Schema) *Config {
	return &Config{
		Path:            "deskwatch.db",
		Schema:          schema,
		MaxConnections:  4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 24 * time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		JournalMode:     "WAL",
		SynchronousMode: "NORMAL",
		CacheSize:       2000,
		BusyTimeout:     30000,
		ForeignKeys:     true,
	}
}

// TestConfig returns an in-memory configuration for tests
func TestConfig(schema Schema) *Config {
	config := DefaultConfig(schema)
	config.Path = ":memory:"
	// WAL is meaningless for in-memory databases
	config.JournalMode = "MEMORY"
	config.SynchronousMode = "OFF"
	config.CacheSize = 1000
	config.BusyTimeout = 1000
	// A shared in-memory database needs exactly one connection or each
	// pooled connection sees its own empty database
	config.ForceSingleConnection = true
	return config
}

// Validate checks the configuration for obvious mistakes
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.Schema != SchemaAgent && c.Schema != SchemaServer {
		return fmt.Errorf("unknown database schema %q", c.Schema)
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("busy timeout must not be negative")
	}
	return nil
}

// GetConnectionString builds the SQLite DSN with all pragma options.
// Only characters that would break query-string parsing are escaped in
// the path portion.
func (c *Config) GetConnectionString() string {
	values := url.Values{}

	if c.ForeignKeys {
		values.Set("_foreign_keys", "on")
	} else {
		values.Set("_foreign_keys", "off")
	}
	values.Set("_journal_mode", c.JournalMode)
	values.Set("_synchronous", c.SynchronousMode)
	// Negative cache size so SQLite interprets it as KB
	values.Set("_cache_size", fmt.Sprintf("%d", -c.CacheSize))
	values.Set("_busy_timeout", fmt.Sprintf("%d", c.BusyTimeout))

	path := c.Path
	if strings.ContainsAny(path, "?&") {
		path = strings.ReplaceAll(path, "?", "%3F")
		path = strings.ReplaceAll(path, "&", "%26")
	}

	return path + "?" + values.Encode()
}

// Clone creates a copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
