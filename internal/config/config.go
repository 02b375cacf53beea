package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Agent holds the agent process settings loaded from its TOML file
type Agent struct {
	ServerURL             string `toml:"server_url"`
	Username              string `toml:"username"`
	Password              string `toml:"password"`
	DeviceID              string `toml:"device_id"`
	DatabasePath          string `toml:"database_path"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Server holds the collection server settings loaded from its TOML file
type Server struct {
	ListenAddr    string `toml:"listen_addr"`
	DatabasePath  string `toml:"database_path"`
	Secret        string `toml:"secret"`
	TokenTTLHours int    `toml:"token_ttl_hours"`
}

// DefaultAgent returns agent settings with sane local defaults;
// credentials and the server address must come from the file
func DefaultAgent() Agent {
	return Agent{
		DatabasePath:          "deskwatch-agent.db",
		RequestTimeoutSeconds: 15,
	}
}

// DefaultServer returns server settings with sane local defaults;
// the signing secret must come from the file
func DefaultServer() Server {
	return Server{
		ListenAddr:    ":8080",
		DatabasePath:  "deskwatch-server.db",
		TokenTTLHours: 12,
	}
}

// LoadAgent reads and validates an agent configuration file. Values
// in the file overlay the defaults.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadServer reads and validates a server configuration file
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, v any) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, v); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that the agent can actually reach and authenticate
// against a server
func (c Agent) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if c.Username == "" || c.Password == "" {
		return errors.New("username and password are required")
	}
	if c.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return errors.New("request_timeout_seconds must be positive")
	}
	return nil
}

// Validate checks that the server can issue tokens safely
func (c Server) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if len(c.Secret) < 32 {
		return errors.New("secret must be at least 32 bytes")
	}
	if c.TokenTTLHours <= 0 {
		return errors.New("token_ttl_hours must be positive")
	}
	return nil
}
