// Package config handles configuration loading, validation, and
// persistence for the ridenet daemons.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigFile = "config/ridenet.json"
	DefaultServerPort = 4130
	DefaultAPIPort    = 5130
	DefaultMaxClients = 16

	// DefaultPollTimeoutMs is the shutdown-notice tick for the network
	// goroutines.
	DefaultPollTimeoutMs = 200
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Server  ServerConfig  `json:"server"`
	Client  ClientConfig  `json:"client"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig configures the server session.
type ServerConfig struct {
	BindHost      string `json:"bind_host"`
	Port          int    `json:"port"` // TCP listener and shared UDP socket
	MaxClients    int    `json:"max_clients"`
	PollTimeoutMs int    `json:"poll_timeout_ms"`
	LevelsDBPath  string `json:"levels_db_path"`
}

// ClientConfig configures the headless client.
type ClientConfig struct {
	Name       string `json:"name"`
	ServerHost string `json:"server_host"`
	ServerPort int    `json:"server_port"`
}

// APIConfig configures the read-only status API.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// MQTTConfig configures telemetry publishing.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	UseTLS      bool   `json:"use_tls"`
	IntervalSec int    `json:"interval_sec"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindHost:      "0.0.0.0",
			Port:          DefaultServerPort,
			MaxClients:    DefaultMaxClients,
			PollTimeoutMs: DefaultPollTimeoutMs,
			LevelsDBPath:  "config/levels.db",
		},
		Client: ClientConfig{
			Name:       "rider",
			ServerHost: "127.0.0.1",
			ServerPort: DefaultServerPort,
		},
		API: APIConfig{
			Enabled: true,
			Port:    DefaultAPIPort,
		},
		MQTT: MQTTConfig{
			Port:        8883,
			IntervalSec: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads the configuration from path, creating it with defaults when
// it does not exist yet.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}

	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Info().Str("path", path).Msg("no config file, writing defaults")
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("configuration loaded")
	return cfg, nil
}

// Save writes the configuration back to its file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", c.path, err)
	}
	return nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxClients < 1 {
		errs = append(errs, fmt.Errorf("server.max_clients must be at least 1"))
	}
	if c.Server.PollTimeoutMs < 10 {
		errs = append(errs, fmt.Errorf("server.poll_timeout_ms %d too small", c.Server.PollTimeoutMs))
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, fmt.Errorf("mqtt.broker is required when mqtt is enabled"))
	}

	return errs
}
