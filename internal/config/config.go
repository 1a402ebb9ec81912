package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig `yaml:"server"`
	Auth    AuthConfig   `yaml:"auth"`
	Relay   RelayConfig  `yaml:"relay"`
	Servers []GameServer `yaml:"servers"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig maps bearer tokens to the server IDs each token may observe.
// A scope entry of "*" grants every configured server. In production the
// console's session service supplies scopes instead; the static table is
// for standalone deployments and development.
type AuthConfig struct {
	Tokens         map[string][]string `yaml:"tokens"`
	AllowAnonymous bool                `yaml:"allow_anonymous"`
}

type RelayConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTeardown     time.Duration `yaml:"idle_teardown"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	ReconnectMin     time.Duration `yaml:"reconnect_min_backoff"`
	ReconnectMax     time.Duration `yaml:"reconnect_max_backoff"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	RoundHistory     int           `yaml:"round_history"`
}

// GameServer holds the connection parameters for one managed dedicated
// server. Parameters are immutable once a connection exists; changing them
// requires removing and re-adding the server.
type GameServer struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(cfg.Servers))
	for _, gs := range cfg.Servers {
		if gs.ID == "" {
			return nil, fmt.Errorf("config: server entry missing id (host=%s)", gs.Host)
		}
		if seen[gs.ID] {
			return nil, fmt.Errorf("config: duplicate server id %q", gs.ID)
		}
		seen[gs.ID] = true
	}

	return cfg, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Relay: RelayConfig{
			HandshakeTimeout: 10 * time.Second,
			IdleTeardown:     3 * time.Minute,
			WatchdogInterval: 45 * time.Second,
			ReconnectMin:     time.Second,
			ReconnectMax:     30 * time.Second,
			SubscriberBuffer: 64,
			RoundHistory:     32,
		},
	}
}

// Lookup returns the connection parameters for a server ID.
func (c *Config) Lookup(id string) (GameServer, bool) {
	for _, gs := range c.Servers {
		if gs.ID == id {
			return gs, true
		}
	}
	return GameServer{}, false
}
