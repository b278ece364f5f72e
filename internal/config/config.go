// Package config loads the gateway configuration from a TOML file.
// Every value has a default, so a missing file is not an error; flags
// parsed in cmd/pickups take precedence over file values.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the pickups.toml file structure.
type Config struct {
	// ListenAddr is the host:port the IRC listener binds to.
	ListenAddr string `toml:"listen_addr"`

	// ServerName is the name the gateway uses as the message prefix in
	// numerics and other server-originated replies.
	ServerName string `toml:"server_name"`

	Remote RemoteConfig `toml:"remote"`
}

// RemoteConfig describes how to reach the bridged chat service.
type RemoteConfig struct {
	// Endpoint is the websocket URL of the remote service.
	Endpoint string `toml:"endpoint"`

	// Token authenticates the bridged account. When authentication is
	// rejected the gateway exits; there is no retry.
	Token string `toml:"token"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:6667",
		ServerName: "pickups.davr.org",
		Remote: RemoteConfig{
			Endpoint: "ws://127.0.0.1:9090",
		},
	}
}

// Load reads a TOML config file and merges it over the defaults. A path
// that does not exist yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = Default().ListenAddr
	}
	if cfg.ServerName == "" {
		cfg.ServerName = Default().ServerName
	}
	return cfg, nil
}
