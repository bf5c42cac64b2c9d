// Package config loads server configuration from a YAML file layered over
// built-in defaults, and owns process logging setup.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/oakheartlabs/treechat/pkg/streambackend"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig           `yaml:"server"`
	Storage StorageConfig          `yaml:"storage"`
	Redis   streambackend.Settings `yaml:"redis"`
	Logging LoggingConfig          `yaml:"logging"`
	Chat    ChatConfig             `yaml:"chat"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig selects the conversation store backend. When both fields are
// empty the server runs on the in-memory store.
type StorageConfig struct {
	// Path to a SQLite database file; a DSN is derived from it.
	Path string `yaml:"path"`
	// DSN overrides Path when set.
	DSN string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ChatConfig struct {
	SummaryMaxChars int `yaml:"summaryMaxChars"`
	// EchoDelayMs spaces out fragments of the built-in echo provider.
	EchoDelayMs int `yaml:"echoDelayMs"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8080"},
		Redis:   streambackend.DefaultSettings(),
		Logging: LoggingConfig{Level: "info"},
		Chat:    ChatConfig{SummaryMaxChars: 80, EchoDelayMs: 20},
	}
}

// Load overlays the YAML file at path on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}
