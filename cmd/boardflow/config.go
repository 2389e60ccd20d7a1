package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/boardflow/internal/telemetry"
)

// Config is the YAML file read by every command.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Store     StoreConfig      `yaml:"store"`
	Queue     QueueConfig      `yaml:"queue"`
	Serve     ServeConfig      `yaml:"serve"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Secrets   SecretsConfig    `yaml:"secrets"`

	// Boards maps board names to descriptor files. Durable engines keep
	// boards in memory, so every command registers them on start.
	Boards map[string]string `yaml:"boards" validate:"dive,required"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// StoreConfig selects where runs and their history are kept.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory sqlite postgres redis mongo"`

	// DSN is a file path for sqlite, a connection string for postgres, and
	// a URL for redis and mongo.
	DSN string `yaml:"dsn" validate:"required_unless=Backend memory"`

	// Prefix namespaces redis keys.
	Prefix string `yaml:"prefix"`

	// Database is the mongo database name.
	Database string `yaml:"database" validate:"required_if=Backend mongo"`
}

// QueueConfig selects the task queue used by asynchronous commands and
// serve workers. Durable queues share the store's connection.
type QueueConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory sqlite postgres redis mongo"`
	Workers int    `yaml:"workers" validate:"gte=0"`
}

type ServeConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
	Path string `yaml:"path" validate:"required,startswith=/"`

	// Proxy is the path of the proxy config listing the capabilities the
	// worker forwards to the host.
	Proxy string `yaml:"proxy"`
}

type SecretsConfig struct {
	// EnvPrefix is prepended to secret names before they are looked up in
	// the environment.
	EnvPrefix string `yaml:"env_prefix"`
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// DefaultConfig is used when no config file is given.
func DefaultConfig() Config {
	return Config{
		Log:       LogConfig{Level: "info", Format: "text"},
		Store:     StoreConfig{Backend: "memory"},
		Queue:     QueueConfig{Backend: "memory"},
		Serve:     ServeConfig{Addr: "127.0.0.1:8787", Path: "/ws"},
		Telemetry: telemetry.Config{ServiceName: "boardflow"},
		Secrets:   SecretsConfig{EnvPrefix: "BOARDFLOW_SECRET_"},
	}
}

// LoadConfig reads path over DefaultConfig. An empty path yields the
// defaults. Relative board paths are resolved against the config's
// directory.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for name, p := range cfg.Boards {
		if p != "" && !filepath.IsAbs(p) {
			cfg.Boards[name] = filepath.Join(dir, p)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks field constraints and that durable queues have a
// matching store to share.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("config: %s failed %s", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.Queue.Backend != "memory" && c.Queue.Backend != c.Store.Backend {
		return fmt.Errorf("config: %s queue needs a %s store", c.Queue.Backend, c.Queue.Backend)
	}
	return nil
}
