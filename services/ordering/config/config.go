// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the orderd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianOrder/pkg/logging"
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
	badgerstore "github.com/AleutianAI/AleutianOrder/services/ordering/storage/badger"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
	"github.com/AleutianAI/AleutianOrder/services/ordering/telemetry"
)

// EnvConfigPath names the variable consulted when no --config flag is given.
const EnvConfigPath = "ORDERD_CONFIG"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("loglevel", validateLogLevel)
}

// validateLogLevel accepts the level names logging.ParseLevel knows.
func validateLogLevel(fl validator.FieldLevel) bool {
	_, err := logging.ParseLevel(fl.Field().String())
	return err == nil
}

// Config is the root of orderd.yaml.
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Storage   badgerstore.Config `yaml:"storage"`
	Store     StoreConfig        `yaml:"store"`
	Logging   LoggingConfig      `yaml:"logging"`
	Telemetry telemetry.Config   `yaml:"telemetry"`
	Tables    []schema.Table     `yaml:"tables" validate:"required,min=1,dive"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// MoveRate limits move requests per table, in requests per second.
	// Zero disables limiting.
	MoveRate  float64 `yaml:"move_rate" validate:"gte=0"`
	MoveBurst int     `yaml:"move_burst" validate:"gte=0"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// StreamBuffer is the per-client websocket notification buffer.
	StreamBuffer int `yaml:"stream_buffer" validate:"gte=1"`
}

// StoreConfig tunes transaction retries.
type StoreConfig struct {
	MaxConflictRetries int           `yaml:"max_conflict_retries" validate:"gte=1"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" validate:"gte=0"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"loglevel"`
	Format string `yaml:"format" validate:"oneof=text json auto"`
	Dir    string `yaml:"dir"`
	Quiet  bool   `yaml:"quiet"`
}

// LoggerConfig converts to a logging.Config for service.
func (c LoggingConfig) LoggerConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Dir,
		Service: service,
		Format:  logging.Format(c.Format),
		Quiet:   c.Quiet,
	}, nil
}

// Default returns a configuration that serves on :8090 with a persistent
// store and no tables.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8090",
			MoveRate:          50,
			MoveBurst:         100,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			StreamBuffer:      64,
		},
		Storage: badgerstore.DefaultConfig(),
		Store: StoreConfig{
			MaxConflictRetries: store.DefaultMaxConflictRetries,
			RetryBackoff:       store.DefaultRetryBackoff,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// ResolvePath returns flagPath, or the ORDERD_CONFIG value when flagPath is
// empty.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return os.Getenv(EnvConfigPath)
}

// Load reads and validates the file at path. Values absent from the file
// keep their Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no config file given (use --config or %s)", ErrInvalidConfig, EnvConfigPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags, then every table definition.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is required unless storage.in_memory is set", ErrInvalidConfig)
	}
	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Registry builds the table registry from Tables.
func (c *Config) Registry() (*schema.Registry, error) {
	return schema.NewRegistry(c.Tables...)
}

// StoreOptions returns the store options Store describes.
func (c *Config) StoreOptions() []store.Option {
	return []store.Option{
		store.WithMaxConflictRetries(c.Store.MaxConflictRetries),
		store.WithRetryBackoff(c.Store.RetryBackoff),
	}
}

// WriteDefault writes an example configuration to path, creating its
// directory. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}

	cfg := Default()
	cfg.Tables = []schema.Table{{
		Name:         "items",
		Columns:      []string{"title", "list_id", schema.DefaultOrderColumn},
		GroupColumns: []string{"list_id"},
	}}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
