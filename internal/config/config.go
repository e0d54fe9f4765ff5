// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads chestlock settings from a YAML file with command-line
// overrides.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Storage backends.
const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// Config is the full settings tree.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Storage StorageConfig `koanf:"storage"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// StorageConfig selects and configures the location backend.
type StorageConfig struct {
	Type      string          `koanf:"type"`
	File      FileConfig      `koanf:"file"`
	Attached  AttachedConfig  `koanf:"attached"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Migration MigrationConfig `koanf:"migration"`
}

// FileConfig configures the YAML document backend.
type FileConfig struct {
	Path string `koanf:"path"`
}

// AttachedConfig configures attribute slot naming.
type AttachedConfig struct {
	Namespace string `koanf:"namespace"`
}

// PostgresConfig configures the relational backend.
type PostgresConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	Database       string        `koanf:"database"`
	User           string        `koanf:"user"`
	Password       string        `koanf:"password"`
	SSLMode        string        `koanf:"sslmode"`
	MaxConns       int32         `koanf:"max_conns"`
	MinConns       int32         `koanf:"min_conns"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	WriteMode      string        `koanf:"write_mode"`
	WriteWorkers   int           `koanf:"write_workers"`
	WriteQueue     int           `koanf:"write_queue"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	WriteRetries   int           `koanf:"write_retries"`
}

// MigrationConfig configures the schema migrator.
type MigrationConfig struct {
	Strategy string `koanf:"strategy"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Log: LogConfig{Format: "json", Level: "info"},
		Storage: StorageConfig{
			Type:     StorageFile,
			File:     FileConfig{Path: "protections.yml"},
			Attached: AttachedConfig{Namespace: "chestlock"},
			Postgres: PostgresConfig{
				Host:           "localhost",
				Port:           5432,
				Database:       "chestlock",
				User:           "chestlock",
				SSLMode:        "disable",
				MaxConns:       10,
				MinConns:       2,
				ConnectTimeout: 30 * time.Second,
				WriteMode:      "async",
				WriteWorkers:   4,
				WriteQueue:     256,
				WriteTimeout:   10 * time.Second,
				WriteRetries:   3,
			},
			Migration: MigrationConfig{Strategy: "transactional"},
		},
	}
}

// RegisterFlags adds the override flags to fs. Flag names match config keys.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("storage.type", d.Storage.Type, "location backend (file|postgres)")
	fs.String("storage.file.path", d.Storage.File.Path, "protection document path")
	fs.String("storage.postgres.host", d.Storage.Postgres.Host, "database host")
	fs.Int("storage.postgres.port", d.Storage.Postgres.Port, "database port")
	fs.String("storage.postgres.database", d.Storage.Postgres.Database, "database name")
	fs.String("storage.postgres.user", d.Storage.Postgres.User, "database user")
	fs.String("storage.postgres.password", d.Storage.Postgres.Password, "database password")
	fs.String("storage.postgres.write_mode", d.Storage.Postgres.WriteMode, "durable write mode (async|sync)")
	fs.String("storage.migration.strategy", d.Storage.Migration.Strategy, "migration failure strategy (transactional|backup)")
	fs.String("log.format", d.Log.Format, "log format (json|text)")
	fs.String("log.level", d.Log.Level, "log level (debug|info|warn|error)")
}

// Load reads path (skipped when empty) and applies any changed flags in fs
// (skipped when nil) on top of the defaults, then validates the result.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
		}
	}
	if fs != nil {
		changed := func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return f.Name, posflag.FlagVal(fs, f)
		}
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, changed), nil); err != nil {
			return nil, oops.Code("CONFIG_INVALID").With("operation", "load flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	invalid := func(field string, value any, msg string) error {
		return oops.Code("CONFIG_INVALID").With("field", field).With("value", value).Errorf("%s: %s", field, msg)
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format", c.Log.Format, "must be json or text")
	}
	switch c.Storage.Type {
	case StorageFile, StoragePostgres:
	default:
		return invalid("storage.type", c.Storage.Type, "must be file or postgres")
	}
	if c.Storage.File.Path == "" {
		return invalid("storage.file.path", c.Storage.File.Path, "must not be empty")
	}
	if c.Storage.Attached.Namespace == "" {
		return invalid("storage.attached.namespace", c.Storage.Attached.Namespace, "must not be empty")
	}

	pg := c.Storage.Postgres
	switch pg.WriteMode {
	case "async", "sync":
	default:
		return invalid("storage.postgres.write_mode", pg.WriteMode, "must be async or sync")
	}
	switch c.Storage.Migration.Strategy {
	case "transactional", "backup":
	default:
		return invalid("storage.migration.strategy", c.Storage.Migration.Strategy, "must be transactional or backup")
	}
	if c.Storage.Type != StoragePostgres {
		return nil
	}
	if pg.Host == "" {
		return invalid("storage.postgres.host", pg.Host, "must not be empty")
	}
	if pg.Port <= 0 || pg.Port > 65535 {
		return invalid("storage.postgres.port", pg.Port, "must be between 1 and 65535")
	}
	if pg.Database == "" {
		return invalid("storage.postgres.database", pg.Database, "must not be empty")
	}
	// the migration lock pins one connection for the whole run
	if pg.MaxConns < 2 {
		return invalid("storage.postgres.max_conns", pg.MaxConns, "must be at least 2")
	}
	if pg.MinConns < 0 || pg.MinConns > pg.MaxConns {
		return invalid("storage.postgres.min_conns", pg.MinConns, "must be between 0 and max_conns")
	}
	if pg.ConnectTimeout <= 0 {
		return invalid("storage.postgres.connect_timeout", pg.ConnectTimeout, "must be positive")
	}
	if pg.WriteWorkers < 1 {
		return invalid("storage.postgres.write_workers", pg.WriteWorkers, "must be at least 1")
	}
	if pg.WriteQueue < 0 {
		return invalid("storage.postgres.write_queue", pg.WriteQueue, "must not be negative")
	}
	if pg.WriteTimeout <= 0 {
		return invalid("storage.postgres.write_timeout", pg.WriteTimeout, "must be positive")
	}
	if pg.WriteRetries < 0 {
		return invalid("storage.postgres.write_retries", pg.WriteRetries, "must not be negative")
	}
	return nil
}
