// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/inngest/dbcursor/pkg/position"
)

const (
	SourceMySQL    = "mysql"
	SourcePostgres = "postgres"
)

type Config struct {
	// Source is the upstream database flavour: "mysql" or "postgres".
	Source string `env:"DBCURSOR_SOURCE" envDefault:"postgres"`
	// DatabaseURL is the upstream connection string.  Postgres accepts a URL or DSN;
	// MySQL takes a go-sql-driver DSN, eg. "user:pass@tcp(localhost:3306)/".
	DatabaseURL string `env:"DATABASE_URL"`
	// Mode selects transaction (GTID / commit LSN) or file (binlog file / slot)
	// positions.
	Mode string `env:"DBCURSOR_MODE" envDefault:"transaction"`

	HeartbeatSchema   string        `env:"DBCURSOR_HEARTBEAT_SCHEMA" envDefault:"cdc_heartbeat"`
	HeartbeatInterval time.Duration `env:"DBCURSOR_HEARTBEAT_INTERVAL" envDefault:"1m"`
	StaleThreshold    time.Duration `env:"DBCURSOR_STALE_THRESHOLD" envDefault:"10m"`

	// CheckpointURL is a Postgres connection string for the checkpoint store.  When
	// empty, checkpoints are only held in memory.
	CheckpointURL  string `env:"DBCURSOR_CHECKPOINT_URL"`
	CheckpointName string `env:"DBCURSOR_CHECKPOINT_NAME" envDefault:"default"`

	MetricsAddr string `env:"DBCURSOR_METRICS_ADDR"`
	// EventKey is the Inngest event key.  When empty, results are written to stdout.
	EventKey  string `env:"INNGEST_EVENT_KEY"`
	BatchSize int    `env:"DBCURSOR_BATCH_SIZE" envDefault:"100"`
	ServerID  uint32 `env:"DBCURSOR_SERVER_ID" envDefault:"1001"`
	LogLevel  string `env:"DBCURSOR_LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses a Config from the environment.  It does not validate, so that values can
// be overridden before calling Validate.
func Load() (Config, error) {
	cfg := Config{}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Source {
	case SourceMySQL, SourcePostgres:
	default:
		return fmt.Errorf("unknown source %q: must be %q or %q", c.Source, SourceMySQL, SourcePostgres)
	}
	if _, err := position.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("stale threshold must be positive, got %s", c.StaleThreshold)
	}
	return nil
}

// PositionMode returns the parsed position mode.
func (c Config) PositionMode() (position.Mode, error) {
	return position.ParseMode(c.Mode)
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
