package heartbeat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval is how often the Emitter writes a heartbeat.
const DefaultInterval = time.Minute

type Dialect int

const (
	DialectMySQL Dialect = iota
	DialectPostgres
)

// Execer is satisfied by *sql.DB and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type EmitterOpts struct {
	DB      Execer
	Dialect Dialect

	// Schema and Table locate the heartbeat row.  They default to DefaultSchema and
	// DefaultTable.
	Schema   string
	Table    string
	Interval time.Duration

	Clock Clock
	Log   *slog.Logger
}

// Emitter is the upstream half of the liveness loop: it periodically overwrites a single
// heartbeat row with an increasing serial and the current time, so that the change shows up
// in the replication stream for a Monitor to observe.
type Emitter struct {
	opts   EmitterOpts
	serial int64
}

func NewEmitter(opts EmitterOpts) (*Emitter, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("heartbeat emitter requires a database")
	}
	if opts.Schema == "" {
		opts.Schema = DefaultSchema
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	// Seed the serial from the clock so that restarts keep it increasing.
	return &Emitter{opts: opts, serial: opts.Clock.Now().Unix()}, nil
}

// Setup creates the heartbeat schema and table if they do not exist.
func (e *Emitter) Setup(ctx context.Context) error {
	for _, stmt := range e.createStmts() {
		if _, err := e.opts.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error creating heartbeat table: %w", err)
		}
	}
	return nil
}

func (e *Emitter) createStmts() []string {
	return CreateStatements(e.opts.Dialect, e.opts.Schema, e.opts.Table)
}

// CreateStatements returns the DDL creating the heartbeat schema and table.
func CreateStatements(d Dialect, schema, table string) []string {
	switch d {
	case DialectPostgres:
		return []string{
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			  id integer PRIMARY KEY,
			  serial bigint NOT NULL,
			  timestamp timestamp without time zone NOT NULL
			)`, schema, table),
		}
	default:
		return []string{
			fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, schema),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			  id int PRIMARY KEY,
			  serial bigint NOT NULL,
			  timestamp datetime(6) NOT NULL
			)`, schema, table),
		}
	}
}

func (e *Emitter) upsertStmt() string {
	switch e.opts.Dialect {
	case DialectPostgres:
		return fmt.Sprintf(`INSERT INTO %s.%s (id, serial, timestamp) VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET serial = EXCLUDED.serial, timestamp = EXCLUDED.timestamp`,
			e.opts.Schema, e.opts.Table)
	default:
		return fmt.Sprintf(`REPLACE INTO %s.%s (id, serial, timestamp) VALUES (1, ?, ?)`,
			e.opts.Schema, e.opts.Table)
	}
}

// Beat writes a single heartbeat, returning the serial written.
func (e *Emitter) Beat(ctx context.Context) (int64, error) {
	e.serial++
	now := e.opts.Clock.Now().UTC()
	if _, err := e.opts.DB.ExecContext(ctx, e.upsertStmt(), e.serial, now); err != nil {
		return 0, fmt.Errorf("error writing heartbeat %d: %w", e.serial, err)
	}
	return e.serial, nil
}

// Run writes heartbeats every interval until ctx is cancelled.  Write failures are logged
// and do not stop the emitter.
func (e *Emitter) Run(ctx context.Context) error {
	t := time.NewTicker(e.opts.Interval)
	defer t.Stop()

	for {
		serial, err := e.Beat(ctx)
		if err != nil {
			e.opts.Log.Error("error emitting heartbeat", "error", err)
		} else {
			e.opts.Log.Debug("emitted heartbeat", "serial", serial)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
