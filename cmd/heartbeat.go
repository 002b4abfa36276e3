package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/inngest/dbcursor/internal/config"
	"github.com/inngest/dbcursor/pkg/heartbeat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

var heartbeatCommand = &cobra.Command{
	Use:   "heartbeat",
	Short: "Write heartbeat rows upstream.",
	Long: `Periodically writes a heartbeat row into the upstream database.  The row change travels
through replication and is checked for staleness by "dbcursor stream".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHeartbeat(cmd.Context(), cfg)
	},
}

func init() {
	rootCommand.AddCommand(heartbeatCommand)
}

func runHeartbeat(ctx context.Context, cfg config.Config) error {
	db, dialect, err := openSQL(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	e, err := heartbeat.NewEmitter(heartbeat.EmitterOpts{
		DB:       db,
		Dialect:  dialect,
		Schema:   cfg.HeartbeatSchema,
		Interval: cfg.HeartbeatInterval,
		Log:      log,
	})
	if err != nil {
		return err
	}
	if err := e.Setup(ctx); err != nil {
		return err
	}

	log.Info("writing heartbeats", "schema", cfg.HeartbeatSchema, "interval", cfg.HeartbeatInterval)
	if err := e.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// openSQL opens a database/sql handle to the upstream database.
func openSQL(cfg config.Config) (*sql.DB, heartbeat.Dialect, error) {
	switch cfg.Source {
	case config.SourceMySQL:
		db, err := sql.Open("mysql", cfg.DatabaseURL)
		return db, heartbeat.DialectMySQL, err
	case config.SourcePostgres:
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		return db, heartbeat.DialectPostgres, err
	}
	return nil, 0, fmt.Errorf("unknown source %q", cfg.Source)
}
