package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/inngest/dbcursor/internal/config"
	"github.com/inngest/dbcursor/pkg/heartbeat"
	"github.com/inngest/dbcursor/pkg/replicator/pgsource/pgsetup"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
)

var setupFlags struct {
	password string
	check    bool
	teardown bool
}

var setupCommand = &cobra.Command{
	Use:   "setup",
	Short: "Prepare the upstream database for streaming.",
	Long: `Creates the heartbeat table.  For Postgres this also creates the replication user, grants,
replication slot and publication, using DATABASE_URL as an admin connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetup(cmd.Context(), cfg)
	},
}

func init() {
	f := setupCommand.Flags()
	f.StringVar(&setupFlags.password, "password", "", "password for the replication user (postgres only)")
	f.BoolVar(&setupFlags.check, "check", false, "check the setup without changing anything")
	f.BoolVar(&setupFlags.teardown, "teardown", false, "remove the replication slot, publication and user (postgres only)")
	rootCommand.AddCommand(setupCommand)
}

func runSetup(ctx context.Context, cfg config.Config) error {
	if cfg.Source == config.SourceMySQL {
		if setupFlags.check || setupFlags.teardown {
			return fmt.Errorf("--check and --teardown are only supported for postgres")
		}
		db, dialect, err := openSQL(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		e, err := heartbeat.NewEmitter(heartbeat.EmitterOpts{DB: db, Dialect: dialect, Schema: cfg.HeartbeatSchema, Log: log})
		if err != nil {
			return err
		}
		return e.Setup(ctx)
	}

	admin, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("invalid postgres connection string: %w", err)
	}
	opts := pgsetup.SetupOpts{
		AdminConfig:     *admin,
		Password:        setupFlags.password,
		HeartbeatSchema: cfg.HeartbeatSchema,
	}

	if setupFlags.teardown {
		return pgsetup.Teardown(ctx, opts)
	}

	var res pgsetup.TestConnResult
	if setupFlags.check {
		res, err = pgsetup.Check(ctx, opts)
	} else {
		if opts.Password == "" {
			return fmt.Errorf("--password is required to create the replication user")
		}
		res, err = pgsetup.Setup(ctx, opts)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res.Results())
	return err
}
