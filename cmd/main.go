package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/inngest/dbcursor/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfg config.Config
	log *slog.Logger
)

var rootCommand = &cobra.Command{
	Use:           "dbcursor",
	Short:         "Resumable change data capture",
	Long:          `Streams row changes from MySQL binlogs or Postgres logical replication, resuming exactly where the last run left off.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		applyFlags(cmd)
		if err := cfg.Validate(); err != nil {
			return err
		}
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
		slog.SetDefault(log)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var flags struct {
	source      string
	databaseURL string
	mode        string
	verbose     bool
}

func init() {
	pf := rootCommand.PersistentFlags()
	pf.StringVar(&flags.source, "source", "", "upstream database: mysql or postgres (DBCURSOR_SOURCE)")
	pf.StringVar(&flags.databaseURL, "database-url", "", "upstream connection string (DATABASE_URL)")
	pf.StringVar(&flags.mode, "mode", "", "position mode: transaction or file (DBCURSOR_MODE)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "verbose output")
}

// applyFlags layers explicitly set flags over the environment.
func applyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("source") {
		cfg.Source = flags.source
	}
	if f.Changed("database-url") {
		cfg.DatabaseURL = flags.databaseURL
	}
	if f.Changed("mode") {
		cfg.Mode = flags.mode
	}
	if flags.verbose {
		cfg.LogLevel = "debug"
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
