package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/inngest/dbcursor/internal/config"
	"github.com/inngest/dbcursor/internal/metrics"
	"github.com/inngest/dbcursor/pkg/alert"
	"github.com/inngest/dbcursor/pkg/checkpoint"
	"github.com/inngest/dbcursor/pkg/eventwriter"
	"github.com/inngest/dbcursor/pkg/heartbeat"
	"github.com/inngest/dbcursor/pkg/position"
	"github.com/inngest/dbcursor/pkg/replicator/mysqlsource"
	"github.com/inngest/dbcursor/pkg/replicator/pgsource"
	"github.com/inngest/dbcursor/pkg/stream"
	"github.com/inngest/inngestgo"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var streamCommand = &cobra.Command{
	Use:   "stream",
	Short: "Stream changes from the upstream database.",
	Long: `Streams changes from the upstream database, resuming from the last checkpoint.  Results are
sent to Inngest when INNGEST_EVENT_KEY is set, and written to stdout otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStream(cmd.Context(), cfg)
	},
}

func init() {
	rootCommand.AddCommand(streamCommand)
}

// opened is a started source along with the position to begin from.
type opened struct {
	reader  stream.Reader
	initial position.Position
	// ack, if set, releases upstream data up to a saved checkpoint.
	ack   func(position.Position)
	close func()
}

func runStream(ctx context.Context, cfg config.Config) error {
	mode, err := cfg.PositionMode()
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	cp, err := store.Load(ctx, cfg.CheckpointName)
	if err != nil {
		return err
	}
	if cp != nil && cp.Mode() != mode {
		return fmt.Errorf("%w: checkpoint %q is a %s position but mode is %s", stream.ErrConfiguration, cfg.CheckpointName, cp.Mode(), mode)
	}
	if cp != nil {
		log.Info("resuming from checkpoint", "name", cfg.CheckpointName, "position", cp.String())
	}

	src, err := openSource(ctx, cfg, mode, cp)
	if err != nil {
		return err
	}
	defer src.close()

	m := metrics.New(prometheus.Labels{"source": cfg.Source})
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error("error serving metrics", "error", err)
			}
		}()
	}

	var (
		client inngestgo.Client
		sinks  = alert.Multi{alert.LogSink{Log: log}}
	)
	if cfg.EventKey != "" {
		client = inngestgo.NewClient(inngestgo.ClientOpts{EventKey: &cfg.EventKey})
		sinks = append(sinks, alert.NewInngestSink(client, log))
	}

	monitor := heartbeat.NewMonitor(heartbeat.Opts{
		Schema:    cfg.HeartbeatSchema,
		Threshold: cfg.StaleThreshold,
		Sink:      sinks,
		Log:       log,
	})

	lookahead := stream.NewLookahead(src.reader)
	st, err := stream.New(src.initial, mode, lookahead, stream.Opts{
		Monitor:  monitor,
		Observer: m,
		Log:      log,
	})
	if err != nil {
		return err
	}

	var writer eventwriter.EventWriter
	if client != nil {
		writer = eventwriter.NewAPIClientWriter(cfg.BatchSize, client, log)
	} else {
		writer = eventwriter.NewCallbackWriter(cfg.BatchSize, 0, printBatch(os.Stdout), log)
	}

	checkpointer := checkpoint.NewCommitter(store, cfg.CheckpointName, log)
	if src.ack != nil {
		checkpointer.OnSaved(src.ack)
	}

	cpCtx, cpCancel := context.WithCancel(context.Background())
	cpDone := sync.WaitGroup{}
	cpDone.Add(1)
	go func() {
		defer cpDone.Done()
		checkpointer.Run(cpCtx, checkpoint.DefaultFlushInterval)
	}()

	writerCtx, writerCancel := context.WithCancel(ctx)
	cc := writer.Listen(writerCtx, checkpointer)

	pullErr := st.Pull(ctx, cc)

	// Deliver everything already pulled, then save the final checkpoint.
	writerCancel()
	writer.Wait()
	cpCancel()
	cpDone.Wait()

	last := "none"
	if p := st.Checkpoint(); p != nil {
		last = p.String()
	}
	if pullErr != nil {
		log.Error("error streaming", "error", pullErr, "checkpoint", last)
		return pullErr
	}
	log.Info("stream stopped", "checkpoint", last)
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (checkpoint.Store, func(), error) {
	if cfg.CheckpointURL == "" {
		log.Warn("no checkpoint store configured; checkpoints are held in memory only")
		return checkpoint.NewMemory(), func() {}, nil
	}

	conn, err := pgx.Connect(ctx, cfg.CheckpointURL)
	if err != nil {
		return nil, nil, fmt.Errorf("error connecting to checkpoint store: %w", err)
	}
	store := checkpoint.NewPostgres(conn, "")
	if err := store.Migrate(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, nil, err
	}
	return store, func() { _ = conn.Close(context.Background()) }, nil
}

func openSource(ctx context.Context, cfg config.Config, mode position.Mode, cp position.Position) (opened, error) {
	switch cfg.Source {
	case config.SourceMySQL:
		opts, err := mysqlsource.ParseDSN(cfg.DatabaseURL)
		if err != nil {
			return opened{}, err
		}
		opts.ServerID = cfg.ServerID
		opts.Log = log

		src := mysqlsource.New(opts)
		if err := src.Start(ctx, mode, cp); err != nil {
			return opened{}, err
		}
		initial, err := initialPosition(cp, src.Anchor, mode)
		if err != nil {
			_ = src.Close()
			return opened{}, err
		}
		return opened{
			reader:  src,
			initial: initial,
			close:   func() { _ = src.Close() },
		}, nil

	case config.SourcePostgres:
		pgcfg, err := pgx.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return opened{}, fmt.Errorf("invalid postgres connection string: %w", err)
		}
		src, err := pgsource.New(ctx, pgsource.Opts{Config: *pgcfg, Log: log})
		if err != nil {
			return opened{}, err
		}
		closeSrc := func() { _ = src.Close(context.Background()) }

		lsn, err := pgsource.StartLSN(cp)
		if err != nil {
			closeSrc()
			return opened{}, err
		}
		if err := src.Start(ctx, lsn); err != nil {
			closeSrc()
			return opened{}, err
		}
		initial, err := initialPosition(cp, src.Anchor, mode)
		if err != nil {
			closeSrc()
			return opened{}, err
		}
		return opened{
			reader:  src,
			initial: initial,
			ack:     src.Commit,
			close:   closeSrc,
		}, nil
	}
	return opened{}, fmt.Errorf("unknown source %q", cfg.Source)
}

func initialPosition(cp position.Position, anchor func(position.Mode) (position.Position, error), mode position.Mode) (position.Position, error) {
	if cp != nil {
		return cp, nil
	}
	return anchor(mode)
}

// printBatch writes each result as a JSON event, one per line.
func printBatch(w io.Writer) func([]stream.ResultEvent) error {
	enc := json.NewEncoder(w)
	return func(batch []stream.ResultEvent) error {
		for _, r := range batch {
			if err := enc.Encode(eventwriter.ResultToEvent(r)); err != nil {
				return err
			}
		}
		return nil
	}
}
