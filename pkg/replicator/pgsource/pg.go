// Package pgsource reads raw events from a Postgres logical replication slot using the
// pgoutput plugin.
package pgsource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/inngest/dbcursor/pkg/consts/pgconsts"
	"github.com/inngest/dbcursor/pkg/position"
	"github.com/inngest/dbcursor/pkg/replicator/pgsource/pgsetup"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

var (
	ReadTimeout    = time.Second * 5
	ReportInterval = time.Second * 5

	ErrNotConnected = fmt.Errorf("ERR_PG_902: Replication has not been started")
)

type Opts struct {
	Config pgx.ConnConfig

	// Slot and Publication default to the names created by pgsetup.
	Slot        string
	Publication string

	Log *slog.Logger
}

// Source streams raw events from a replication slot.  Begin messages become transaction
// boundaries identified by the transaction's commit LSN, so that a transaction can be
// replayed by restarting just before it.
type Source struct {
	opts Opts

	// conn is the WAL connection
	conn *pgconn.PgConn
	// start is the LSN replication was started from.
	start pglogrepl.LSN
	// relations caches relation messages by ID; pgoutput sends each relation once
	// before its first use.
	relations map[uint32]*pglogrepl.RelationMessage
	// nextReportTime records the time in which we must next report the current
	// LSN to the pg server, advancing the replication slot.
	nextReportTime time.Time
	// lsn is the committed LSN
	lsn uint64

	log *slog.Logger
}

// New connects to postgres for replication.  Call Start to begin streaming.
func New(ctx context.Context, opts Opts) (*Source, error) {
	if opts.Slot == "" {
		opts.Slot = pgconsts.SlotName
	}
	if opts.Publication == "" {
		opts.Publication = pgconsts.PublicationName
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	// Ensure that we add "replication": "database" to the replication configuration.
	replConfig := opts.Config.Config.Copy()
	if replConfig.RuntimeParams == nil {
		replConfig.RuntimeParams = map[string]string{}
	}
	replConfig.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, replConfig)
	if err != nil {
		return nil, fmt.Errorf("error connecting to postgres host for replication: %w", err)
	}

	return &Source{
		opts:      opts,
		conn:      conn,
		relations: map[uint32]*pglogrepl.RelationMessage{},
		log:       opts.Log,
	}, nil
}

// StartLSN returns the LSN from which a checkpoint must be replayed.  A nil or empty
// checkpoint returns 0, which starts from the current server position.
func StartLSN(cp position.Position) (pglogrepl.LSN, error) {
	switch p := cp.(type) {
	case nil:
		return 0, nil
	case position.Transaction:
		if p.ID == "" {
			return 0, nil
		}
		lsn, err := pglogrepl.ParseLSN(p.ID)
		if err != nil {
			return 0, fmt.Errorf("invalid transaction id %q: %w", p.ID, err)
		}
		// Transactions committing after the start LSN are streamed in full.
		if lsn > 0 {
			lsn--
		}
		return lsn, nil
	case position.File:
		return pglogrepl.LSN(p.Offset), nil
	}
	return 0, fmt.Errorf("unsupported position %T", cp)
}

// Start begins streaming from lsn.  If lsn is zero the current server position is used.
func (p *Source) Start(ctx context.Context, lsn pglogrepl.LSN) error {
	identify, err := pglogrepl.IdentifySystem(ctx, p.conn)
	if err != nil {
		return fmt.Errorf("error identifying postgres: %w", err)
	}

	// By default, start at the current LSN, ie. the latest point in the stream.
	startLSN := identify.XLogPos
	if lsn > 0 {
		startLSN = lsn
	}

	err = pglogrepl.StartReplication(
		ctx,
		p.conn,
		p.opts.Slot,
		startLSN,
		pglogrepl.StartReplicationOptions{
			Mode: pglogrepl.LogicalReplication,
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", p.opts.Publication),
			},
		},
	)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "logical decoding requires wal_level") {
			return pgsetup.ErrLogicalReplicationNotSetUp
		}
		if strings.Contains(msg, fmt.Sprintf(`replication slot "%s" does not exist`, p.opts.Slot)) {
			return pgsetup.ErrReplicationSlotNotFound
		}
		if strings.Contains(msg, fmt.Sprintf(`replication slot "%s" is active`, p.opts.Slot)) {
			return pgsetup.ErrReplicationAlreadyRunning
		}
		return fmt.Errorf("error starting logical replication: %w", err)
	}

	p.start = startLSN
	p.log.Info("started logical replication", "slot", p.opts.Slot, "lsn", startLSN)
	return nil
}

// Anchor returns the position matching the point replication started from, for use as
// the initial position when there is no checkpoint.
func (p *Source) Anchor(mode position.Mode) (position.Position, error) {
	if p.start == 0 {
		return nil, ErrNotConnected
	}
	switch mode {
	case position.ModeTransaction:
		return position.Transaction{Sequence: position.Unstarted}, nil
	case position.ModeFile:
		return position.File{Name: p.opts.Slot, Offset: uint64(p.start), Sequence: position.Unstarted}, nil
	}
	return nil, fmt.Errorf("%w: %q", position.ErrUnknownMode, mode)
}

// ReadEvent blocks until the next raw event is decoded.
func (p *Source) ReadEvent(ctx context.Context) (changeset.Event, error) {
	if p.start == 0 {
		return nil, ErrNotConnected
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		evt, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if evt != nil {
			return evt, nil
		}
	}
}

// Commit records the position of the last processed event.  The LSN that must be kept
// to replay the position is reported to the server at the next interval, allowing the
// server to discard older WAL.
func (p *Source) Commit(pos position.Position) {
	lsn, err := StartLSN(pos)
	if err != nil || lsn == 0 {
		return
	}
	atomic.StoreUint64(&p.lsn, uint64(lsn))
}

// LSN returns the committed LSN.
func (p *Source) LSN() (lsn pglogrepl.LSN) {
	return pglogrepl.LSN(atomic.LoadUint64(&p.lsn))
}

func (p *Source) Close(ctx context.Context) error {
	if err := p.report(ctx, false); err != nil {
		p.log.Warn("error reporting lsn progress on close", "error", err)
	}
	return p.conn.Close(ctx)
}

func (p *Source) fetch(ctx context.Context) (changeset.Event, error) {
	var err error

	defer func() {
		// Note that this reports the committed LSN called via Commit().  If the
		// caller never calls Commit() to let us know that events have been fully
		// processed, the DB will never receive new updates and the WAL log will
		// grow indefinitely.
		if time.Now().After(p.nextReportTime) {
			if err = p.report(ctx, p.nextReportTime.IsZero()); err != nil {
				p.log.Error("error reporting lsn progress", "error", err)
			}
			p.nextReportTime = time.Now().Add(ReportInterval)
		}
	}()

	rctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	rawMsg, err := p.conn.ReceiveMessage(rctx)
	cancel()

	if err != nil {
		if pgconn.Timeout(err) && ctx.Err() == nil {
			p.forceNextReport()
			// We return nil as we want to keep iterating.
			return nil, nil
		}
		return nil, err
	}

	if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
		return nil, fmt.Errorf("received pg wal error: %#v", errMsg)
	}

	msg, ok := rawMsg.(*pgproto3.CopyData)
	if !ok {
		return nil, fmt.Errorf("unknown message type: %T", rawMsg)
	}

	switch msg.Data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
		if err != nil {
			return nil, fmt.Errorf("error parsing replication keepalive: %w", err)
		}
		if pkm.ReplyRequested {
			p.forceNextReport()
		}
		return nil, nil
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
		if err != nil {
			return nil, fmt.Errorf("error parsing replication txn data: %w", err)
		}

		wm := changeset.Watermark{
			File:       p.opts.Slot,
			Offset:     uint64(xld.WALStart),
			ServerTime: xld.ServerTime,
		}
		// xld.WALData may be reused, so copy the slice ASAP.
		logical, err := pglogrepl.Parse(copySlice(xld.WALData))
		if err != nil {
			return nil, fmt.Errorf("error decoding xlog data: %w", err)
		}
		return p.decode(logical, wm)
	}

	return nil, nil
}

func (p *Source) forceNextReport() {
	// Updating the next report time to a zero time always reports the LSN,
	// as time.Now() is always after the empty time.
	p.nextReportTime = time.Time{}
}

// report reports the current replication slot's LSN progress to the server.  We can optionally
// force the server to reply with an ack by setting forceReply to true.  This is used when we
// receive timeout errors from PG;  it acts as a ping.
func (p *Source) report(ctx context.Context, forceReply bool) error {
	lsn := p.LSN()
	if lsn == 0 {
		return nil
	}
	err := pglogrepl.SendStandbyStatusUpdate(ctx,
		p.conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: lsn,
			ReplyRequested:   forceReply,
		},
	)
	if err != nil {
		return fmt.Errorf("error sending pg status update: %w", err)
	}
	return nil
}

// copySlice is a util for copying a slice.
func copySlice(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
