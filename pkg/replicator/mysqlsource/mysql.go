// Package mysqlsource reads raw events from a MySQL binlog, addressed either by GTID or
// by binlog file and offset.
package mysqlsource

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	drivermysql "github.com/go-sql-driver/mysql"
	"github.com/go-mysql-org/go-mysql/client"
	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/inngest/dbcursor/pkg/position"
)

var (
	ErrNotStarted = fmt.Errorf("ERR_MY_001: Binlog streaming has not been started")
	ErrNoGTID     = fmt.Errorf("ERR_MY_002: The server has no executed GTID set; enable gtid_mode to stream by transaction")
)

// DefaultServerID is the replica server ID used when none is configured.  It must be
// unique among the replicas of the source server.
const DefaultServerID = 1001

type Opts struct {
	Host     string
	Port     uint16
	User     string
	Password string
	// ServerID identifies this replica to the source server.
	ServerID uint32
	// Flavor is "mysql" or "mariadb".  Defaults to "mysql".
	Flavor string

	Log *slog.Logger
}

// ParseDSN builds Opts from a go-sql-driver DSN, eg. "user:pass@tcp(localhost:3306)/".
func ParseDSN(dsn string) (Opts, error) {
	cfg, err := drivermysql.ParseDSN(dsn)
	if err != nil {
		return Opts{}, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return Opts{}, fmt.Errorf("invalid mysql address %q: %w", cfg.Addr, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Opts{}, fmt.Errorf("invalid mysql port %q: %w", port, err)
	}
	return Opts{
		Host:     host,
		Port:     uint16(p),
		User:     cfg.User,
		Password: cfg.Passwd,
	}, nil
}

func (o Opts) addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(int(o.Port)))
}

// Source streams raw events from a MySQL binlog.
type Source struct {
	opts     Opts
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer

	// file tracks the current binlog file, updated on rotation.
	file string
	// start records the coordinates streaming was started from.
	startFile string
	startPos  uint32

	// pending holds row events which were decoded from a single multi-row binlog
	// event and not yet read.
	pending []changeset.Event

	log *slog.Logger
}

func New(opts Opts) *Source {
	if opts.ServerID == 0 {
		opts.ServerID = DefaultServerID
	}
	if opts.Flavor == "" {
		opts.Flavor = gomysql.MySQLFlavor
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Source{opts: opts, log: opts.Log}
}

// Start begins streaming from the given checkpoint.  A nil checkpoint, or one without
// coordinates, starts from the server's current position.
func (s *Source) Start(ctx context.Context, mode position.Mode, cp position.Position) error {
	s.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: s.opts.ServerID,
		Flavor:   s.opts.Flavor,
		Host:     s.opts.Host,
		Port:     s.opts.Port,
		User:     s.opts.User,
		Password: s.opts.Password,
	})

	var err error
	switch mode {
	case position.ModeTransaction:
		err = s.startGTID(ctx, cp)
	case position.ModeFile:
		err = s.startFromFile(ctx, cp)
	default:
		err = fmt.Errorf("%w: %q", position.ErrUnknownMode, mode)
	}
	if err != nil {
		s.syncer.Close()
		return err
	}
	return nil
}

func (s *Source) startGTID(ctx context.Context, cp position.Position) error {
	var set string
	if t, ok := cp.(position.Transaction); ok && t.ID != "" {
		before, err := GTIDSetBefore(t.ID)
		if err != nil {
			return err
		}
		set = before
	} else {
		st, err := s.masterStatus()
		if err != nil {
			return err
		}
		if st.executedGTIDSet == "" {
			return ErrNoGTID
		}
		set = st.executedGTIDSet
	}

	gset, err := gomysql.ParseGTIDSet(s.opts.Flavor, set)
	if err != nil {
		return fmt.Errorf("error parsing GTID set %q: %w", set, err)
	}
	streamer, err := s.syncer.StartSyncGTID(gset)
	if err != nil {
		return fmt.Errorf("error starting binlog connection: %w", err)
	}
	s.streamer = streamer
	s.log.Info("started binlog streaming", "gtid_set", set)
	return nil
}

func (s *Source) startFromFile(ctx context.Context, cp position.Position) error {
	var pos gomysql.Position
	if f, ok := cp.(position.File); ok && f.Name != "" {
		pos = gomysql.Position{Name: f.Name, Pos: uint32(f.Offset)}
	} else {
		st, err := s.masterStatus()
		if err != nil {
			return err
		}
		pos = gomysql.Position{Name: st.file, Pos: st.pos}
	}

	streamer, err := s.syncer.StartSync(pos)
	if err != nil {
		return fmt.Errorf("error starting binlog connection: %w", err)
	}
	s.streamer = streamer
	s.file = pos.Name
	s.startFile, s.startPos = pos.Name, pos.Pos
	s.log.Info("started binlog streaming", "file", pos.Name, "pos", pos.Pos)
	return nil
}

// Anchor returns the position streaming started from, for use as the initial position
// when there is no checkpoint.
func (s *Source) Anchor(mode position.Mode) (position.Position, error) {
	if s.streamer == nil {
		return nil, ErrNotStarted
	}
	switch mode {
	case position.ModeTransaction:
		return position.Transaction{Sequence: position.Unstarted}, nil
	case position.ModeFile:
		return position.File{Name: s.startFile, Offset: uint64(s.startPos), Sequence: position.Unstarted}, nil
	}
	return nil, fmt.Errorf("%w: %q", position.ErrUnknownMode, mode)
}

// ReadEvent blocks until the next raw event is decoded.
func (s *Source) ReadEvent(ctx context.Context) (changeset.Event, error) {
	if s.streamer == nil {
		return nil, ErrNotStarted
	}
	for len(s.pending) == 0 {
		ev, err := s.streamer.GetEvent(ctx)
		if err != nil {
			return nil, fmt.Errorf("error fetching next event: %w", err)
		}
		s.pending = s.decode(ev)
	}
	evt := s.pending[0]
	s.pending = s.pending[1:]
	return evt, nil
}

func (s *Source) Close() error {
	if s.syncer != nil {
		s.syncer.Close()
	}
	return nil
}

type masterStatus struct {
	file            string
	pos             uint32
	executedGTIDSet string
}

// masterStatus retrieves the position the next (currently unwritten) binlog entry will be in.
func (s *Source) masterStatus() (masterStatus, error) {
	conn, err := client.Connect(s.opts.addr(), s.opts.User, s.opts.Password, "")
	if err != nil {
		return masterStatus{}, fmt.Errorf("error connecting to MySQL: %w", err)
	}
	defer conn.Close()

	result, err := conn.Execute("SHOW MASTER STATUS")
	if err != nil {
		// MySQL 8.4 removed SHOW MASTER STATUS.
		result, err = conn.Execute("SHOW BINARY LOG STATUS")
	}
	if err != nil {
		return masterStatus{}, fmt.Errorf("error requesting master status: %w", err)
	}
	defer result.Close()

	file, err := result.GetStringByName(0, "File")
	if err != nil {
		return masterStatus{}, fmt.Errorf("error reading master status: %w", err)
	}
	pos, err := result.GetUintByName(0, "Position")
	if err != nil {
		return masterStatus{}, fmt.Errorf("error reading master status: %w", err)
	}
	// Executed_Gtid_Set is absent on servers without GTIDs.
	gtids, _ := result.GetStringByName(0, "Executed_Gtid_Set")

	return masterStatus{file: file, pos: uint32(pos), executedGTIDSet: gtids}, nil
}
