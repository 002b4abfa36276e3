package mysqlsource

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/inngest/dbcursor/pkg/position"
	"github.com/stretchr/testify/require"
)

var sid = uuid.MustParse("3e11fa47-71ca-11e1-9e33-c80aa9429562")

func header(t replication.EventType) *replication.EventHeader {
	return &replication.EventHeader{
		Timestamp: uint32(time.Date(2015, 10, 21, 12, 5, 27, 0, time.UTC).Unix()),
		EventType: t,
		LogPos:    4096,
	}
}

func accounts() *replication.TableMapEvent {
	return &replication.TableMapEvent{
		Schema:     []byte("app"),
		Table:      []byte("accounts"),
		ColumnName: [][]byte{[]byte("id"), []byte("name"), []byte("blob")},
	}
}

func TestDecodeGTID(t *testing.T) {
	s := New(Opts{Log: slog.Default()})

	out := s.decode(&replication.BinlogEvent{
		Header: header(replication.GTID_EVENT),
		Event:  &replication.GTIDEvent{SID: sid[:], GNO: 23},
	})
	require.Equal(t, []changeset.Event{
		changeset.TransactionBoundary{ID: "3e11fa47-71ca-11e1-9e33-c80aa9429562:23"},
	}, out)

	t.Run("malformed GTIDs are dropped", func(t *testing.T) {
		out := s.decode(&replication.BinlogEvent{
			Header: header(replication.GTID_EVENT),
			Event:  &replication.GTIDEvent{SID: []byte{1, 2}, GNO: 1},
		})
		require.Empty(t, out)
	})
}

func TestDecodeQuery(t *testing.T) {
	s := New(Opts{})

	out := s.decode(&replication.BinlogEvent{
		Header: header(replication.QUERY_EVENT),
		Event:  &replication.QueryEvent{Schema: []byte("app"), Query: []byte("BEGIN")},
	})
	require.Len(t, out, 1)
	ctrl := out[0].(changeset.Control)
	require.Equal(t, changeset.OperationBegin, ctrl.Operation)
	require.Equal(t, "app", ctrl.Schema)
	require.EqualValues(t, 4096, ctrl.Watermark.Offset)
	require.Equal(t, time.Date(2015, 10, 21, 12, 5, 27, 0, time.UTC), ctrl.Watermark.ServerTime)

	out = s.decode(&replication.BinlogEvent{
		Header: header(replication.QUERY_EVENT),
		Event:  &replication.QueryEvent{Schema: []byte("app"), Query: []byte("ALTER TABLE accounts ADD COLUMN x INT")},
	})
	require.Equal(t, changeset.OperationQuery, out[0].(changeset.Control).Operation)
}

func TestDecodeRotateTracksFile(t *testing.T) {
	s := New(Opts{})
	s.file = "binlog.000001"

	out := s.decode(&replication.BinlogEvent{
		Header: header(replication.ROTATE_EVENT),
		Event:  &replication.RotateEvent{Position: 4, NextLogName: []byte("binlog.000002")},
	})
	require.Empty(t, out)
	require.Equal(t, "binlog.000002", s.file)

	out = s.decode(&replication.BinlogEvent{
		Header: header(replication.QUERY_EVENT),
		Event:  &replication.QueryEvent{Query: []byte("BEGIN")},
	})
	require.Equal(t, "binlog.000002", out[0].(changeset.Control).Watermark.File)
}

func TestDecodeRows(t *testing.T) {
	s := New(Opts{})

	t.Run("inserts produce one event per row", func(t *testing.T) {
		out := s.decode(&replication.BinlogEvent{
			Header: header(replication.WRITE_ROWS_EVENTv2),
			Event: &replication.RowsEvent{
				Table: accounts(),
				Rows: [][]any{
					{int32(1), "a", nil},
					{int32(2), "b", []byte("hi")},
				},
			},
		})
		require.Len(t, out, 2)

		first := out[0].(changeset.Data)
		require.Equal(t, changeset.OperationInsert, first.Operation)
		require.Equal(t, "app", first.Schema)
		require.Equal(t, "accounts", first.Table)
		require.Nil(t, first.Row.Old)
		require.Equal(t, changeset.UpdateTuples{
			"id":   {Encoding: changeset.EncodingInt, Data: int32(1)},
			"name": {Encoding: changeset.EncodingText, Data: "a"},
			"blob": {Encoding: changeset.EncodingNull},
		}, first.Row.New)

		second := out[1].(changeset.Data)
		require.Equal(t, changeset.ColumnUpdate{Encoding: changeset.EncodingBinary, Data: "aGk="}, second.Row.New["blob"])
	})

	t.Run("updates pair before and after images", func(t *testing.T) {
		out := s.decode(&replication.BinlogEvent{
			Header: header(replication.UPDATE_ROWS_EVENTv2),
			Event: &replication.RowsEvent{
				Table: accounts(),
				Rows: [][]any{
					{int32(1), "a", nil}, {int32(1), "z", nil},
					{int32(2), "b", nil}, {int32(2), "y", nil},
				},
			},
		})
		require.Len(t, out, 2)
		d := out[1].(changeset.Data)
		require.Equal(t, changeset.OperationUpdate, d.Operation)
		require.Equal(t, "b", d.Row.Old["name"].Data)
		require.Equal(t, "y", d.Row.New["name"].Data)
	})

	t.Run("deletes carry the before image", func(t *testing.T) {
		out := s.decode(&replication.BinlogEvent{
			Header: header(replication.DELETE_ROWS_EVENTv1),
			Event: &replication.RowsEvent{
				Table: accounts(),
				Rows:  [][]any{{int32(1), "a", nil}},
			},
		})
		require.Len(t, out, 1)
		d := out[0].(changeset.Data)
		require.Equal(t, changeset.OperationDelete, d.Operation)
		require.Nil(t, d.Row.New)
		require.Equal(t, "a", d.Row.Values()["name"].Data)
	})

	t.Run("columns without metadata are positional", func(t *testing.T) {
		out := s.decode(&replication.BinlogEvent{
			Header: header(replication.WRITE_ROWS_EVENTv2),
			Event: &replication.RowsEvent{
				Table: &replication.TableMapEvent{Schema: []byte("app"), Table: []byte("t")},
				Rows:  [][]any{{float64(1.5), "x"}},
			},
		})
		require.Equal(t, changeset.UpdateTuples{
			"@1": {Encoding: changeset.EncodingFloat, Data: float64(1.5)},
			"@2": {Encoding: changeset.EncodingText, Data: "x"},
		}, out[0].(changeset.Data).Row.New)
	})
}

func TestDecodeIgnoresBookkeeping(t *testing.T) {
	s := New(Opts{})
	for _, evt := range []*replication.BinlogEvent{
		{Header: header(replication.XID_EVENT), Event: &replication.XIDEvent{XID: 1}},
		{Header: header(replication.TABLE_MAP_EVENT), Event: accounts()},
		{Header: header(replication.FORMAT_DESCRIPTION_EVENT), Event: &replication.FormatDescriptionEvent{}},
	} {
		require.Empty(t, s.decode(evt))
	}
}

func TestReadEventDrainsPendingRows(t *testing.T) {
	s := New(Opts{})
	_, err := s.ReadEvent(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)

	s.streamer = &replication.BinlogStreamer{}
	s.pending = []changeset.Event{
		changeset.Data{Operation: changeset.OperationInsert, Table: "a"},
		changeset.Data{Operation: changeset.OperationInsert, Table: "b"},
	}
	first, err := s.ReadEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", first.(changeset.Data).Table)
	second, err := s.ReadEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b", second.(changeset.Data).Table)
}

func TestGTIDSetBefore(t *testing.T) {
	set, err := GTIDSetBefore("3e11fa47-71ca-11e1-9e33-c80aa9429562:23")
	require.NoError(t, err)
	require.Equal(t, "3e11fa47-71ca-11e1-9e33-c80aa9429562:1-22", set)

	set, err = GTIDSetBefore("3e11fa47-71ca-11e1-9e33-c80aa9429562:1")
	require.NoError(t, err)
	require.Equal(t, "", set)

	for _, bad := range []string{"", "nope", "3e11fa47-71ca-11e1-9e33-c80aa9429562", "not-a-uuid:4", "3e11fa47-71ca-11e1-9e33-c80aa9429562:0"} {
		_, err := GTIDSetBefore(bad)
		require.Error(t, err, bad)
	}
}

func TestParseDSN(t *testing.T) {
	opts, err := ParseDSN("repl:secret@tcp(db.internal:3307)/")
	require.NoError(t, err)
	require.Equal(t, "db.internal", opts.Host)
	require.EqualValues(t, 3307, opts.Port)
	require.Equal(t, "repl", opts.User)
	require.Equal(t, "secret", opts.Password)

	_, err = ParseDSN("repl@unix(/tmp/mysql.sock)/")
	require.Error(t, err)
}

func TestAnchor(t *testing.T) {
	s := New(Opts{})
	_, err := s.Anchor(position.ModeFile)
	require.ErrorIs(t, err, ErrNotStarted)

	s.streamer = &replication.BinlogStreamer{}
	s.startFile, s.startPos = "binlog.000003", 157

	p, err := s.Anchor(position.ModeFile)
	require.NoError(t, err)
	require.Equal(t, position.File{Name: "binlog.000003", Offset: 157, Sequence: position.Unstarted}, p)

	p, err = s.Anchor(position.ModeTransaction)
	require.NoError(t, err)
	require.Equal(t, position.Transaction{Sequence: position.Unstarted}, p)
}
