package position

import (
	"testing"
	"time"

	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/stretchr/testify/require"
)

func TestTransactionAdvance(t *testing.T) {
	t.Run("it resets the sequence on a boundary", func(t *testing.T) {
		p := Transaction{ID: "sid:10", Sequence: 4}

		next := p.Advance(changeset.TransactionBoundary{ID: "sid:11"})
		require.Equal(t, Transaction{ID: "sid:11", Sequence: Unstarted}, next)

		next = next.Advance(changeset.Control{Operation: changeset.OperationBegin})
		require.Equal(t, Transaction{ID: "sid:11", Sequence: 0}, next)

		next = next.Advance(changeset.Data{Operation: changeset.OperationInsert})
		require.Equal(t, Transaction{ID: "sid:11", Sequence: 1}, next)
	})

	t.Run("it does not mutate the receiver", func(t *testing.T) {
		p := Transaction{ID: "sid:10", Sequence: 4}
		_ = p.Advance(changeset.Data{})
		_ = p.WithHeartbeat(Heartbeat{Serial: 1})
		require.Equal(t, Transaction{ID: "sid:10", Sequence: 4}, p)
	})
}

func TestFileAdvance(t *testing.T) {
	p := File{Name: "binlog.001", Offset: 10, Sequence: Unstarted}

	for i := int64(0); i < 3; i++ {
		p = p.Advance(changeset.Data{}).(File)
		require.Equal(t, i, p.Seq())
	}

	// Boundaries have no meaning in file mode.
	p = p.Advance(changeset.TransactionBoundary{ID: "sid:1"}).(File)
	require.EqualValues(t, 3, p.Seq())
	require.Equal(t, "binlog.001", p.Name)
	require.EqualValues(t, 10, p.Offset)
}

func TestWithHeartbeat(t *testing.T) {
	ts := time.Date(2015, 10, 21, 12, 5, 27, 0, time.UTC)
	p := File{Name: "binlog.001", Offset: 10, Sequence: 2}.WithHeartbeat(Heartbeat{Serial: 123, Timestamp: ts})

	require.EqualValues(t, 2, p.Seq())
	require.Equal(t, &Heartbeat{Serial: 123, Timestamp: ts}, p.LastHeartbeat())

	// Heartbeats are carried forward.
	p = p.Advance(changeset.Data{})
	require.EqualValues(t, 3, p.Seq())
	require.EqualValues(t, 123, p.LastHeartbeat().Serial)
}

func TestKey(t *testing.T) {
	a := Transaction{ID: "sid:11", Sequence: 2}
	b := a.WithHeartbeat(Heartbeat{Serial: 5})
	require.Equal(t, Key(a), Key(b), "heartbeats must not change the key")
	require.NotEqual(t, Key(a), Key(Transaction{ID: "sid:11", Sequence: 3}))
	require.NotEqual(t, Key(a), Key(Transaction{ID: "sid:12", Sequence: 2}))
	require.NotEqual(t, Key(File{Name: "sid:11", Sequence: 2}), Key(a))
}

func TestMarshal(t *testing.T) {
	ts := time.Date(2015, 10, 21, 12, 5, 27, 0, time.UTC)

	for _, p := range []Position{
		Transaction{ID: "3e11fa47-71ca-11e1-9e33-c80aa9429562:23", Sequence: 7},
		File{Name: "binlog.000042", Offset: 1024, Sequence: 3, Heartbeat: &Heartbeat{Serial: 9, Timestamp: ts}},
	} {
		byt, err := Marshal(p)
		require.NoError(t, err)
		out, err := Unmarshal(byt)
		require.NoError(t, err)
		require.Equal(t, p, out)
	}

	_, err := Unmarshal([]byte(`{"mode":"lsn"}`))
	require.ErrorIs(t, err, ErrUnknownMode)

	_, err = Unmarshal([]byte(`{"mode":"file"}`))
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("gtid")
	require.NoError(t, err)
	require.Equal(t, ModeTransaction, m)

	m, err = ParseMode("file")
	require.NoError(t, err)
	require.Equal(t, ModeFile, m)

	_, err = ParseMode("wal")
	require.ErrorIs(t, err, ErrUnknownMode)
}
