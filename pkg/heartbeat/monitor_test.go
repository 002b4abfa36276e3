package heartbeat

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/inngest/dbcursor/pkg/position"
	"github.com/stretchr/testify/require"
)

type notification struct {
	kind        string
	description string
	metadata    map[string]any
}

type recordingSink struct {
	mu    sync.Mutex
	calls []notification
}

func (r *recordingSink) Notify(ctx context.Context, kind, description string, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notification{kind, description, metadata})
}

func fixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

func heartbeatEvent(serial, ts any) changeset.Data {
	return changeset.Data{
		Operation: changeset.OperationUpdate,
		Schema:    DefaultSchema,
		Table:     DefaultTable,
		Row: changeset.Row{
			New: changeset.UpdateTuples{
				FieldSerial:    {Encoding: changeset.EncodingValue, Data: serial},
				FieldTimestamp: {Encoding: changeset.EncodingText, Data: ts},
			},
		},
	}
}

func TestIsHeartbeat(t *testing.T) {
	m := NewMonitor(Opts{})

	require.True(t, m.IsHeartbeat(heartbeatEvent(1, "2015-10-21 12:05:27")))
	require.False(t, m.IsHeartbeat(changeset.Data{Schema: "yelp", Table: "business"}))
	require.False(t, m.IsHeartbeat(changeset.Control{Schema: DefaultSchema, Statement: "BEGIN"}))
	require.False(t, m.IsHeartbeat(changeset.TransactionBoundary{ID: "sid:1"}))

	custom := NewMonitor(Opts{Schema: "yelp_heartbeat"})
	require.True(t, custom.IsHeartbeat(changeset.Data{Schema: "yelp_heartbeat"}))
	require.False(t, custom.IsHeartbeat(heartbeatEvent(1, "2015-10-21 12:05:27")))
}

func TestExtract(t *testing.T) {
	m := NewMonitor(Opts{})
	want := time.Date(2015, 10, 21, 12, 5, 27, 0, time.UTC)

	t.Run("it reads text timestamps", func(t *testing.T) {
		hb, err := m.Extract(heartbeatEvent(123, "2015-10-21 12:05:27"))
		require.NoError(t, err)
		require.Equal(t, position.Heartbeat{Serial: 123, Timestamp: want}, hb)
	})

	t.Run("it reads driver values", func(t *testing.T) {
		hb, err := m.Extract(heartbeatEvent([]byte("123"), want))
		require.NoError(t, err)
		require.EqualValues(t, 123, hb.Serial)
		require.True(t, want.Equal(hb.Timestamp))

		hb, err = m.Extract(heartbeatEvent(uint64(7), []byte("2015-10-21 12:05:27.250000")))
		require.NoError(t, err)
		require.EqualValues(t, 7, hb.Serial)
		require.True(t, want.Add(250*time.Millisecond).Equal(hb.Timestamp))
	})

	t.Run("it reads deleted rows", func(t *testing.T) {
		evt := heartbeatEvent(5, "2015-10-21 12:05:27")
		evt.Row.Old, evt.Row.New = evt.Row.New, nil
		hb, err := m.Extract(evt)
		require.NoError(t, err)
		require.EqualValues(t, 5, hb.Serial)
	})

	t.Run("it fails without a serial", func(t *testing.T) {
		evt := heartbeatEvent(1, "2015-10-21 12:05:27")
		delete(evt.Row.New, FieldSerial)
		_, err := m.Extract(evt)
		require.ErrorIs(t, err, ErrMalformedHeartbeat)
	})

	t.Run("it fails without a timestamp", func(t *testing.T) {
		evt := heartbeatEvent(1, nil)
		_, err := m.Extract(evt)
		require.ErrorIs(t, err, ErrMalformedHeartbeat)
	})

	t.Run("it fails with garbage values", func(t *testing.T) {
		_, err := m.Extract(heartbeatEvent("abc", "2015-10-21 12:05:27"))
		require.ErrorIs(t, err, ErrMalformedHeartbeat)

		_, err = m.Extract(heartbeatEvent(1, "yesterday"))
		require.ErrorIs(t, err, ErrMalformedHeartbeat)
	})

	t.Run("it fails with serials outside int64", func(t *testing.T) {
		for _, serial := range []any{
			uint64(math.MaxInt64) + 1,
			uint64(math.MaxUint64),
			float64(1.5),
			float64(math.MaxInt64),
			float64(-1e19),
			math.NaN(),
		} {
			_, err := m.Extract(heartbeatEvent(serial, "2015-10-21 12:05:27"))
			require.ErrorIs(t, err, ErrMalformedHeartbeat, "%v", serial)
		}

		hb, err := m.Extract(heartbeatEvent(uint64(math.MaxInt64), "2015-10-21 12:05:27"))
		require.NoError(t, err)
		require.EqualValues(t, int64(math.MaxInt64), hb.Serial)

		hb, err = m.Extract(heartbeatEvent(float64(42), "2015-10-21 12:05:27"))
		require.NoError(t, err)
		require.EqualValues(t, 42, hb.Serial)
	})
}

func TestCheckStaleness(t *testing.T) {
	ts := time.Date(2015, 10, 21, 12, 5, 27, 0, time.UTC)

	require.False(t, CheckStaleness(ts, ts.Add(time.Minute), DefaultStaleThreshold))
	require.False(t, CheckStaleness(ts, ts.Add(DefaultStaleThreshold), DefaultStaleThreshold), "the threshold itself is not stale")
	require.True(t, CheckStaleness(ts, ts.Add(DefaultStaleThreshold+time.Second), DefaultStaleThreshold))
	require.False(t, CheckStaleness(ts, ts.Add(-time.Minute), DefaultStaleThreshold), "clock skew is not stale")
}

func TestObserve(t *testing.T) {
	ctx := context.Background()
	written := "2015-10-21 12:05:27"

	t.Run("it doesn't alert on fresh heartbeats", func(t *testing.T) {
		sink := &recordingSink{}
		m := NewMonitor(Opts{
			Clock: fixedClock(time.Date(2015, 10, 21, 12, 6, 27, 0, time.UTC)),
			Sink:  sink,
		})

		hb, stale, err := m.Observe(ctx, heartbeatEvent(123, written))
		require.NoError(t, err)
		require.False(t, stale)
		require.EqualValues(t, 123, hb.Serial)
		require.Len(t, sink.calls, 0)
	})

	t.Run("it alerts once per stale heartbeat", func(t *testing.T) {
		sink := &recordingSink{}
		m := NewMonitor(Opts{
			Clock: fixedClock(time.Date(2015, 10, 21, 13, 6, 27, 0, time.UTC)),
			Sink:  sink,
		})

		hb, stale, err := m.Observe(ctx, heartbeatEvent(123, written))
		require.NoError(t, err)
		require.True(t, stale)
		require.EqualValues(t, 123, hb.Serial)
		require.Len(t, sink.calls, 1)
		require.Equal(t, AlertKindStale, sink.calls[0].kind)
		require.EqualValues(t, 123, sink.calls[0].metadata["serial"])
		require.EqualValues(t, float64(3660), sink.calls[0].metadata["delay_seconds"])

		_, _, err = m.Observe(ctx, heartbeatEvent(124, written))
		require.NoError(t, err)
		require.Len(t, sink.calls, 2)
	})

	t.Run("it honours a custom threshold", func(t *testing.T) {
		sink := &recordingSink{}
		m := NewMonitor(Opts{
			Threshold: 30 * time.Second,
			Clock:     fixedClock(time.Date(2015, 10, 21, 12, 6, 27, 0, time.UTC)),
			Sink:      sink,
		})
		_, stale, err := m.Observe(ctx, heartbeatEvent(1, written))
		require.NoError(t, err)
		require.True(t, stale)
		require.Len(t, sink.calls, 1)
	})

	t.Run("it doesn't alert on malformed heartbeats", func(t *testing.T) {
		sink := &recordingSink{}
		m := NewMonitor(Opts{
			Clock: fixedClock(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)),
			Sink:  sink,
		})
		_, _, err := m.Observe(ctx, heartbeatEvent(nil, written))
		require.ErrorIs(t, err, ErrMalformedHeartbeat)
		require.Len(t, sink.calls, 0)
	})
}
