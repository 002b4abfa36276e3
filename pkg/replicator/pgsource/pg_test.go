package pgsource

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/inngest/dbcursor/internal/test"
	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/inngest/dbcursor/pkg/heartbeat"
	"github.com/inngest/dbcursor/pkg/position"
	"github.com/inngest/dbcursor/pkg/replicator/pgsource/pgsetup"
	"github.com/inngest/dbcursor/pkg/stream"
	"github.com/stretchr/testify/require"
)

func TestStreamInserts(t *testing.T) {
	t.Parallel()
	versions := []int{14, 16}

	for _, v1 := range versions {
		v := v1 // loop capture
		t.Run(fmt.Sprintf("Inserts - Postgres %d", v), func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			c, admin := test.StartPG(t, ctx, test.StartPGOpts{Version: v})
			defer func() { _ = c.Stop(context.Background(), nil) }()

			src, err := New(ctx, Opts{Config: test.ReplicationConfig(admin)})
			require.NoError(t, err)
			defer src.Close(context.Background())
			require.NoError(t, src.Start(ctx, 0))

			written := time.Now().UTC().Truncate(time.Second)
			test.WriteHeartbeat(t, ctx, admin, 77, written)
			ids := test.InsertAccounts(t, ctx, admin, test.InsertOpts{Max: 3})

			initial, err := src.Anchor(position.ModeTransaction)
			require.NoError(t, err)
			s, err := stream.New(initial, position.ModeTransaction, stream.NewLookahead(src), stream.Opts{
				Monitor: heartbeat.NewMonitor(heartbeat.Opts{}),
			})
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				res, err := s.Next(ctx)
				require.NoError(t, err)

				d, ok := res.Event.(changeset.Data)
				require.True(t, ok, "expected data event, got %T", res.Event)
				require.Equal(t, changeset.OperationInsert, d.Operation)
				require.Equal(t, "accounts", d.Table)
				require.Equal(t, ids[i].String(), d.Row.New["id"].Data)
				require.Equal(t, changeset.EncodingInt, d.Row.New["concurrency"].Encoding)

				// Every insert is its own transaction.
				require.EqualValues(t, 0, res.Position.Seq())
				require.NotEmpty(t, res.Position.(position.Transaction).ID)

				hb := res.Position.LastHeartbeat()
				require.NotNil(t, hb)
				require.EqualValues(t, 77, hb.Serial)
				require.True(t, written.Equal(hb.Timestamp), "%s != %s", written, hb.Timestamp)

				src.Commit(res.Position)
			}
			require.NotZero(t, src.LSN())
		})
	}
}

func TestStartingWithoutReplicationSlotFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, admin := test.StartPG(t, ctx, test.StartPGOpts{Version: 16, DisableCreateSlot: true})
	defer func() { _ = c.Stop(ctx, nil) }()

	src, err := New(ctx, Opts{Config: test.ReplicationConfig(admin)})
	require.NoError(t, err)
	defer src.Close(ctx)

	err = src.Start(ctx, 0)
	require.ErrorIs(t, err, pgsetup.ErrReplicationSlotNotFound)
}

func TestReadingBeforeStartFails(t *testing.T) {
	p := &Source{}
	_, err := p.ReadEvent(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = p.Anchor(position.ModeFile)
	require.ErrorIs(t, err, ErrNotConnected)
}
