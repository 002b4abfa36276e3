package test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/inngest/dbcursor/pkg/heartbeat"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

const (
	DefaultSeed = 123
)

// AccountCreatedAt is the created_at and updated_at of every inserted account.
var AccountCreatedAt = time.Unix(1725000000, 0).UTC()

type InsertOpts struct {
	Seed int64

	Max      int
	Interval time.Duration
}

func DataConn(t *testing.T, cfg pgx.ConnConfig) *pgx.Conn {
	// The data user always has the user 'postgres'
	cfg.User = "postgres"
	c, err := pgx.ConnectConfig(context.Background(), &cfg)
	require.NoError(t, err)
	return c
}

// InsertAccounts inserts opts.Max accounts, one transaction each, returning their IDs.
func InsertAccounts(t *testing.T, ctx context.Context, cfg pgx.ConnConfig, opts InsertOpts) []uuid.UUID {
	t.Helper()

	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}
	if opts.Max == 0 {
		opts.Max = 1
	}

	c := DataConn(t, cfg)
	defer c.Close(ctx)

	rand := rand.New(rand.NewSource(opts.Seed))

	ids := make([]uuid.UUID, 0, opts.Max)
	for i := 0; i < opts.Max; i++ {
		id := hash(rand.Int63())
		pk := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
		_, err := c.Exec(ctx,
			`INSERT INTO accounts
				(id, name, billing_email, concurrency, enabled, metadata, created_at, updated_at) VALUES
				($1, $2,   $3,            $4,          $5,      $6,       $7,         $8)`,
			pk,
			id,
			id+"@example.com",
			rand.Intn(100),
			true,
			[]byte(`{"ok":true}`), // some rando data
			AccountCreatedAt,
			AccountCreatedAt,
		)
		if !errors.Is(err, context.Canceled) {
			require.NoError(t, err)
		}
		ids = append(ids, pk)

		if opts.Interval > 0 {
			<-time.After(opts.Interval)
		}
	}
	return ids
}

// WriteHeartbeat upserts the heartbeat row.
func WriteHeartbeat(t *testing.T, ctx context.Context, cfg pgx.ConnConfig, serial int64, at time.Time) {
	t.Helper()

	c := DataConn(t, cfg)
	defer c.Close(ctx)

	_, err := c.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s.%s (id, serial, timestamp) VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET serial = EXCLUDED.serial, timestamp = EXCLUDED.timestamp`,
			heartbeat.DefaultSchema, heartbeat.DefaultTable),
		serial,
		at.UTC(),
	)
	require.NoError(t, err)
}

func hash(in any) string {
	switch v := in.(type) {
	case string:
		ui := xxhash.Sum64String(v)
		return strconv.FormatUint(ui, 36)
	default:
		ui := xxhash.Sum64String(fmt.Sprintf("%v", in))
		return strconv.FormatUint(ui, 36)
	}
}
