package test

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/inngest/dbcursor/pkg/consts/pgconsts"
	"github.com/inngest/dbcursor/pkg/replicator/pgsource/pgsetup"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	pgtc "github.com/testcontainers/testcontainers-go/modules/postgres"
)

const Password = "password"

type StartPGOpts struct {
	Version                   int
	DisableLogicalReplication bool
	// DisableSetup skips pgsetup entirely, leaving a bare database.
	DisableSetup       bool
	DisableCreateRoles bool
	DisableCreateSlot  bool
}

func init() {
	tc.Logger = log.New(io.Discard, "", 0)
}

// SkipIfShort skips container backed tests when running with -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
}

// StartPG starts a Postgres container and prepares it for replication.  It returns the
// container along with the admin connection config.  Use ReplicationConfig for the
// replication user's config.
func StartPG(t *testing.T, ctx context.Context, opts StartPGOpts) (tc.Container, pgx.ConnConfig) {
	t.Helper()
	SkipIfShort(t)

	if opts.Version == 0 {
		opts.Version = 16
	}

	args := []tc.ContainerCustomizer{
		pgtc.WithDatabase("db"),
		pgtc.WithUsername("postgres"),
		pgtc.WithPassword(Password),
		pgtc.BasicWaitStrategies(),
	}
	if !opts.DisableLogicalReplication {
		args = append(args, tc.CustomizeRequest(tc.GenericContainerRequest{
			ContainerRequest: tc.ContainerRequest{
				Cmd: []string{"-c", "wal_level=logical"},
			},
		}))
	}
	c, err := pgtc.Run(ctx,
		fmt.Sprintf("docker.io/postgres:%d-alpine", opts.Version),
		args...,
	)
	require.NoError(t, err)

	conn, err := pgconn.Connect(ctx, connString(t, c))
	require.NoError(t, err)
	defer conn.Close(ctx)

	err = createTables(ctx, conn)
	require.NoError(t, err)

	admin := connOpts(t, c)
	if !opts.DisableSetup {
		sr, err := pgsetup.Setup(ctx, pgsetup.SetupOpts{
			AdminConfig:        admin,
			Password:           Password,
			DisableCreateUser:  opts.DisableCreateRoles,
			DisableCreateRoles: opts.DisableCreateRoles,
			DisableCreateSlot:  opts.DisableCreateSlot,
		})
		require.NoError(t, err, "Setup results: %#v", sr.Results())
	}

	return c, admin
}

// ReplicationConfig returns the connection config for the replication user.
func ReplicationConfig(admin pgx.ConnConfig) pgx.ConnConfig {
	cfg := *admin.Copy()
	cfg.User = pgconsts.Username
	return cfg
}

func connString(t *testing.T, c tc.Container) string {
	p, err := c.MappedPort(context.TODO(), "5432")
	require.NoError(t, err)
	port := strings.ReplaceAll(string(p), "/tcp", "")
	return fmt.Sprintf("postgres://postgres:%s@localhost:%s/db", Password, port)
}

func connOpts(t *testing.T, c tc.Container) pgx.ConnConfig {
	cfg, err := pgx.ParseConfig(connString(t, c))
	require.NoError(t, err)
	return *cfg
}

func createTables(ctx context.Context, c *pgconn.PgConn) error {
	stmt := `
		CREATE TABLE accounts (
		  id uuid PRIMARY KEY NOT NULL,
		  name varchar(255),
		  billing_email varchar(255) NOT NULL,

		  concurrency integer DEFAULT 0 NOT NULL,
		  enabled boolean,
		  metadata JSONB,

		  created_at timestamp without time zone NOT NULL default now(),
		  updated_at timestamp without time zone NOT NULL default now()
		);

		ALTER TABLE accounts REPLICA IDENTITY FULL;
	`
	res := c.Exec(ctx, stmt)
	if err := res.Close(); err != nil {
		return err
	}
	return nil
}
