package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/inngest/dbcursor/pkg/position"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const DefaultTable = "dbcursor_checkpoints"

// Querier is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores checkpoints as JSON in a Postgres table.
type Postgres struct {
	db    Querier
	table string
}

func NewPostgres(db Querier, table string) *Postgres {
	if table == "" {
		table = DefaultTable
	}
	return &Postgres{db: db, table: table}
}

// Migrate creates the checkpoint table if it doesn't exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
		  name text PRIMARY KEY NOT NULL,
		  position jsonb NOT NULL,
		  updated_at timestamp with time zone NOT NULL DEFAULT now()
		)`, pgx.Identifier{p.table}.Sanitize())
	if _, err := p.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("error creating checkpoint table: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, name string) (position.Position, error) {
	var byt []byte
	err := p.db.QueryRow(ctx,
		fmt.Sprintf("SELECT position FROM %s WHERE name = $1", pgx.Identifier{p.table}.Sanitize()),
		name,
	).Scan(&byt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading checkpoint %q: %w", name, err)
	}
	return position.Unmarshal(byt)
}

func (p *Postgres) Save(ctx context.Context, name string, pos position.Position) error {
	byt, err := position.Marshal(pos)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (name, position, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (name) DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`,
			pgx.Identifier{p.table}.Sanitize()),
		name, string(byt),
	)
	if err != nil {
		return fmt.Errorf("error saving checkpoint %q: %w", name, err)
	}
	return nil
}
