// Package pgsetup prepares a Postgres database for streaming: logical replication, the
// replication user and its grants, the replication slot, the publication and the
// heartbeat table.
package pgsetup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inngest/dbcursor/pkg/consts/pgconsts"
	"github.com/inngest/dbcursor/pkg/heartbeat"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrLogicalReplicationNotSetUp = fmt.Errorf("ERR_PG_001: Your database does not have logical replication configured.  You must set the WAL level to 'logical' to stream events.")
	ErrReplicationSlotNotFound    = fmt.Errorf("ERR_PG_002: The replication slot '%s' doesn't exist in your database.  Please create the logical replication slot to stream events.", pgconsts.SlotName)
	ErrHeartbeatTableNotFound     = fmt.Errorf("ERR_PG_003: The heartbeat table doesn't exist in your database.")
	ErrReplicationAlreadyRunning  = fmt.Errorf("ERR_PG_901: Replication is already streaming events")
)

// StepResult records the outcome of a single setup step.
type StepResult struct {
	Complete bool  `json:"complete"`
	Error    error `json:"error,omitempty"`
}

type TestConnResult struct {
	LogicalReplication StepResult
	UserCreated        StepResult
	RolesGranted       StepResult
	SlotCreated        StepResult
	PublicationCreated StepResult
	HeartbeatCreated   StepResult
}

// MarshalJSON renders Error as its message.
func (s StepResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Complete bool   `json:"complete"`
		Error    string `json:"error,omitempty"`
	}{Complete: s.Complete}
	if s.Error != nil {
		out.Error = s.Error.Error()
	}
	return json.Marshal(out)
}

func (c TestConnResult) Steps() []string {
	return []string{
		"logical_replication_enabled",
		"user_created",
		"roles_granted",
		"replication_slot_created",
		"publication_created",
		"heartbeat_created",
	}
}

func (c TestConnResult) Results() map[string]StepResult {
	return map[string]StepResult{
		"logical_replication_enabled": c.LogicalReplication,
		"user_created":                c.UserCreated,
		"roles_granted":               c.RolesGranted,
		"replication_slot_created":    c.SlotCreated,
		"publication_created":         c.PublicationCreated,
		"heartbeat_created":           c.HeartbeatCreated,
	}
}

type SetupOpts struct {
	AdminConfig pgx.ConnConfig
	// Password represents the password for the replication user.
	Password string
	// HeartbeatSchema is the schema of the heartbeat table.  Defaults to
	// heartbeat.DefaultSchema.
	HeartbeatSchema string

	DisableCreateUser        bool
	DisableCreateRoles       bool
	DisableCreateSlot        bool
	DisableCreatePublication bool
	DisableCreateHeartbeat   bool
}

func (o SetupOpts) heartbeatSchema() string {
	if o.HeartbeatSchema == "" {
		return heartbeat.DefaultSchema
	}
	return o.HeartbeatSchema
}

func Setup(ctx context.Context, opts SetupOpts) (TestConnResult, error) {
	conn, err := pgx.ConnectConfig(ctx, &opts.AdminConfig)
	if err != nil {
		return TestConnResult{}, err
	}
	defer conn.Close(ctx)

	setup := setup{
		opts: opts,
		c:    conn,
	}
	return setup.Setup(ctx)
}

func Check(ctx context.Context, opts SetupOpts) (TestConnResult, error) {
	conn, err := pgx.ConnectConfig(ctx, &opts.AdminConfig)
	if err != nil {
		return TestConnResult{}, err
	}
	defer conn.Close(ctx)

	setup := setup{
		opts: opts,
		c:    conn,
	}
	return setup.Check(ctx)
}

// Teardown removes the publication, replication slot and replication user.  Missing
// objects are ignored.  The heartbeat table is left in place.
func Teardown(ctx context.Context, opts SetupOpts) error {
	conn, err := pgx.ConnectConfig(ctx, &opts.AdminConfig)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	stmts := []string{
		fmt.Sprintf(`DROP PUBLICATION IF EXISTS %s`, pgconsts.PublicationName),
		fmt.Sprintf(`SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = '%s'`, pgconsts.SlotName),
		fmt.Sprintf(`DO $$ BEGIN
			IF EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '%[1]s') THEN
				REVOKE ALL PRIVILEGES ON ALL TABLES IN SCHEMA public FROM %[1]s;
				REVOKE USAGE ON SCHEMA public FROM %[1]s;
				ALTER DEFAULT PRIVILEGES IN SCHEMA public REVOKE SELECT ON TABLES FROM %[1]s;
				DROP OWNED BY %[1]s;
				DROP USER %[1]s;
			END IF;
		END $$`, pgconsts.Username),
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("error tearing down replication: %w", err)
		}
	}
	return nil
}

// querier is the subset of *pgx.Conn used by the setup chain.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type setup struct {
	opts SetupOpts
	c    querier

	res TestConnResult
}

func (s *setup) Check(ctx context.Context) (TestConnResult, error) {
	chain := []func(ctx context.Context) error{
		s.checkWAL,
		s.checkUser,
		s.checkRoles,
		s.checkReplicationSlot,
		s.checkPublication,
		s.checkHeartbeat,
	}
	for _, f := range chain {
		if err := f(ctx); err != nil {
			// Short circuit and return the connection result and first error.
			return s.res, err
		}
	}
	return s.res, nil
}

func (s *setup) Setup(ctx context.Context) (TestConnResult, error) {
	chain := []func(ctx context.Context) error{
		s.checkWAL,
	}

	if !s.opts.DisableCreateUser {
		chain = append(chain, s.createUser)
	}
	if !s.opts.DisableCreateHeartbeat {
		// The heartbeat schema must exist before grants are issued on it.
		chain = append(chain, s.createHeartbeat)
	}
	if !s.opts.DisableCreateRoles {
		chain = append(chain, s.createRoles)
	}
	if !s.opts.DisableCreateSlot {
		chain = append(chain, s.createReplicationSlot)
	}
	if !s.opts.DisableCreatePublication {
		chain = append(chain, s.createPublication)
	}
	for _, f := range chain {
		if err := f(ctx); err != nil {
			// Short circuit and return the connection result and first error.
			return s.res, err
		}
	}
	return s.res, nil
}

func (s *setup) checkWAL(ctx context.Context) error {
	var mode string
	row := s.c.QueryRow(ctx, "SHOW wal_level")
	err := row.Scan(&mode)
	if err != nil {
		s.res.LogicalReplication.Error = fmt.Errorf("Error checking WAL mode: %w", err)
		return s.res.LogicalReplication.Error
	}
	if mode != "logical" {
		s.res.LogicalReplication.Error = ErrLogicalReplicationNotSetUp
		return s.res.LogicalReplication.Error
	}
	s.res.LogicalReplication.Complete = true
	return nil
}

// checkUser checks if the UserCreated step is complete.
func (s *setup) checkUser(ctx context.Context) error {
	row := s.c.QueryRow(ctx,
		"SELECT 1 FROM pg_roles WHERE rolname = $1",
		pgconsts.Username,
	)
	var i int
	err := row.Scan(&i)

	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		// Add the error to the TestConnResult.
		s.res.UserCreated.Error = fmt.Errorf("User '%s' does not exist", pgconsts.Username)
		return s.res.UserCreated.Error
	}
	if err != nil {
		s.res.UserCreated.Error = fmt.Errorf("Error checking user '%s': %w", pgconsts.Username, err)
		return s.res.UserCreated.Error
	}

	s.res.UserCreated.Complete = true
	return nil
}

func (s *setup) createUser(ctx context.Context) error {
	if err := s.checkUser(ctx); err == nil {
		// The user already exists;  don't need to add.
		return nil
	}
	s.res.UserCreated.Error = nil

	stmt := fmt.Sprintf(`
		CREATE USER %s WITH REPLICATION PASSWORD '%s';
	`, pgconsts.Username, s.opts.Password)
	_, err := s.c.Exec(ctx, stmt)
	if err != nil {
		s.res.UserCreated.Error = fmt.Errorf("Error creating user '%s': %w", pgconsts.Username, err)
		return s.res.UserCreated.Error
	}
	s.res.UserCreated.Complete = true
	return nil
}

// checkRoles checks if the replication user has necessary roles
func (s *setup) checkRoles(ctx context.Context) error {
	// Check roles is a stub implementation and will always execute.
	return nil
}

func (s *setup) createRoles(ctx context.Context) error {
	stmt := fmt.Sprintf(`
		GRANT USAGE ON SCHEMA public TO %[1]s;
		GRANT SELECT ON ALL TABLES IN SCHEMA public TO %[1]s;
		ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT SELECT ON TABLES TO %[1]s;
	`, pgconsts.Username)
	if !s.opts.DisableCreateHeartbeat {
		stmt += fmt.Sprintf(`
		GRANT USAGE ON SCHEMA %[2]s TO %[1]s;
		GRANT SELECT ON ALL TABLES IN SCHEMA %[2]s TO %[1]s;
		`, pgconsts.Username, s.opts.heartbeatSchema())
	}
	_, err := s.c.Exec(ctx, stmt)
	if err != nil {
		s.res.RolesGranted.Error = fmt.Errorf("Error granting roles for user '%s': %w", pgconsts.Username, err)
		return s.res.RolesGranted.Error
	}
	s.res.RolesGranted.Complete = true
	return nil
}

func (s *setup) checkReplicationSlot(ctx context.Context) error {
	row := s.c.QueryRow(ctx,
		"SELECT 1 FROM pg_replication_slots WHERE slot_name = $1",
		pgconsts.SlotName,
	)
	var i int
	err := row.Scan(&i)

	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		s.res.SlotCreated.Error = ErrReplicationSlotNotFound
		return s.res.SlotCreated.Error
	}
	if err != nil {
		s.res.SlotCreated.Error = fmt.Errorf("Error checking replication slot '%s': %w", pgconsts.SlotName, err)
		return s.res.SlotCreated.Error
	}

	s.res.SlotCreated.Complete = true
	return nil
}

func (s *setup) createReplicationSlot(ctx context.Context) error {
	if err := s.checkReplicationSlot(ctx); err == nil {
		return nil
	}
	s.res.SlotCreated.Error = nil

	_, err := s.c.Exec(ctx,
		"SELECT pg_create_logical_replication_slot($1, $2)",
		pgconsts.SlotName,
		pgconsts.Plugin,
	)
	if err != nil {
		s.res.SlotCreated.Error = fmt.Errorf("Error creating replication slot '%s': %w", pgconsts.SlotName, err)
		return s.res.SlotCreated.Error
	}
	s.res.SlotCreated.Complete = true
	return nil
}

func (s *setup) checkPublication(ctx context.Context) error {
	row := s.c.QueryRow(ctx,
		"SELECT 1 FROM pg_publication WHERE pubname = $1",
		pgconsts.PublicationName,
	)
	var i int
	err := row.Scan(&i)

	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		s.res.PublicationCreated.Error = fmt.Errorf("The publication '%s' doesn't exist in your database", pgconsts.PublicationName)
		return s.res.PublicationCreated.Error
	}
	if err != nil {
		s.res.PublicationCreated.Error = fmt.Errorf("Error checking publication '%s': %w", pgconsts.PublicationName, err)
		return s.res.PublicationCreated.Error
	}

	s.res.PublicationCreated.Complete = true
	return nil
}

func (s *setup) createPublication(ctx context.Context) error {
	if err := s.checkPublication(ctx); err == nil {
		return nil
	}
	s.res.PublicationCreated.Error = nil

	stmt := fmt.Sprintf(`CREATE PUBLICATION %s FOR ALL TABLES;`, pgconsts.PublicationName)
	_, err := s.c.Exec(ctx, stmt)
	if err != nil {
		s.res.PublicationCreated.Error = fmt.Errorf("Error creating publication '%s': %w", pgconsts.PublicationName, err)
		return s.res.PublicationCreated.Error
	}
	s.res.PublicationCreated.Complete = true
	return nil
}

func (s *setup) checkHeartbeat(ctx context.Context) error {
	row := s.c.QueryRow(ctx,
		"SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2",
		s.opts.heartbeatSchema(),
		heartbeat.DefaultTable,
	)
	var i int
	err := row.Scan(&i)

	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		s.res.HeartbeatCreated.Error = ErrHeartbeatTableNotFound
		return s.res.HeartbeatCreated.Error
	}
	if err != nil {
		s.res.HeartbeatCreated.Error = fmt.Errorf("Error checking heartbeat table: %w", err)
		return s.res.HeartbeatCreated.Error
	}

	s.res.HeartbeatCreated.Complete = true
	return nil
}

func (s *setup) createHeartbeat(ctx context.Context) error {
	for _, stmt := range heartbeat.CreateStatements(heartbeat.DialectPostgres, s.opts.heartbeatSchema(), heartbeat.DefaultTable) {
		if _, err := s.c.Exec(ctx, stmt); err != nil {
			s.res.HeartbeatCreated.Error = fmt.Errorf("Error creating heartbeat table: %w", err)
			return s.res.HeartbeatCreated.Error
		}
	}
	stmt := fmt.Sprintf(`ALTER TABLE %s.%s REPLICA IDENTITY FULL`, s.opts.heartbeatSchema(), heartbeat.DefaultTable)
	if _, err := s.c.Exec(ctx, stmt); err != nil {
		s.res.HeartbeatCreated.Error = fmt.Errorf("Error setting heartbeat replica identity: %w", err)
		return s.res.HeartbeatCreated.Error
	}
	s.res.HeartbeatCreated.Complete = true
	return nil
}
