package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/inngest/dbcursor/internal/config"
	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/inngest/dbcursor/pkg/position"
	"github.com/inngest/dbcursor/pkg/stream"
	"github.com/stretchr/testify/require"
)

func TestPrintBatch(t *testing.T) {
	buf := &bytes.Buffer{}
	err := printBatch(buf)([]stream.ResultEvent{
		{
			Event:    changeset.Data{Operation: changeset.OperationInsert, Table: "accounts"},
			Position: position.Transaction{ID: "a", Sequence: 0},
		},
		{
			Event:    changeset.Data{Operation: changeset.OperationDelete, Table: "accounts"},
			Position: position.Transaction{ID: "a", Sequence: 1},
		},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	evt := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &evt))
	require.Equal(t, "dbcursor/accounts.deleted", evt["name"])
}

func TestInitialPosition(t *testing.T) {
	anchor := func(m position.Mode) (position.Position, error) {
		return position.File{Name: "binlog.000001", Sequence: position.Unstarted}, nil
	}

	cp := position.File{Name: "binlog.000002", Offset: 4, Sequence: 7}
	p, err := initialPosition(cp, anchor, position.ModeFile)
	require.NoError(t, err)
	require.Equal(t, cp, p)

	p, err = initialPosition(nil, anchor, position.ModeFile)
	require.NoError(t, err)
	require.Equal(t, "binlog.000001", p.(position.File).Name)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("DBCURSOR_SOURCE", "postgres")
	t.Setenv("DBCURSOR_MODE", "transaction")

	rootCommand.SetArgs([]string{"--source", "mysql", "--mode", "file"})
	rootCommand.SetOut(&bytes.Buffer{})
	t.Cleanup(func() { rootCommand.SetArgs(nil) })

	require.NoError(t, rootCommand.Execute())
	require.Equal(t, config.SourceMySQL, cfg.Source)
	require.Equal(t, "file", cfg.Mode)
	require.NotNil(t, log)
}

func TestFlagsOverrideInvalidEnv(t *testing.T) {
	t.Setenv("DBCURSOR_SOURCE", "foo")
	t.Setenv("DBCURSOR_MODE", "sideways")

	rootCommand.SetArgs([]string{"--source", "mysql", "--mode", "transaction"})
	rootCommand.SetOut(&bytes.Buffer{})
	t.Cleanup(func() { rootCommand.SetArgs(nil) })

	require.NoError(t, rootCommand.Execute())
	require.Equal(t, config.SourceMySQL, cfg.Source)
	require.Equal(t, "transaction", cfg.Mode)
}
