package pgsource

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// decode converts a pgoutput message into a raw event.  Messages which only carry
// bookkeeping, such as relations and commits, return nil.
func (p *Source) decode(msg pglogrepl.Message, wm changeset.Watermark) (changeset.Event, error) {
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		p.relations[m.RelationID] = m
		return nil, nil
	case *pglogrepl.BeginMessage:
		return changeset.TransactionBoundary{ID: m.FinalLSN.String()}, nil
	case *pglogrepl.InsertMessage:
		rel, err := p.relation(m.RelationID)
		if err != nil {
			return nil, err
		}
		return changeset.Data{
			Operation: changeset.OperationInsert,
			Schema:    rel.Namespace,
			Table:     rel.RelationName,
			Row:       changeset.Row{New: tuples(rel, m.Tuple)},
			Watermark: wm,
		}, nil
	case *pglogrepl.UpdateMessage:
		rel, err := p.relation(m.RelationID)
		if err != nil {
			return nil, err
		}
		return changeset.Data{
			Operation: changeset.OperationUpdate,
			Schema:    rel.Namespace,
			Table:     rel.RelationName,
			Row: changeset.Row{
				Old: tuples(rel, m.OldTuple),
				New: tuples(rel, m.NewTuple),
			},
			Watermark: wm,
		}, nil
	case *pglogrepl.DeleteMessage:
		rel, err := p.relation(m.RelationID)
		if err != nil {
			return nil, err
		}
		return changeset.Data{
			Operation: changeset.OperationDelete,
			Schema:    rel.Namespace,
			Table:     rel.RelationName,
			Row:       changeset.Row{Old: tuples(rel, m.OldTuple)},
			Watermark: wm,
		}, nil
	case *pglogrepl.TruncateMessage:
		tables := make([]string, 0, len(m.RelationIDs))
		for _, id := range m.RelationIDs {
			rel, err := p.relation(id)
			if err != nil {
				return nil, err
			}
			tables = append(tables, rel.Namespace+"."+rel.RelationName)
		}
		return changeset.Control{
			Operation: changeset.OperationTruncate,
			Tables:    tables,
			Watermark: wm,
		}, nil
	}
	return nil, nil
}

func (p *Source) relation(id uint32) (*pglogrepl.RelationMessage, error) {
	rel, ok := p.relations[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation id %d", id)
	}
	return rel, nil
}

// tuples maps tuple data onto the relation's column names.
func tuples(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) changeset.UpdateTuples {
	if tuple == nil {
		return nil
	}

	out := changeset.UpdateTuples{}
	for n, col := range tuple.Columns {
		if n >= len(rel.Columns) {
			break
		}
		rc := rel.Columns[n]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			out[rc.Name] = changeset.ColumnUpdate{Encoding: changeset.EncodingNull}
		case pglogrepl.TupleDataTypeToast:
			out[rc.Name] = changeset.ColumnUpdate{Encoding: changeset.EncodingUnchanged}
		case pglogrepl.TupleDataTypeBinary:
			out[rc.Name] = changeset.ColumnUpdate{
				Encoding: changeset.EncodingBinary,
				Data:     base64.StdEncoding.EncodeToString(col.Data),
			}
		case pglogrepl.TupleDataTypeText:
			out[rc.Name] = textColumn(rc.DataType, string(col.Data))
		}
	}
	return out
}

// textColumn decodes numeric text values so that consumers receive numbers.
func textColumn(oid uint32, val string) changeset.ColumnUpdate {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return changeset.ColumnUpdate{Encoding: changeset.EncodingInt, Data: i}
		}
	case pgtype.Float4OID, pgtype.Float8OID:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return changeset.ColumnUpdate{Encoding: changeset.EncodingFloat, Data: f}
		}
	}
	return changeset.ColumnUpdate{Encoding: changeset.EncodingText, Data: val}
}
