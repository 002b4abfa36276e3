package mysqlsource

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
	"github.com/inngest/dbcursor/pkg/changeset"
)

// decode converts a binlog event into zero or more changeset events.  Bookkeeping
// events (format descriptions, table maps, XIDs, previous GTIDs) produce nothing.
func (s *Source) decode(ev *replication.BinlogEvent) []changeset.Event {
	wm := changeset.Watermark{
		File:       s.file,
		Offset:     uint64(ev.Header.LogPos),
		ServerTime: time.Unix(int64(ev.Header.Timestamp), 0).UTC(),
	}

	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		s.file = string(e.NextLogName)
		return nil
	case *replication.GTIDEvent:
		id, err := GTIDString(e.SID, e.GNO)
		if err != nil {
			s.log.Warn("skipping malformed GTID event", "error", err)
			return nil
		}
		return []changeset.Event{changeset.TransactionBoundary{ID: id}}
	case *replication.QueryEvent:
		return []changeset.Event{queryControl(e, wm)}
	case *replication.RowsEvent:
		return rowsData(ev.Header.EventType, e, wm)
	}
	return nil
}

func queryControl(e *replication.QueryEvent, wm changeset.Watermark) changeset.Control {
	stmt := string(e.Query)
	op := changeset.OperationQuery
	if strings.EqualFold(strings.TrimSpace(stmt), "BEGIN") {
		op = changeset.OperationBegin
	}
	return changeset.Control{
		Operation: op,
		Schema:    string(e.Schema),
		Statement: stmt,
		Watermark: wm,
	}
}

func rowsData(t replication.EventType, e *replication.RowsEvent, wm changeset.Watermark) []changeset.Event {
	var op changeset.Operation
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		op = changeset.OperationInsert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		op = changeset.OperationUpdate
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		op = changeset.OperationDelete
	default:
		return nil
	}

	var (
		schema, table string
		names         []string
	)
	if e.Table != nil {
		schema, table = string(e.Table.Schema), string(e.Table.Table)
		names = e.Table.ColumnNameString()
	}

	out := []changeset.Event{}
	switch op {
	case changeset.OperationUpdate:
		// Update rows are written as before/after pairs.
		for i := 0; i+1 < len(e.Rows); i += 2 {
			out = append(out, changeset.Data{
				Operation: op,
				Schema:    schema,
				Table:     table,
				Row: changeset.Row{
					Old: tuples(names, e.Rows[i]),
					New: tuples(names, e.Rows[i+1]),
				},
				Watermark: wm,
			})
		}
	case changeset.OperationDelete:
		for _, r := range e.Rows {
			out = append(out, changeset.Data{
				Operation: op,
				Schema:    schema,
				Table:     table,
				Row:       changeset.Row{Old: tuples(names, r)},
				Watermark: wm,
			})
		}
	default:
		for _, r := range e.Rows {
			out = append(out, changeset.Data{
				Operation: op,
				Schema:    schema,
				Table:     table,
				Row:       changeset.Row{New: tuples(names, r)},
				Watermark: wm,
			})
		}
	}
	return out
}

// tuples maps a binlog row to named columns.  Column names are only present in the
// binlog when binlog_row_metadata=FULL; otherwise columns are named positionally as
// "@1", "@2", etc.
func tuples(names []string, row []any) changeset.UpdateTuples {
	out := make(changeset.UpdateTuples, len(row))
	for n, v := range row {
		name := fmt.Sprintf("@%d", n+1)
		if n < len(names) && names[n] != "" {
			name = names[n]
		}

		switch val := v.(type) {
		case nil:
			out[name] = changeset.ColumnUpdate{Encoding: changeset.EncodingNull}
		case []byte:
			out[name] = changeset.ColumnUpdate{
				Encoding: changeset.EncodingBinary,
				Data:     base64.StdEncoding.EncodeToString(val),
			}
		case string:
			out[name] = changeset.ColumnUpdate{Encoding: changeset.EncodingText, Data: val}
		case int8, int16, int32, int64, uint8, uint16, uint32, uint64, int, uint:
			out[name] = changeset.ColumnUpdate{Encoding: changeset.EncodingInt, Data: val}
		case float32, float64:
			out[name] = changeset.ColumnUpdate{Encoding: changeset.EncodingFloat, Data: val}
		default:
			out[name] = changeset.ColumnUpdate{Encoding: changeset.EncodingValue, Data: val}
		}
	}
	return out
}

// GTIDString formats a binlog GTID as "source_uuid:transaction_id".
func GTIDString(sid []byte, gno int64) (string, error) {
	u, err := uuid.FromBytes(sid)
	if err != nil {
		return "", fmt.Errorf("invalid GTID source id: %w", err)
	}
	return fmt.Sprintf("%s:%d", u, gno), nil
}

// GTIDSetBefore returns the GTID set covering every transaction from the same source
// prior to the given GTID, so that streaming with it as the executed set restarts at
// the given transaction.
func GTIDSetBefore(gtid string) (string, error) {
	sid, gno, err := splitGTID(gtid)
	if err != nil {
		return "", err
	}
	if gno <= 1 {
		return "", nil
	}
	return fmt.Sprintf("%s:1-%d", sid, gno-1), nil
}

func splitGTID(gtid string) (string, int64, error) {
	idx := strings.LastIndexByte(gtid, ':')
	if idx <= 0 {
		return "", 0, fmt.Errorf("invalid GTID %q", gtid)
	}
	sid := gtid[:idx]
	if _, err := uuid.Parse(sid); err != nil {
		return "", 0, fmt.Errorf("invalid GTID %q: %w", gtid, err)
	}
	var gno int64
	if _, err := fmt.Sscanf(gtid[idx+1:], "%d", &gno); err != nil || gno < 1 {
		return "", 0, fmt.Errorf("invalid GTID %q: bad transaction id", gtid)
	}
	return sid, gno, nil
}
