// Package changeset defines the raw events produced by replication sources.  A source
// emits transaction boundaries, control statements and row-level data changes; the
// stream package classifies these and attaches positions to them.
package changeset

import (
	"fmt"
	"strings"
	"time"
)

type Operation string

const (
	OperationBegin    Operation = "BEGIN"
	OperationCommit   Operation = "COMMIT"
	OperationQuery    Operation = "QUERY"
	OperationInsert   Operation = "INSERT"
	OperationUpdate   Operation = "UPDATE"
	OperationDelete   Operation = "DELETE"
	OperationTruncate Operation = "TRUNCATE"
)

func (o Operation) ToEventVerb() string {
	switch o {
	case OperationBegin:
		return "tx-began"
	case OperationCommit:
		return "tx-committed"
	case OperationQuery:
		return "queried"
	case OperationInsert:
		return "inserted"
	case OperationUpdate:
		return "updated"
	case OperationDelete:
		return "deleted"
	case OperationTruncate:
		return "truncated"
	default:
		return strings.ToLower(string(o))
	}
}

// Kind discriminates the raw event variants.
type Kind int

const (
	KindBoundary Kind = iota + 1
	KindControl
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindBoundary:
		return "boundary"
	case KindControl:
		return "control"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a raw replication event.  Events are owned by the source that produced them
// and must be treated as read-only.
type Event interface {
	Kind() Kind
}

// TransactionBoundary marks the start of a new transaction with the given identifier,
// eg. a MySQL GTID or a Postgres xid.
type TransactionBoundary struct {
	ID string `json:"id"`
}

func (TransactionBoundary) Kind() Kind { return KindBoundary }

// Control is a non-row event, such as a DDL or a BEGIN query.
type Control struct {
	Operation Operation `json:"operation"`
	// Schema is the default schema the statement ran in, if known.
	Schema    string `json:"schema,omitempty"`
	Statement string `json:"statement,omitempty"`
	// Tables lists the tables affected by a truncate.
	Tables []string `json:"tables,omitempty"`

	Watermark Watermark `json:"watermark"`
}

func (Control) Kind() Kind { return KindControl }

// Data is a single row change.
type Data struct {
	Operation Operation `json:"operation"`
	Schema    string    `json:"schema"`
	Table     string    `json:"table"`
	Row       Row       `json:"row"`

	Watermark Watermark `json:"watermark"`
}

func (Data) Kind() Kind { return KindData }

// Row holds the before and after images of a changed row.  Inserts only carry New,
// deletes only carry Old.
type Row struct {
	Old UpdateTuples `json:"old,omitempty"`
	New UpdateTuples `json:"new,omitempty"`
}

// Values returns the most recent image of the row: the after image when present,
// otherwise the before image.
func (r Row) Values() UpdateTuples {
	if r.New != nil {
		return r.New
	}
	return r.Old
}

// Watermark is the source-native coordinate of an event, recorded for diagnostics.  It
// is not the resumable position; see the position package for that.
type Watermark struct {
	// File is the binlog file name or replication slot.
	File string `json:"file,omitempty"`
	// Offset is the binlog offset or LSN.
	Offset     uint64    `json:"offset,omitempty"`
	ServerTime time.Time `json:"server_time,omitempty"`
}

type UpdateTuples map[string]ColumnUpdate

type ColumnUpdate struct {
	// Encoding represents the encoding of the data in Data.  This may be one of:
	//
	// - "n", representing null data.
	// - "u", representing the unchanged TOAST data within postgres
	// - "t", representing text-encoded data
	// - "b", representing binary data.
	// - "i", representing an integer
	// - "f", representing a float
	// - "v", representing a native driver value (MySQL rows)
	Encoding string `json:"encoding"`
	// Data is the value of the column.  If this is binary data, this data will be
	// base64 encoded.
	Data any `json:"data"`
}

const (
	EncodingNull      = "n"
	EncodingUnchanged = "u"
	EncodingText      = "t"
	EncodingBinary    = "b"
	EncodingInt       = "i"
	EncodingFloat     = "f"
	EncodingValue     = "v"
)
