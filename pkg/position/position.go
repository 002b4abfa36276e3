// Package position tracks how far a stream has progressed through a replication log.
//
// A position is either transaction based (a transaction identifier and the index of an
// event within that transaction) or file based (a log file anchor and the index of an
// event since the anchor).  Positions are values: every operation returns a copy.
package position

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/inngest/dbcursor/pkg/changeset"
)

type Mode string

const (
	ModeTransaction Mode = "transaction"
	ModeFile        Mode = "file"
)

var ErrUnknownMode = fmt.Errorf("ERR_CUR_010: unknown position mode")

// ParseMode parses a mode name.  "gtid" and "log" are accepted as aliases.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "transaction", "gtid", "txn":
		return ModeTransaction, nil
	case "file", "log", "binlog":
		return ModeFile, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Unstarted is the sequence of a cursor that has not yet observed an event in its scope.
// Positions handed to consumers never carry it.
const Unstarted int64 = -1

// Heartbeat is the most recently observed liveness heartbeat.
type Heartbeat struct {
	Serial    int64     `json:"serial"`
	Timestamp time.Time `json:"timestamp"`
}

type Position interface {
	Mode() Mode
	// Seq returns the zero-based index of the event this position was attached to.
	Seq() int64
	// LastHeartbeat returns the heartbeat carried by this position, or nil.
	LastHeartbeat() *Heartbeat
	// Advance returns the position after observing the given event.
	Advance(changeset.Event) Position
	// WithHeartbeat returns a copy carrying the given heartbeat.
	WithHeartbeat(Heartbeat) Position
	// Rewind returns a copy of the position moved before the first event of its
	// scope, keeping the anchor and heartbeat.
	Rewind() Position
	String() string
}

// Transaction is a position within a transaction.  Sequence resets whenever a new
// transaction boundary is observed.
type Transaction struct {
	ID        string     `json:"id"`
	Sequence  int64      `json:"sequence"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
}

func (Transaction) Mode() Mode { return ModeTransaction }
func (t Transaction) Seq() int64 { return t.Sequence }
func (t Transaction) LastHeartbeat() *Heartbeat { return t.Heartbeat }

func (t Transaction) Advance(evt changeset.Event) Position {
	if b, ok := evt.(changeset.TransactionBoundary); ok {
		t.ID = b.ID
		t.Sequence = Unstarted
		return t
	}
	t.Sequence++
	return t
}

func (t Transaction) WithHeartbeat(hb Heartbeat) Position {
	t.Heartbeat = &hb
	return t
}

func (t Transaction) Rewind() Position {
	t.Sequence = Unstarted
	return t
}

func (t Transaction) String() string {
	return fmt.Sprintf("%s#%d", t.ID, t.Sequence)
}

// File is a position relative to a log file anchor.  Sequence counts every event since
// the anchor and is never reset.
type File struct {
	Name      string     `json:"name"`
	Offset    uint64     `json:"offset"`
	Sequence  int64      `json:"sequence"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
}

func (File) Mode() Mode { return ModeFile }
func (f File) Seq() int64 { return f.Sequence }
func (f File) LastHeartbeat() *Heartbeat { return f.Heartbeat }

func (f File) Advance(changeset.Event) Position {
	f.Sequence++
	return f
}

func (f File) WithHeartbeat(hb Heartbeat) Position {
	f.Heartbeat = &hb
	return f
}

func (f File) Rewind() Position {
	f.Sequence = Unstarted
	return f
}

func (f File) String() string {
	return fmt.Sprintf("%s:%d#%d", f.Name, f.Offset, f.Sequence)
}

// Key returns a compact key identifying the position's place in the stream, ignoring
// heartbeat metadata.  Two deliveries of the same event always share a key, so it can
// be used for deduplication downstream.
func Key(p Position) string {
	d := xxhash.New()
	_, _ = d.WriteString(string(p.Mode()))
	_, _ = d.WriteString("|")
	switch v := p.(type) {
	case Transaction:
		_, _ = d.WriteString(v.ID)
	case File:
		_, _ = d.WriteString(v.Name)
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(strconv.FormatUint(v.Offset, 10))
	}
	_, _ = d.WriteString("#")
	_, _ = d.WriteString(strconv.FormatInt(p.Seq(), 10))
	return strconv.FormatUint(d.Sum64(), 36)
}
