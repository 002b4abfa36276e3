package stream

import (
	"context"
	"fmt"
	"io"

	"github.com/inngest/dbcursor/pkg/changeset"
)

var (
	// ErrSourceExhausted is returned by sources which have no more events and do not
	// expect to produce more.
	ErrSourceExhausted = fmt.Errorf("ERR_CUR_001: source exhausted")

	ErrNothingPeeked = fmt.Errorf("ERR_CUR_004: pop called without a preceding peek")
)

// Source is a raw event source supporting classification before commit.
type Source interface {
	// Peek returns the next event without consuming it.  Repeated calls without an
	// intervening Pop return the same event.
	Peek(context.Context) (changeset.Event, error)
	// Pop consumes and returns the event most recently returned by Peek.
	Pop(context.Context) (changeset.Event, error)
}

// Reader is a raw event source which can only consume events.
type Reader interface {
	// ReadEvent blocks until the next event is available.  It returns
	// ErrSourceExhausted when the source is finished.
	ReadEvent(context.Context) (changeset.Event, error)
}

// Lookahead adapts a Reader into a Source by caching a single event.
type Lookahead struct {
	r    Reader
	next changeset.Event
}

func NewLookahead(r Reader) *Lookahead {
	return &Lookahead{r: r}
}

func (l *Lookahead) Peek(ctx context.Context) (changeset.Event, error) {
	if l.next != nil {
		return l.next, nil
	}
	evt, err := l.r.ReadEvent(ctx)
	if err != nil {
		return nil, err
	}
	l.next = evt
	return evt, nil
}

func (l *Lookahead) Pop(ctx context.Context) (changeset.Event, error) {
	if l.next == nil {
		return nil, ErrNothingPeeked
	}
	evt := l.next
	l.next = nil
	return evt, nil
}

// Close closes the underlying reader if it holds resources.
func (l *Lookahead) Close() error {
	if c, ok := l.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NewSliceSource returns a source which replays the given events, then reports
// ErrSourceExhausted.
func NewSliceSource(evts ...changeset.Event) *Lookahead {
	return NewLookahead(&sliceReader{evts: evts})
}

type sliceReader struct {
	evts []changeset.Event
}

func (s *sliceReader) ReadEvent(ctx context.Context) (changeset.Event, error) {
	if len(s.evts) == 0 {
		return nil, ErrSourceExhausted
	}
	evt := s.evts[0]
	s.evts = s.evts[1:]
	return evt, nil
}
