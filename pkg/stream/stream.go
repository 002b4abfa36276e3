// Package stream turns a raw replication event source into an ordered sequence of
// events paired with resumable positions.
package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/inngest/dbcursor/pkg/heartbeat"
	"github.com/inngest/dbcursor/pkg/position"
	"github.com/inngest/dbcursor/pkg/resume"
)

var (
	ErrExhausted = fmt.Errorf("ERR_CUR_002: stream exhausted")

	ErrConfiguration = fmt.Errorf("ERR_CUR_003: invalid stream configuration")
)

// ResultEvent pairs a consumed event with the position immediately after it.
type ResultEvent struct {
	Event    changeset.Event   `json:"event"`
	Position position.Position `json:"position"`
}

// Observer is notified of every classification decision the stream makes.
type Observer interface {
	EventYielded(changeset.Event)
	EventSkipped(changeset.Event)
	HeartbeatObserved(hb position.Heartbeat, stale bool)
	HeartbeatMalformed()
}

type Opts struct {
	// Monitor recognizes heartbeat events.  If nil, a monitor using the default
	// heartbeat schema and no alert sink is used.
	Monitor  *heartbeat.Monitor
	Observer Observer
	Log      *slog.Logger
}

type state int

const (
	stateRunning state = iota
	stateExhausted
)

// Stream is a pull-based, forward-only sequence of ResultEvents.  It is not safe for
// concurrent use.
type Stream struct {
	src     Source
	mode    position.Mode
	monitor *heartbeat.Monitor
	filter  *resume.Filter
	obs     Observer
	log     *slog.Logger

	state state
	// current is the position after the last consumed event.
	current position.Position
	// counted is the position of the last counted event, or nil if none is known.
	counted position.Position
}

// New creates a stream resuming from initial.  The raw source must be positioned at
// initial's anchor: the start of its transaction, or its file offset.
func New(initial position.Position, mode position.Mode, src Source, opts Opts) (*Stream, error) {
	if initial == nil {
		return nil, fmt.Errorf("%w: nil initial position", ErrConfiguration)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrConfiguration)
	}
	if initial.Mode() != mode {
		return nil, fmt.Errorf("%w: %s position used in %s mode", ErrConfiguration, initial.Mode(), mode)
	}

	s := &Stream{
		src:     src,
		mode:    mode,
		monitor: opts.Monitor,
		filter:  resume.New(initial),
		obs:     opts.Observer,
		log:     opts.Log,
		current: initial.Rewind(),
	}
	if initial.Seq() >= 0 {
		s.counted = initial
	}
	if s.monitor == nil {
		s.monitor = heartbeat.NewMonitor(heartbeat.Opts{Log: opts.Log})
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Position returns the position after the last consumed event.  Directly after a
// boundary its sequence is position.Unstarted, which must not be saved as a checkpoint:
// resuming from it would replay the whole transaction.  Use Checkpoint instead.
func (s *Stream) Position() position.Position {
	return s.current
}

// Checkpoint returns the position of the last event counted by the stream, whether
// yielded or skipped, or nil if no event has been counted yet.
func (s *Stream) Checkpoint() position.Position {
	return s.counted
}

// Next returns the next event to deliver.  Once the source is exhausted, Next returns an
// error wrapping ErrExhausted.  Any other source error is returned unmodified.
func (s *Stream) Next(ctx context.Context) (ResultEvent, error) {
	if s.state == stateExhausted {
		return ResultEvent{}, ErrExhausted
	}

	for {
		if err := ctx.Err(); err != nil {
			return ResultEvent{}, err
		}

		if _, err := s.src.Peek(ctx); err != nil {
			if errors.Is(err, ErrSourceExhausted) {
				s.state = stateExhausted
				return ResultEvent{}, fmt.Errorf("%w: %w", ErrExhausted, err)
			}
			return ResultEvent{}, err
		}
		evt, err := s.src.Pop(ctx)
		if err != nil {
			return ResultEvent{}, err
		}

		if evt.Kind() == changeset.KindBoundary {
			s.current = s.current.Advance(evt)
			s.filter.ObserveBoundary()
			continue
		}

		if s.monitor.IsHeartbeat(evt) {
			s.observeHeartbeat(ctx, evt)
			continue
		}

		candidate := s.current.Advance(evt)
		s.current = candidate
		s.counted = candidate
		if s.filter.ShouldSkip(candidate) {
			s.obs.EventSkipped(evt)
			continue
		}
		s.obs.EventYielded(evt)
		return ResultEvent{Event: evt, Position: candidate}, nil
	}
}

// observeHeartbeat records a heartbeat on the running position.  Heartbeats are never
// counted and never delivered.
func (s *Stream) observeHeartbeat(ctx context.Context, evt changeset.Event) {
	hb, stale, err := s.monitor.Observe(ctx, evt)
	if err != nil {
		attrs := []any{"error", err}
		if d, ok := evt.(changeset.Data); ok {
			attrs = append(attrs, "schema", d.Schema, "table", d.Table)
		}
		s.log.Warn("dropping malformed heartbeat", attrs...)
		s.obs.HeartbeatMalformed()
		return
	}
	s.current = s.current.WithHeartbeat(hb)
	if s.current.Seq() >= 0 {
		s.counted = s.current
	}
	s.obs.HeartbeatObserved(hb, stale)
}

// Pull is a blocking method which sends every event on the given channel until the
// source is exhausted or the context is cancelled, in which case it returns nil.
func (s *Stream) Pull(ctx context.Context, cc chan<- ResultEvent) error {
	for {
		res, err := s.Next(ctx)
		if errors.Is(err, ErrExhausted) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case cc <- res:
		case <-ctx.Done():
			return nil
		}
	}
}

// All returns an iterator over the remaining events.  Iteration stops cleanly on
// exhaustion; any other error is yielded once as the final element.
func (s *Stream) All(ctx context.Context) iter.Seq2[ResultEvent, error] {
	return func(yield func(ResultEvent, error) bool) {
		for {
			res, err := s.Next(ctx)
			if errors.Is(err, ErrExhausted) {
				return
			}
			if err != nil {
				yield(ResultEvent{}, err)
				return
			}
			if !yield(res, nil) {
				return
			}
		}
	}
}

type nopObserver struct{}

func (nopObserver) EventYielded(changeset.Event) {}
func (nopObserver) EventSkipped(changeset.Event) {}
func (nopObserver) HeartbeatObserved(position.Heartbeat, bool) {}
func (nopObserver) HeartbeatMalformed() {}
