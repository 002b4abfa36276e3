// Package resume suppresses events that were already processed before a checkpoint.
//
// After a restart the source is repositioned at the checkpoint's anchor and replays the
// checkpointed scope from its start.  Events at or below the checkpoint's sequence were
// delivered before the restart and are skipped.  In transaction mode, once a transaction
// other than the replayed one begins, nothing can have been delivered yet and the filter
// switches itself off for good.
package resume

import "github.com/inngest/dbcursor/pkg/position"

type Filter struct {
	checkpoint position.Position

	// active guards every skip decision.  Once cleared it is never set again.
	active bool
	// consulted is set after the first call to ShouldSkip.
	consulted bool
	// boundaries counts the boundaries observed.
	boundaries int
	// latched is set when a new transaction has begun since the last ShouldSkip.
	latched bool
}

func New(checkpoint position.Position) *Filter {
	return &Filter{checkpoint: checkpoint, active: true}
}

// Active reports whether the filter can still skip events.
func (f *Filter) Active() bool { return f.active }

// ObserveBoundary records a transaction boundary.  The leading boundary, seen before any
// event has been considered, opens the replayed transaction and does not arm the latch;
// every later boundary does.
func (f *Filter) ObserveBoundary() {
	f.boundaries++
	if !f.consulted && f.boundaries == 1 {
		return
	}
	f.latched = true
}

// ShouldSkip decides whether the event at the candidate position was already processed.
func (f *Filter) ShouldSkip(candidate position.Position) bool {
	f.consulted = true

	if !f.active {
		return false
	}
	if candidate.Mode() == position.ModeTransaction && f.latched {
		f.active = false
		f.latched = false
		return false
	}
	return candidate.Seq() <= f.checkpoint.Seq()
}
