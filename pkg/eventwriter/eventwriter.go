// Package eventwriter forwards stream results to Inngest as events, committing the
// position of each delivered batch.
package eventwriter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/inngest/dbcursor/pkg/position"
	"github.com/inngest/dbcursor/pkg/stream"
)

const (
	eventPrefix = "dbcursor"
)

var (
	// DefaultBatchTimeout represents the time in which we wait for the event writer
	// batch to fill before sending the current batch of events.
	DefaultBatchTimeout = 100 * time.Millisecond

	// RetryInterval is the initial wait before a failed batch is resent.  The wait
	// doubles on each failure, up to MaxRetryInterval.
	RetryInterval    = time.Second
	MaxRetryInterval = 30 * time.Second
)

// Committer records that every event up to and including a position was delivered.
type Committer interface {
	Commit(position.Position)
}

type EventWriter interface {
	// Listen returns a channel in which results can be published.  Any published
	// results will be broadcast as events.  The channel is read until ctx is
	// cancelled.
	Listen(ctx context.Context, committer Committer) chan stream.ResultEvent

	// Wait waits for all events to be processed before shutting down.  This must be
	// called after the Listen context has been cancelled.
	Wait()
}

// ResultToEvent returns a map containing event data for the given result.  The event
// ID is derived from the result's position, so a replayed event is deduplicated.
func ResultToEvent(r stream.ResultEvent) map[string]any {
	var (
		name string
		data = map[string]any{}
		wm   changeset.Watermark
	)

	switch evt := r.Event.(type) {
	case changeset.Data:
		name = fmt.Sprintf("%s/%s.%s", eventPrefix, evt.Table, evt.Operation.ToEventVerb())
		data["operation"] = evt.Operation
		data["schema"] = evt.Schema
		data["table"] = evt.Table
		if evt.Row.Old != nil {
			data["old"] = evt.Row.Old
		}
		if evt.Row.New != nil {
			data["new"] = evt.Row.New
		}
		wm = evt.Watermark
	case changeset.Control:
		name = fmt.Sprintf("%s/%s", eventPrefix, evt.Operation.ToEventVerb())
		data["operation"] = evt.Operation
		if evt.Schema != "" {
			data["schema"] = evt.Schema
		}
		if evt.Statement != "" {
			data["statement"] = evt.Statement
		}
		if len(evt.Tables) > 0 {
			data["tables"] = evt.Tables
		}
		wm = evt.Watermark
	default:
		name = fmt.Sprintf("%s/%s", eventPrefix, r.Event.Kind())
	}

	if byt, err := position.Marshal(r.Position); err == nil {
		data["position"] = json.RawMessage(byt)
	}

	evt := map[string]any{
		"id":   position.Key(r.Position),
		"name": name,
		"data": data,
	}
	if !wm.ServerTime.IsZero() {
		evt["ts"] = wm.ServerTime.UnixMilli()
	}
	return evt
}
