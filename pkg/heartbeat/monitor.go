// Package heartbeat recognizes liveness heartbeats embedded in the replication stream and
// raises an alert when a heartbeat arrives too long after it was written upstream.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/inngest/dbcursor/pkg/position"
)

const (
	// DefaultSchema is the schema that heartbeat rows are written into upstream.
	DefaultSchema = "cdc_heartbeat"
	// DefaultTable is the table within DefaultSchema holding the heartbeat row.
	DefaultTable = "heartbeat"
	// DefaultStaleThreshold is the maximum delay between a heartbeat being written and being
	// observed before an alert is raised.
	DefaultStaleThreshold = 10 * time.Minute

	// AlertKindStale is the kind passed to the AlertSink for stale heartbeats.
	AlertKindStale = "heartbeat_stale"

	FieldSerial    = "serial"
	FieldTimestamp = "timestamp"
)

var ErrMalformedHeartbeat = fmt.Errorf("ERR_CUR_020: malformed heartbeat event")

// timestampLayouts are tried in order when a heartbeat timestamp arrives as text.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
}

type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to a Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// AlertSink delivers alerts to a monitoring system.  Delivery is fire-and-forget: the
// monitor never inspects the outcome.
type AlertSink interface {
	Notify(ctx context.Context, kind, description string, metadata map[string]any)
}

type Opts struct {
	// Schema is the reserved heartbeat schema.  Defaults to DefaultSchema.
	Schema string
	// Threshold is the staleness threshold.  Defaults to DefaultStaleThreshold.
	Threshold time.Duration
	// Location is used for timestamps written without a zone.  Defaults to UTC.
	Location *time.Location

	Clock Clock
	Sink  AlertSink
	Log   *slog.Logger
}

type Monitor struct {
	schema    string
	threshold time.Duration
	loc       *time.Location
	clock     Clock
	sink      AlertSink
	log       *slog.Logger
}

func NewMonitor(opts Opts) *Monitor {
	m := &Monitor{
		schema:    opts.Schema,
		threshold: opts.Threshold,
		loc:       opts.Location,
		clock:     opts.Clock,
		sink:      opts.Sink,
		log:       opts.Log,
	}
	if m.schema == "" {
		m.schema = DefaultSchema
	}
	if m.threshold <= 0 {
		m.threshold = DefaultStaleThreshold
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.clock == nil {
		m.clock = SystemClock
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

func (m *Monitor) Threshold() time.Duration { return m.threshold }

// IsHeartbeat returns true if the event is a row change within the heartbeat schema.
func (m *Monitor) IsHeartbeat(evt changeset.Event) bool {
	d, ok := evt.(changeset.Data)
	return ok && d.Schema == m.schema
}

// Extract reads the heartbeat's serial and timestamp from the event's row.
func (m *Monitor) Extract(evt changeset.Event) (position.Heartbeat, error) {
	d, ok := evt.(changeset.Data)
	if !ok {
		return position.Heartbeat{}, fmt.Errorf("%w: %s event", ErrMalformedHeartbeat, evt.Kind())
	}

	values := d.Row.Values()
	sv, ok := values[FieldSerial]
	if !ok || sv.Data == nil {
		return position.Heartbeat{}, fmt.Errorf("%w: missing %s", ErrMalformedHeartbeat, FieldSerial)
	}
	tv, ok := values[FieldTimestamp]
	if !ok || tv.Data == nil {
		return position.Heartbeat{}, fmt.Errorf("%w: missing %s", ErrMalformedHeartbeat, FieldTimestamp)
	}

	serial, err := toSerial(sv.Data)
	if err != nil {
		return position.Heartbeat{}, fmt.Errorf("%w: %s: %w", ErrMalformedHeartbeat, FieldSerial, err)
	}
	ts, err := m.toTimestamp(tv.Data)
	if err != nil {
		return position.Heartbeat{}, fmt.Errorf("%w: %s: %w", ErrMalformedHeartbeat, FieldTimestamp, err)
	}
	return position.Heartbeat{Serial: serial, Timestamp: ts}, nil
}

// CheckStaleness returns true if more than threshold has elapsed between ts and now.
func CheckStaleness(ts, now time.Time, threshold time.Duration) bool {
	return now.Sub(ts) > threshold
}

// Observe extracts the heartbeat from evt and alerts the sink once if it is stale.  The
// heartbeat is returned regardless of staleness.
func (m *Monitor) Observe(ctx context.Context, evt changeset.Event) (hb position.Heartbeat, stale bool, err error) {
	hb, err = m.Extract(evt)
	if err != nil {
		return hb, false, err
	}

	now := m.clock.Now()
	if !CheckStaleness(hb.Timestamp, now, m.threshold) {
		return hb, false, nil
	}

	delay := now.Sub(hb.Timestamp)
	m.log.Warn("stale heartbeat",
		"serial", hb.Serial,
		"timestamp", hb.Timestamp,
		"delay", delay,
		"threshold", m.threshold,
	)
	if m.sink != nil {
		m.sink.Notify(ctx, AlertKindStale,
			fmt.Sprintf("Replication is delayed by %s (threshold %s); heartbeat %d was written at %s",
				delay.Truncate(time.Second), m.threshold, hb.Serial, hb.Timestamp.Format(time.RFC3339)),
			map[string]any{
				"serial":            hb.Serial,
				"timestamp":         hb.Timestamp,
				"observed_at":       now,
				"delay_seconds":     delay.Seconds(),
				"threshold_seconds": m.threshold.Seconds(),
			},
		)
	}
	return hb, true, nil
}

func toSerial(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return fromUint(uint64(n))
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return fromUint(n)
	case float64:
		// 2^63 is the first float64 above MaxInt64.
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, fmt.Errorf("%v is not an int64", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

func fromUint(n uint64) (int64, error) {
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("%d overflows int64", n)
	}
	return int64(n), nil
}

func (m *Monitor) toTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case int64:
		return time.Unix(t, 0), nil
	case []byte:
		return m.parseTimestamp(string(t))
	case string:
		return m.parseTimestamp(t)
	}
	return time.Time{}, fmt.Errorf("unsupported type %T", v)
}

func (m *Monitor) parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, m.loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
