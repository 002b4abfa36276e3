// Package alert delivers heartbeat alerts to a monitoring system.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/inngest/dbcursor/pkg/heartbeat"
	"github.com/inngest/inngestgo"
)

const (
	// EventPrefix prefixes the names of alert events sent to Inngest.
	EventPrefix = "dbcursor"

	sendTimeout = 10 * time.Second
)

// LogSink writes alerts to a structured logger.
type LogSink struct {
	Log *slog.Logger
}

func (l LogSink) Notify(ctx context.Context, kind, description string, metadata map[string]any) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	args := make([]any, 0, 2+len(metadata)*2)
	args = append(args, "kind", kind)
	for k, v := range metadata {
		args = append(args, k, v)
	}
	log.ErrorContext(ctx, description, args...)
}

// InngestSink sends each alert as an Inngest event named "dbcursor/<kind>", eg.
// "dbcursor/heartbeat.stale".
type InngestSink struct {
	client inngestgo.Client
	log    *slog.Logger
}

func NewInngestSink(client inngestgo.Client, log *slog.Logger) *InngestSink {
	if log == nil {
		log = slog.Default()
	}
	return &InngestSink{client: client, log: log}
}

// Notify sends the alert.  Delivery errors are logged and otherwise ignored.
func (i *InngestSink) Notify(ctx context.Context, kind, description string, metadata map[string]any) {
	// Use a fresh context so that alerts raised during shutdown are still delivered.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	if _, err := i.client.Send(sendCtx, AlertToEvent(kind, description, metadata)); err != nil {
		i.log.Error("error sending alert", "kind", kind, "error", err)
	}
}

// AlertToEvent returns a map containing event data for the given alert.
func AlertToEvent(kind, description string, metadata map[string]any) map[string]any {
	data := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		data[k] = v
	}
	data["description"] = description

	return map[string]any{
		"id":   uuid.NewString(),
		"name": EventPrefix + "/" + eventName(kind),
		"data": data,
	}
}

func eventName(kind string) string {
	if kind == heartbeat.AlertKindStale {
		return "heartbeat.stale"
	}
	return kind
}

// Multi fans an alert out to every sink.
type Multi []heartbeat.AlertSink

func (m Multi) Notify(ctx context.Context, kind, description string, metadata map[string]any) {
	for _, s := range m {
		s.Notify(ctx, kind, description, metadata)
	}
}
