// Package metrics exposes stream activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/inngest/dbcursor/pkg/changeset"
	"github.com/inngest/dbcursor/pkg/position"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dbcursor"

// Metrics records stream activity.  It implements stream.Observer.
type Metrics struct {
	registry *prometheus.Registry

	yielded            *prometheus.CounterVec
	skipped            *prometheus.CounterVec
	heartbeats         prometheus.Counter
	heartbeatsStale    prometheus.Counter
	heartbeatMalformed prometheus.Counter
	heartbeatSerial    prometheus.Gauge
	heartbeatTimestamp prometheus.Gauge
}

// New creates a registry with process and Go runtime collectors plus the stream
// metrics.  constLabels are attached to every stream metric, eg. the source name.
func New(constLabels prometheus.Labels) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		yielded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_yielded_total",
			Help:        "Events yielded to consumers, by event kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_skipped_total",
			Help:        "Events skipped as already processed before the resume checkpoint, by event kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "heartbeats_total",
			Help:        "Heartbeat events observed.",
			ConstLabels: constLabels,
		}),
		heartbeatsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "heartbeat_stale_total",
			Help:        "Heartbeat events observed after the staleness threshold.",
			ConstLabels: constLabels,
		}),
		heartbeatMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "heartbeats_malformed_total",
			Help:        "Heartbeat events dropped because they could not be parsed.",
			ConstLabels: constLabels,
		}),
		heartbeatSerial: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "heartbeat_last_serial",
			Help:        "Serial of the last heartbeat observed.",
			ConstLabels: constLabels,
		}),
		heartbeatTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "heartbeat_last_timestamp_seconds",
			Help:        "Upstream write time of the last heartbeat observed, as a unix timestamp.",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(
		m.yielded,
		m.skipped,
		m.heartbeats,
		m.heartbeatsStale,
		m.heartbeatMalformed,
		m.heartbeatSerial,
		m.heartbeatTimestamp,
	)
	return m
}

func (m *Metrics) EventYielded(evt changeset.Event) {
	m.yielded.WithLabelValues(evt.Kind().String()).Inc()
}

func (m *Metrics) EventSkipped(evt changeset.Event) {
	m.skipped.WithLabelValues(evt.Kind().String()).Inc()
}

func (m *Metrics) HeartbeatObserved(hb position.Heartbeat, stale bool) {
	m.heartbeats.Inc()
	if stale {
		m.heartbeatsStale.Inc()
	}
	m.heartbeatSerial.Set(float64(hb.Serial))
	m.heartbeatTimestamp.Set(float64(hb.Timestamp.UnixNano()) / float64(time.Second))
}

func (m *Metrics) HeartbeatMalformed() {
	m.heartbeatMalformed.Inc()
}

// Handler returns the HTTP handler for Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve serves metrics on addr at /metrics until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
