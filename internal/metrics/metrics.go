// Package metrics exposes the agent's Prometheus instrumentation: job
// execution counts, transfer throughput, and queue depth, scraped over
// HTTP the same way the teacher's operational tooling expects.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the agent registers. Construct one with
// New and pass it down to the components that need to record against it.
type Metrics struct {
	JobsTotal       *prometheus.CounterVec
	JobDurationSecs *prometheus.HistogramVec
	TransfersTotal  *prometheus.CounterVec
	BytesSentTotal  prometheus.Counter
	ResendsTotal    prometheus.Counter
	QueueDepth      prometheus.Gauge
	QueueBytes      prometheus.Gauge
	GSNConnected    prometheus.Gauge
	ScheduleEntries prometheus.Gauge
}

// New registers every collector against a fresh registry and returns the
// bundle plus that registry's HTTP handler.
func New(namespace string) (*Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Number of scheduled jobs executed, by outcome.",
		}, []string{"outcome"}),
		JobDurationSecs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Observed duration of scheduled job executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Completed file transfers, by outcome.",
		}, []string{"outcome"}),
		BytesSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Cumulative bytes sent over CHUNK packets.",
		}),
		ResendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resends_total",
			Help:      "Number of packet resends triggered by ack timeout or RESEND.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of files currently queued for transfer.",
		}),
		QueueBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_bytes",
			Help:      "Total bytes of files currently queued for transfer.",
		}),
		GSNConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gsn_connected",
			Help:      "1 when the GSN connection is established, 0 otherwise.",
		}),
		ScheduleEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedule_entries",
			Help:      "Number of entries in the currently loaded schedule.",
		}),
	}
	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing handler at /metrics until ctx is
// cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
