// Package monitoring declares the daemon's Prometheus metrics and the
// optional /metrics listener.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for one daemon instance.
type Metrics struct {
	SessionsActive prometheus.Gauge
	ClientsActive  prometheus.Gauge

	SessionsSpawned prometheus.Counter
	PTYBytesRead    prometheus.Counter
	PTYBytesWritten prometheus.Counter

	FramesRendered prometheus.Counter
	RedrawsSent    prometheus.Counter
	RedrawBytes    prometheus.Counter

	RequestsTotal *prometheus.CounterVec
	RequestErrors *prometheus.CounterVec
}

// New registers the daemon metrics on a fresh registry and returns both.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prise_sessions_active",
			Help: "Number of live PTY sessions",
		}),
		ClientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prise_clients_active",
			Help: "Number of connected clients",
		}),
		SessionsSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "prise_sessions_spawned_total",
			Help: "PTY sessions spawned since start",
		}),
		PTYBytesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "prise_pty_read_bytes_total",
			Help: "Bytes read from PTY masters",
		}),
		PTYBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "prise_pty_written_bytes_total",
			Help: "Bytes written to PTY masters",
		}),
		FramesRendered: factory.NewCounter(prometheus.CounterOpts{
			Name: "prise_frames_rendered_total",
			Help: "Screen snapshots captured",
		}),
		RedrawsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "prise_redraws_sent_total",
			Help: "Redraw notifications queued to clients",
		}),
		RedrawBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "prise_redraw_bytes_total",
			Help: "Encoded redraw notification bytes",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prise_requests_total",
			Help: "RPC requests by method",
		}, []string{"method"}),
		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prise_request_errors_total",
			Help: "RPC requests answered with an error, by method",
		}, []string{"method"}),
	}
	return m, reg
}

// Serve exposes /metrics on addr. Blocks; run in its own goroutine.
func Serve(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
