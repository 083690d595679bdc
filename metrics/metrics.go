// Package metrics provides the prometheus-backed implementation of
// session.Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements session.Metrics with the handful of counters/
// gauges an operator needs to watch session and command health.
type Prometheus struct {
	sessionsOpened  prometheus.Counter
	sessionsActive  prometheus.Gauge
	commandsTotal   *prometheus.CounterVec
	commandFailures *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
}

// NewPrometheus registers its collectors against reg and returns the
// ready-to-use metrics sink. Pass prometheus.DefaultRegisterer to expose
// them on the default /metrics handler.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitsvnbridge",
			Name:      "sessions_opened_total",
			Help:      "Total number of client connections accepted.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gitsvnbridge",
			Name:      "sessions_active",
			Help:      "Number of client connections currently open.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitsvnbridge",
			Name:      "commands_total",
			Help:      "Total number of wire commands dispatched, by command name.",
		}, []string{"command"}),
		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitsvnbridge",
			Name:      "command_failures_total",
			Help:      "Total number of wire commands that returned a structured failure, by command name.",
		}, []string{"command"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gitsvnbridge",
			Name:      "command_duration_seconds",
			Help:      "Command handling latency in seconds, by command name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
	}
	reg.MustRegister(p.sessionsOpened, p.sessionsActive, p.commandsTotal, p.commandFailures, p.commandLatency)
	return p
}

func (p *Prometheus) SessionOpened() {
	p.sessionsOpened.Inc()
	p.sessionsActive.Inc()
}

func (p *Prometheus) SessionClosed() {
	p.sessionsActive.Dec()
}

func (p *Prometheus) CommandHandled(cmd string, d time.Duration, failed bool) {
	p.commandsTotal.WithLabelValues(cmd).Inc()
	p.commandLatency.WithLabelValues(cmd).Observe(d.Seconds())
	if failed {
		p.commandFailures.WithLabelValues(cmd).Inc()
	}
}
