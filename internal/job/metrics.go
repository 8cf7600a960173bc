package job

import (
	"github.com/prometheus/client_golang/prometheus"

	"backtestd/internal/domain"
)

// Metrics instruments the orchestrator and its workers.
type Metrics struct {
	submitted prometheus.Counter
	finished  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  prometheus.Histogram
	running   prometheus.Gauge
	bars      prometheus.Counter
}

// NewMetrics creates the job metrics and registers them with reg. A nil reg
// leaves them unregistered, which suits tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtestd",
			Name:      "jobs_submitted_total",
			Help:      "Backtest jobs accepted for execution, including retries.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtestd",
			Name:      "jobs_finished_total",
			Help:      "Backtest jobs that reached a terminal state.",
		}, []string{"state"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtestd",
			Name:      "job_failures_total",
			Help:      "Failed backtest jobs by failure kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "backtestd",
			Name:      "job_duration_seconds",
			Help:      "Wall time from claim to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backtestd",
			Name:      "jobs_running",
			Help:      "Backtest jobs currently executing.",
		}),
		bars: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtestd",
			Name:      "bars_replayed_total",
			Help:      "Replay dates processed by succeeded jobs.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.finished, m.failures, m.duration, m.running, m.bars)
	}
	return m
}

func (m *Metrics) observeFinish(state domain.JobState, failure *domain.Failure, seconds float64) {
	m.finished.WithLabelValues(string(state)).Inc()
	if failure != nil {
		m.failures.WithLabelValues(string(failure.Kind)).Inc()
	}
	m.duration.Observe(seconds)
}
