package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"govcheck/internal/domain"
)

// Metrics holds the analysis collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	runsStarted      prometheus.Counter
	runsFinished     *prometheus.CounterVec
	runsActive       prometheus.Gauge
	runDuration      prometheus.Histogram
	categoryScore    *prometheus.HistogramVec
	categoryFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "govcheck_runs_started_total",
			Help: "Analyses that entered in_progress.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govcheck_runs_finished_total",
			Help: "Analyses that reached a terminal status.",
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "govcheck_runs_active",
			Help: "Analyses currently executing.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "govcheck_run_duration_seconds",
			Help:    "Wall time of finished analyses.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		categoryScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "govcheck_category_score",
			Help:    "Category scores produced by evaluators.",
			Buckets: []float64{20, 40, 60, 80, 90, 100},
		}, []string{"category"}),
		categoryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govcheck_category_failures_total",
			Help: "Category evaluations that failed and were contained.",
		}, []string{"category"}),
	}
	reg.MustRegister(m.runsStarted, m.runsFinished, m.runsActive, m.runDuration, m.categoryScore, m.categoryFailures)
	return m
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.runsActive.Inc()
}

func (m *Metrics) RunFinished(status domain.RunStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsFinished.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) CategoryEvaluated(o domain.CategoryOutcome) {
	if m == nil {
		return
	}
	m.categoryScore.WithLabelValues(string(o.Category)).Observe(float64(o.Score))
	if o.Failed() {
		m.categoryFailures.WithLabelValues(string(o.Category)).Inc()
	}
}
