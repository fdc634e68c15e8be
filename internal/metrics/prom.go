package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "qmaster_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "master"},
		},
		[]string{"date", "sha", "version"},
	)

	submitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qmaster_queries_submitted_total",
			Help: "Queries admitted from Query-Control sessions",
		},
	)

	finished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmaster_queries_finished_total",
			Help: "Queries that reached EXIT, by reason",
		},
		[]string{"reason"},
	)

	assignments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qmaster_assignments_total",
			Help: "Assign commands sent to workers",
		},
	)

	preemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmaster_preemptions_total",
			Help: "Preempt commands sent to workers, by cause",
		},
		[]string{"cause"},
	)

	checkpoints = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qmaster_checkpoints_total",
			Help: "Checkpoints returned by workers",
		},
	)

	agingAdjustments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qmaster_aging_adjustments_total",
			Help: "Priority improvements applied by the aging loop",
		},
	)

	readyQueries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qmaster_ready_queries",
			Help: "Queries waiting in the ready set",
		},
	)

	workers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qmaster_workers",
			Help: "Connected workers",
		},
	)

	workersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qmaster_workers_busy",
			Help: "Workers running a query",
		},
	)

	sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qmaster_sessions",
			Help: "Open sessions by role",
		},
		[]string{"role"},
	)

	readyWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qmaster_ready_wait_seconds",
			Help:    "Time from entering the ready set to assignment",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)
)

// Register registers all Master collectors.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, submitted, finished, assignments, preemptions, checkpoints,
		agingAdjustments, readyQueries, workers, workersBusy, sessions, readyWait)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

func QuerySubmitted() { submitted.Inc() }

func QueryFinished(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	finished.WithLabelValues(reason).Inc()
}

// QueryAssigned counts an assignment and observes how long the query waited.
func QueryAssigned(wait time.Duration) {
	assignments.Inc()
	if wait >= 0 {
		readyWait.Observe(wait.Seconds())
	}
}

// Preempted counts a preempt command; cause is "priority" or "cancel".
func Preempted(cause string) { preemptions.WithLabelValues(cause).Inc() }

func Checkpointed() { checkpoints.Inc() }

func Aged(n int) { agingAdjustments.Add(float64(n)) }

func SetReady(n int) { readyQueries.Set(float64(n)) }

// SetWorkers records the pool size and how many workers are busy.
func SetWorkers(total, busy int) {
	workers.Set(float64(total))
	workersBusy.Set(float64(busy))
}

func SessionOpened(role string) { sessions.WithLabelValues(role).Inc() }

func SessionClosed(role string) { sessions.WithLabelValues(role).Dec() }
