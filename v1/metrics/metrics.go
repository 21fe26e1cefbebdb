package metrics

import "github.com/prometheus/client_golang/prometheus"

// Acquire results used as the "result" label of AcquireCounter.
const (
	ResultAcquired  = "acquired"
	ResultContended = "contended"
	ResultError     = "error"
)

var (
	// AcquireCounter tracks single acquisition attempts by outcome.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_lock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"result"})
	// ReleaseCounter tracks release calls the store accepted. Stores do not
	// report whether an entry was deleted, so releases of a lock held by
	// another owner, or not held at all, are counted too.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_lock_release_total",
		Help: "Total number of lock releases",
	})
	// TimeoutCounter tracks blocking acquisitions that ran out of time.
	TimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_lock_timeout_total",
		Help: "Total number of blocking acquisitions that timed out",
	})
	// WaitHistogram observes how long blocking acquisitions waited.
	WaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "latch_lock_wait_seconds",
		Help:    "Time spent waiting in blocking lock acquisitions",
		Buckets: prometheus.DefBuckets,
	})
	// BusPublishErrorCounter tracks unlock notifications that could not be
	// published. Waiters then fall back to polling.
	BusPublishErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_bus_publish_errors_total",
		Help: "Total number of unlock notifications that failed to publish",
	})
	// ScopedGauge reports the number of work functions currently running
	// under a held lock.
	ScopedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_lock_scoped_runs",
		Help: "Current number of scoped executions holding a lock",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, TimeoutCounter, WaitHistogram, BusPublishErrorCounter, ScopedGauge)
}
