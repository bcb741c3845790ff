package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetmarket/fleetd/internal/models"
)

// Metrics collects Prometheus counters and histograms for fleetd.
type Metrics struct {
	registry            *prometheus.Registry
	lockAcquireTotal    *prometheus.CounterVec
	lockReleaseTotal    *prometheus.CounterVec
	lockNotHolderTotal  *prometheus.CounterVec
	lockHoldSeconds     *prometheus.HistogramVec
	sweepRunsTotal      *prometheus.CounterVec
	sweepClearedTotal   prometheus.Counter
	reconcileVerdicts   *prometheus.CounterVec
	setupTokenIssued    prometheus.Counter
	setupTokenRedeem    *prometheus.CounterVec
	janitorDeletedTotal *prometheus.CounterVec
	contractStatusTotal *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	authRejectedTotal   *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	lockAcquireTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Provisioning lock acquisition attempts by result.",
		},
		[]string{"result"},
	)
	lockReleaseTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "lock",
			Name:      "release_total",
			Help:      "Provisioning locks cleared by their holder, by outcome.",
		},
		[]string{"op"},
	)
	lockNotHolderTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "lock",
			Name:      "not_holder_total",
			Help:      "Lock operations rejected because the caller did not hold the lock.",
		},
		[]string{"op"},
	)
	lockHoldSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetd",
			Subsystem: "lock",
			Name:      "hold_duration_seconds",
			Help:      "Time from lock acquisition to release by the holder.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"op"},
	)
	sweepRunsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "lock",
			Name:      "sweep_runs_total",
			Help:      "Lock expiry sweeper runs by result.",
		},
		[]string{"result"},
	)
	sweepClearedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "lock",
			Name:      "sweep_cleared_total",
			Help:      "Expired provisioning locks cleared by the sweeper.",
		},
	)
	reconcileVerdicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Name:      "reconcile_verdicts_total",
			Help:      "Reconciliation verdicts returned to agents.",
		},
		[]string{"verdict"},
	)
	setupTokenIssued := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "setup_token",
			Name:      "issued_total",
			Help:      "Setup tokens issued.",
		},
	)
	setupTokenRedeem := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "setup_token",
			Name:      "redeem_total",
			Help:      "Setup token redemption attempts by result.",
		},
		[]string{"result"},
	)
	janitorDeletedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "janitor",
			Name:      "deleted_total",
			Help:      "Rows removed by the janitor by kind.",
		},
		[]string{"kind"},
	)
	contractStatusTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "contract",
			Name:      "status_total",
			Help:      "Contract status transitions by target status.",
		},
		[]string{"status"},
	)
	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by listener, method and status code.",
		},
		[]string{"listener", "method", "code"},
	)
	authRejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "http",
			Name:      "auth_rejected_total",
			Help:      "Requests refused by listener auth, by reason.",
		},
		[]string{"listener", "reason"},
	)

	registry.MustRegister(
		lockAcquireTotal,
		lockReleaseTotal,
		lockNotHolderTotal,
		lockHoldSeconds,
		sweepRunsTotal,
		sweepClearedTotal,
		reconcileVerdicts,
		setupTokenIssued,
		setupTokenRedeem,
		janitorDeletedTotal,
		contractStatusTotal,
		httpRequestsTotal,
		authRejectedTotal,
	)

	return &Metrics{
		registry:            registry,
		lockAcquireTotal:    lockAcquireTotal,
		lockReleaseTotal:    lockReleaseTotal,
		lockNotHolderTotal:  lockNotHolderTotal,
		lockHoldSeconds:     lockHoldSeconds,
		sweepRunsTotal:      sweepRunsTotal,
		sweepClearedTotal:   sweepClearedTotal,
		reconcileVerdicts:   reconcileVerdicts,
		setupTokenIssued:    setupTokenIssued,
		setupTokenRedeem:    setupTokenRedeem,
		janitorDeletedTotal: janitorDeletedTotal,
		contractStatusTotal: contractStatusTotal,
		httpRequestsTotal:   httpRequestsTotal,
		authRejectedTotal:   authRejectedTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler counts requests served by next under listener.
func (m *Metrics) InstrumentHandler(listener string, next http.Handler) http.Handler {
	if m == nil || next == nil {
		return next
	}
	counter := m.httpRequestsTotal.MustCurryWith(prometheus.Labels{"listener": listener})
	return promhttp.InstrumentHandlerCounter(counter, next)
}

func (m *Metrics) IncAuthRejected(listener, reason string) {
	if m == nil {
		return
	}
	m.authRejectedTotal.WithLabelValues(labelOrUnknown(listener), labelOrUnknown(reason)).Inc()
}

func (m *Metrics) IncLockAcquire(result string) {
	if m == nil {
		return
	}
	m.lockAcquireTotal.WithLabelValues(labelOrUnknown(result)).Inc()
}

func (m *Metrics) IncLockNotHolder(op string) {
	if m == nil {
		return
	}
	m.lockNotHolderTotal.WithLabelValues(labelOrUnknown(op)).Inc()
}

func (m *Metrics) ObserveLockRelease(op string, held time.Duration) {
	if m == nil {
		return
	}
	op = labelOrUnknown(op)
	m.lockReleaseTotal.WithLabelValues(op).Inc()
	if seconds := held.Seconds(); seconds >= 0 {
		m.lockHoldSeconds.WithLabelValues(op).Observe(seconds)
	}
}

func (m *Metrics) ObserveSweep(cleared int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.sweepRunsTotal.WithLabelValues("ok").Inc()
	if cleared > 0 {
		m.sweepClearedTotal.Add(float64(cleared))
	}
}

func (m *Metrics) AddReconcileVerdicts(result models.ReconcileResult) {
	if m == nil {
		return
	}
	m.reconcileVerdicts.WithLabelValues("keep").Add(float64(len(result.Keep)))
	m.reconcileVerdicts.WithLabelValues("terminate").Add(float64(len(result.Terminate)))
	m.reconcileVerdicts.WithLabelValues("unknown").Add(float64(len(result.Unknown)))
}

func (m *Metrics) IncSetupTokenIssued() {
	if m == nil {
		return
	}
	m.setupTokenIssued.Inc()
}

func (m *Metrics) IncSetupTokenRedeem(result string) {
	if m == nil {
		return
	}
	m.setupTokenRedeem.WithLabelValues(labelOrUnknown(result)).Inc()
}

func (m *Metrics) AddJanitorDeleted(kind string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.janitorDeletedTotal.WithLabelValues(labelOrUnknown(kind)).Add(float64(count))
}

func (m *Metrics) IncContractStatus(status models.ContractStatus) {
	if m == nil {
		return
	}
	m.contractStatusTotal.WithLabelValues(string(status)).Inc()
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
