package watchdog

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	passes          *prometheus.CounterVec
	passDuration    prometheus.Histogram
	admitted        prometheus.Counter
	jobsFailed      *prometheus.CounterVec
	tilesReset      *prometheus.CounterVec
	tilesDispatched *prometheus.CounterVec
	composites      *prometheus.CounterVec
	phaseErrors     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileforge_watchdog_passes_total",
			Help: "Watchdog passes by result (ok, partial, locked).",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tileforge_watchdog_pass_duration_seconds",
			Help:    "Wall time of one watchdog pass holding the lock.",
			Buckets: prometheus.DefBuckets,
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileforge_watchdog_admitted_jobs_total",
			Help: "Pending jobs admitted into tiling.",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileforge_watchdog_failed_jobs_total",
			Help: "Jobs failed by the watchdog, by reason.",
		}, []string{"reason"}),
		tilesReset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileforge_watchdog_reset_tiles_total",
			Help: "Stalled tiles moved to a failed status, by the status they stalled in.",
		}, []string{"status"}),
		tilesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileforge_watchdog_dispatched_tiles_total",
			Help: "Tiles handed to analysis or generation workers.",
		}, []string{"task"}),
		composites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileforge_watchdog_compositor_triggers_total",
			Help: "Compositor invocations issued by the watchdog (start, resume).",
		}, []string{"kind"}),
		phaseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileforge_watchdog_phase_errors_total",
			Help: "Watchdog phases that returned an error.",
		}, []string{"phase"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.passes,
			m.passDuration,
			m.admitted,
			m.jobsFailed,
			m.tilesReset,
			m.tilesDispatched,
			m.composites,
			m.phaseErrors,
		)
	}
	return m
}

func (m *Metrics) observePass(result string, seconds float64) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(result).Inc()
	if result != "locked" {
		m.passDuration.Observe(seconds)
	}
}

func (m *Metrics) observeAdmitted() {
	if m == nil {
		return
	}
	m.admitted.Inc()
}

func (m *Metrics) observeJobFailed(reason string) {
	if m == nil {
		return
	}
	m.jobsFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeTileReset(status string) {
	if m == nil {
		return
	}
	m.tilesReset.WithLabelValues(status).Inc()
}

func (m *Metrics) observeDispatched(task string) {
	if m == nil {
		return
	}
	m.tilesDispatched.WithLabelValues(task).Inc()
}

func (m *Metrics) observeComposite(kind string) {
	if m == nil {
		return
	}
	m.composites.WithLabelValues(kind).Inc()
}

func (m *Metrics) observePhaseError(phase string) {
	if m == nil {
		return
	}
	m.phaseErrors.WithLabelValues(phase).Inc()
}
