package compositor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	runs          *prometheus.CounterVec
	tilesDrawn    prometheus.Counter
	batchDuration prometheus.Histogram
	checkpoints   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileforge_compositor_runs_total",
			Help: "Compositor invocations by outcome.",
		}, []string{"outcome"}),
		tilesDrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileforge_compositor_tiles_drawn_total",
			Help: "Tiles blended onto a canvas.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tileforge_compositor_batch_duration_seconds",
			Help:    "Wall time of one compositor invocation that held the lease.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileforge_compositor_checkpoints_total",
			Help: "Checkpoints written between batches.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.tilesDrawn, m.batchDuration, m.checkpoints)
	}
	return m
}

func (m *Metrics) observeRun(outcome Outcome) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeBatch(tiles int, seconds float64) {
	if m == nil {
		return
	}
	m.tilesDrawn.Add(float64(tiles))
	m.batchDuration.Observe(seconds)
}

func (m *Metrics) observeCheckpoint() {
	if m == nil {
		return
	}
	m.checkpoints.Inc()
}
