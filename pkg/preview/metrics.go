package preview

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the delivery and completion counters of the preview module.
type Metrics struct {
	delivered   *prometheus.CounterVec
	renders     prometheus.Counter
	wait        *prometheus.HistogramVec
	completions *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "previews",
			Name:      "delivered_total",
			Help:      "Preview requests answered, by route and outcome.",
		}, []string{"route", "outcome"}),
		renders: f.NewCounter(prometheus.CounterOpts{
			Namespace: "previews",
			Name:      "renders_requested_total",
			Help:      "Render jobs signalled to the renderer.",
		}),
		wait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "previews",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a render to complete.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"result"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "previews",
			Name:      "completions_total",
			Help:      "Render results reported by workers.",
		}, []string{"status"}),
	}
}

func (m *Metrics) observeDelivery(route, outcome string) {
	m.delivered.WithLabelValues(route, outcome).Inc()
}

func (m *Metrics) observeWait(result string, d time.Duration) {
	m.wait.WithLabelValues(result).Observe(d.Seconds())
}
