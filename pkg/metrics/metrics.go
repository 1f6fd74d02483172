package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "media_hls"

// Metrics holds the collectors for the encode queue and HTTP layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	queueDepth    prometheus.Gauge
	busy          prometheus.Gauge
	jobs          *prometheus.CounterVec
	encodeSeconds prometheus.Histogram
	requests      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encode_queue_pending",
			Help:      "Jobs waiting for the encode worker.",
		}),
		busy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encode_worker_busy",
			Help:      "1 while a transcode is running.",
		}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encode_jobs_total",
			Help:      "Finished encode jobs by outcome.",
		}, []string{"outcome"}),
		encodeSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encode_duration_seconds",
			Help:      "Wall time of a single transcode.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.busy.Set(1)
		return
	}
	m.busy.Set(0)
}

func (m *Metrics) ObserveJob(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
	m.encodeSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRequest(method, route string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
