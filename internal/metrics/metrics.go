package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medx"

// Metrics holds the service collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	ticks        prometheus.Counter
	ticksSkipped prometheus.Counter
	tickDuration prometheus.Histogram
	schedulers   prometheus.Gauge

	dispatches *prometheus.CounterVec
	suppressed *prometheus.CounterVec
	failures   *prometheus.CounterVec
	caregiver  *prometheus.CounterVec
	requests   *prometheus.CounterVec
	toastConns prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),

		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Classify and dispatch passes run.",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_skipped_total",
			Help: "Ticks dropped because the previous pass was still running.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
			Help:    "Duration of one pass.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		schedulers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "running",
			Help: "Schedulers currently running.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "delivered_total",
			Help: "Notifications delivered, by channel and kind.",
		}, []string{"channel", "kind"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "suppressed_total",
			Help: "Notifications suppressed as duplicates, by kind.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "failures_total",
			Help: "Dispatch step failures, by error code.",
		}, []string{"code"}),
		caregiver: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "caregiver", Name: "alerts_total",
			Help: "Caregiver alerts sent, by medium and reason.",
		}, []string{"medium", "reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests, by status class.",
		}, []string{"status"}),
		toastConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "toast", Name: "connections",
			Help: "Open toast websocket connections.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.ticksSkipped, m.tickDuration, m.schedulers,
		m.dispatches, m.suppressed, m.failures, m.caregiver,
		m.requests, m.toastConns,
	)
	return m
}

func (m *Metrics) RecordTick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordSkippedTick() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

func (m *Metrics) SchedulerStarted() {
	if m == nil {
		return
	}
	m.schedulers.Inc()
}

func (m *Metrics) SchedulerStopped() {
	if m == nil {
		return
	}
	m.schedulers.Dec()
}

func (m *Metrics) RecordDelivered(channel, kind string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(channel, kind).Inc()
}

func (m *Metrics) RecordSuppressed(kind string) {
	if m == nil {
		return
	}
	m.suppressed.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordFailure(code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordCaregiverAlert(medium, reason string) {
	if m == nil {
		return
	}
	m.caregiver.WithLabelValues(medium, reason).Inc()
}

// RecordRequest counts an HTTP response by status class ("2xx", "4xx", ...).
func (m *Metrics) RecordRequest(status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(statusClass(status)).Inc()
}

func (m *Metrics) IncrementToastConnections() {
	if m == nil {
		return
	}
	m.toastConns.Inc()
}

func (m *Metrics) DecrementToastConnections() {
	if m == nil {
		return
	}
	m.toastConns.Dec()
}

// Uptime is the time since the collectors were created.
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	}
	return "1xx"
}
