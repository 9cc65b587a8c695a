package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/li-yechao/dghost/core/ghost"
	"github.com/li-yechao/dghost/internal/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dghost"

// Metrics holds the collectors of one dghost instance on its own registry. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	installs        *prometheus.CounterVec
	installDuration prometheus.Histogram
	processEvents   *prometheus.CounterVec
	processUp       prometheus.Gauge
	proxyRequests   *prometheus.CounterVec
	proxyDuration   prometheus.Histogram
	identityLookups *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		// Labels: phase (started, succeeded, failed, skipped)
		installs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "installer",
			Name:      "installs_total",
			Help:      "Install attempts by phase",
		}, []string{"phase"}),

		installDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "installer",
			Name:      "install_duration_seconds",
			Help:      "Duration of completed install attempts",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),

		// Labels: kind (launched, stopped, crashed, restarted)
		processEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "process_events_total",
			Help:      "Lifecycle events of the application process",
		}, []string{"kind"}),

		processUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "process_up",
			Help:      "Whether the application process is running",
		}),

		// Labels: code (HTTP status class, e.g. 2xx)
		proxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests forwarded to the application",
		}, []string{"code"}),

		proxyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Latency of requests forwarded to the application",
			Buckets:   prometheus.DefBuckets,
		}),

		// Labels: result (ok, error)
		identityLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "lookups_total",
			Help:      "Identity service lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveInstall(event *ghost.InstallEvent) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(string(event.Phase)).Inc()
	switch event.Phase {
	case ghost.InstallPhaseSucceeded, ghost.InstallPhaseFailed:
		m.installDuration.Observe(event.Duration.Seconds())
	}
}

func (m *Metrics) ObserveProcess(event *ghost.ProcessEvent) {
	if m == nil {
		return
	}
	m.processEvents.WithLabelValues(string(event.Kind)).Inc()
	switch event.Kind {
	case ghost.ProcessEventLaunched:
		m.processUp.Set(1)
	case ghost.ProcessEventStopped, ghost.ProcessEventCrashed:
		m.processUp.Set(0)
	}
}

func (m *Metrics) ObserveProxyRequest(code int, d time.Duration) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(statusClass(code)).Inc()
	m.proxyDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveIdentityLookup(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.identityLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) InstallSubscriber() pubsub.Subscriber[ghost.InstallEvent] {
	return pubsub.SubscriberFunc[ghost.InstallEvent](func(e *ghost.InstallEvent) error {
		m.ObserveInstall(e)
		return nil
	})
}

func (m *Metrics) ProcessSubscriber() pubsub.Subscriber[ghost.ProcessEvent] {
	return pubsub.SubscriberFunc[ghost.ProcessEvent](func(e *ghost.ProcessEvent) error {
		m.ObserveProcess(e)
		return nil
	})
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
