// Package metrics exposes Prometheus counters for federation traffic and
// serves them on a dedicated listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics holds the federation counters. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	InboxActivities *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	ActorFetches    *prometheus.CounterVec
}

// NewMetrics creates and registers the counters under namespace.
func NewMetrics(namespace string, registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		InboxActivities: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_activities_total",
			Help:      "Inbound activities by type and outcome",
		}, []string{"type", "result"}),
		Deliveries: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound signed deliveries by outcome",
		}, []string{"result"}),
		ActorFetches: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actor_fetches_total",
			Help:      "Remote actor fetches by outcome",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveInbox(activityType, result string) {
	if m == nil {
		return
	}
	if activityType == "" {
		activityType = "unknown"
	}
	m.InboxActivities.WithLabelValues(activityType, result).Inc()
}

func (m *Metrics) ObserveDelivery(result string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveActorFetch(result string) {
	if m == nil {
		return
	}
	m.ActorFetches.WithLabelValues(result).Inc()
}

// MetricsServer serves a private Prometheus registry on /metrics.
type MetricsServer struct {
	Metrics  *Metrics
	registry *prometheus.Registry
	srv      *http.Server
}

func New(namespace, listenAddr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		Metrics:  NewMetrics(namespace, registry),
		registry: registry,
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Handler returns the /metrics handler, mainly for tests.
func (s *MetricsServer) Handler() http.Handler {
	return s.srv.Handler
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
