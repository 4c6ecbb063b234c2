package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestrator"

// Metrics holds the Prometheus collectors for the API and worker processes.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	deploymentsStarted  *prometheus.CounterVec
	deploymentsFinished *prometheus.CounterVec
	deploymentDuration  *prometheus.HistogramVec
	classifiedErrors    *prometheus.CounterVec

	commandDuration *prometheus.HistogramVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	// provisioning runs last minutes, not milliseconds
	longBuckets := []float64{5, 15, 30, 60, 120, 300, 600, 1200}

	m := &Metrics{
		registry: registry,

		deploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Deployments picked up by a worker",
			},
			[]string{"provider_type"},
		),
		deploymentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_finished_total",
				Help:      "Deployments that reached a terminal status",
			},
			[]string{"provider_type", "status"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Wall-clock time from RUNNING to a terminal status",
				Buckets:   longBuckets,
			},
			[]string{"provider_type", "status"},
		),
		classifiedErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_errors_total",
				Help:      "Deployment failures by classified error code",
			},
			[]string{"code"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "External tool invocation time",
				Buckets:   longBuckets,
			},
			[]string{"tool", "subcommand", "outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.deploymentsStarted,
		m.deploymentsFinished,
		m.deploymentDuration,
		m.classifiedErrors,
		m.commandDuration,
		m.httpRequests,
		m.httpRequestDuration,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DeploymentStarted(providerType string) {
	if m == nil {
		return
	}
	m.deploymentsStarted.WithLabelValues(providerType).Inc()
}

func (m *Metrics) DeploymentFinished(providerType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.deploymentsFinished.WithLabelValues(providerType, status).Inc()
	m.deploymentDuration.WithLabelValues(providerType, status).Observe(d.Seconds())
}

func (m *Metrics) ClassifiedError(code string) {
	if m == nil {
		return
	}
	m.classifiedErrors.WithLabelValues(code).Inc()
}

// CommandObserved records one external tool run.
func (m *Metrics) CommandObserved(tool, subcommand, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commandDuration.WithLabelValues(tool, subcommand, outcome).Observe(d.Seconds())
}

func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
