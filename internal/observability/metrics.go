package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xtst"

var (
	registerOnce sync.Once

	connectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted protocol connections.",
		},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Protocol connections currently being served.",
		},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Protocol commands by command and outcome.",
		},
		[]string{"command", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Protocol command duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)
	registryReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "reloads_total",
			Help:      "Handler registry reloads by result.",
		},
		[]string{"result"},
	)
	registryHandlers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "handlers",
			Help:      "Handlers in the live registry snapshot.",
		},
	)
	pipelineReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "reloads_total",
			Help:      "Pipeline source recompiles by result.",
		},
		[]string{"result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultWarning = "warning"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionsTotal,
			connectionsActive,
			commandsTotal,
			requestDuration,
			registryReloads,
			registryHandlers,
			pipelineReloads,
			httpRequests,
			httpDuration,
		)
	})
}

// ConnectionOpened counts a new connection; the returned func marks it done.
func ConnectionOpened() func() {
	RegisterMetrics()
	connectionsTotal.Inc()
	connectionsActive.Inc()
	return connectionsActive.Dec
}

func RecordCommand(command, status string, duration time.Duration) {
	RegisterMetrics()
	commandsTotal.WithLabelValues(command, status).Inc()
	requestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func RecordRegistryReload(result string, handlers int) {
	RegisterMetrics()
	registryReloads.WithLabelValues(result).Inc()
	if result != ResultError {
		registryHandlers.Set(float64(handlers))
	}
}

func SetRegistryHandlers(handlers int) {
	RegisterMetrics()
	registryHandlers.Set(float64(handlers))
}

func RecordPipelineReload(result string) {
	RegisterMetrics()
	pipelineReloads.WithLabelValues(result).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
