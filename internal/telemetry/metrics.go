package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relayer_monitor"

// HTTP request metrics (RED method).
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being processed.",
	})
)

// Collection metrics.
var (
	PollTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poll",
		Name:      "total",
		Help:      "Total number of collection cycles per source.",
	}, []string{"source", "status"})

	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "poll",
		Name:      "duration_seconds",
		Help:      "Duration of a collection cycle per source in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"source"})

	PollLastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "poll",
		Name:      "last_success_timestamp",
		Help:      "Unix timestamp of the last successful collection per source.",
	}, []string{"source"})

	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "poll",
		Name:      "breaker_open",
		Help:      "1 when the circuit breaker for a source is open.",
	}, []string{"source"})

	ItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poll",
		Name:      "items_failed_total",
		Help:      "Balance records that failed processing.",
	}, []string{"source"})

	LinesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poll",
		Name:      "lines_skipped_total",
		Help:      "Malformed metric lines skipped while parsing.",
	}, []string{"source"})
)

// Decimals resolution metrics.
var (
	DecimalsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decimals",
		Name:      "resolved_total",
		Help:      "Decimals resolutions by the tier that answered.",
	}, []string{"tier"})
)

// Alert metrics.
var (
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "raised_total",
		Help:      "Alerts persisted by type and severity.",
	}, []string{"type", "severity"})

	AlertsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "deduplicated_total",
		Help:      "Alerts suppressed by the dedup window.",
	}, []string{"type"})

	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Notifications delivered by channel.",
	}, []string{"channel"})

	AlertsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "failed_total",
		Help:      "Notification deliveries that failed by channel.",
	}, []string{"channel"})
)

// Live connection metrics.
var (
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "connections",
		Help:      "Currently registered live connections.",
	})

	HubConnectionsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "pruned_total",
		Help:      "Connections pruned for a full buffer or a failed write.",
	})
)
