package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns the process's metric vectors.
type Collector struct {
	framesTotal   prometheus.Counter
	frameDuration prometheus.Histogram

	dispatchesTotal  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	tokensUsed *prometheus.CounterVec
	costTotal  prometheus.Counter

	executionsTotal *prometheus.CounterVec
	stateWrites     prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	wsClients           prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers the metric vectors on the default registerer.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return newCollector(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith registers on reg instead of the default registerer.
// Tests use it to avoid duplicate registration across cases.
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	return newCollector(reg, namespace, logger)
}

func newCollector(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.framesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Total number of convergence loop frames",
	})

	c.frameDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "frame_duration_seconds",
		Help:      "Frame duration in seconds, evaluation through dispatch",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
	})

	c.dispatchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_dispatches_total",
			Help:      "Total number of node dispatches",
		},
		[]string{"node_type", "status"},
	)

	c.dispatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_dispatch_duration_seconds",
			Help:      "Node dispatch duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"node_type"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens consumed by dispatches",
		},
		[]string{"type"},
	)

	c.costTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cost_total",
		Help:      "Total backend cost in USD",
	})

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of finished executions",
		},
		[]string{"status"},
	)

	c.stateWrites = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_writes_total",
		Help:      "Total number of durable state cell writes",
	})

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.wsClients = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_clients",
		Help:      "Number of connected WebSocket clients",
	})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// ObserveFrame records one completed frame.
func (c *Collector) ObserveFrame(duration time.Duration) {
	if c == nil {
		return
	}
	c.framesTotal.Inc()
	c.frameDuration.Observe(duration.Seconds())
}

// ObserveDispatch records one node dispatch with its terminal status.
func (c *Collector) ObserveDispatch(nodeType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dispatchesTotal.WithLabelValues(nodeType, status).Inc()
	c.dispatchDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// AddUsage records token and cost consumption from one dispatch.
func (c *Collector) AddUsage(promptTokens, completionTokens int, cost float64) {
	if c == nil {
		return
	}
	c.tokensUsed.WithLabelValues("prompt").Add(float64(promptTokens))
	c.tokensUsed.WithLabelValues("completion").Add(float64(completionTokens))
	c.costTotal.Add(cost)
}

// ObserveExecutionFinished records an execution reaching a terminal status.
func (c *Collector) ObserveExecutionFinished(status string) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(status).Inc()
}

// ObserveStateWrite records one durable cell write.
func (c *Collector) ObserveStateWrite() {
	if c == nil {
		return
	}
	c.stateWrites.Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// WSClientConnected adjusts the connected client gauge.
func (c *Collector) WSClientConnected(delta int) {
	if c == nil {
		return
	}
	c.wsClients.Add(float64(delta))
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
