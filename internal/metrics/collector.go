// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records the subsystem's Prometheus metrics.
type Collector struct {
	// HTTP surface
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Outbound peer traffic
	peerRequestsTotal   *prometheus.CounterVec
	peerRequestDuration *prometheus.HistogramVec

	// Discovery and registry
	discoveryEventsTotal *prometheus.CounterVec
	peersByStatus        *prometheus.GaugeVec

	// Authentication and sync
	authHandshakesTotal *prometheus.CounterVec
	syncOperationsTotal *prometheus.CounterVec
	syncEntriesTotal    *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on the given registry, so
// independent instances can coexist in tests. A nil registry falls back to
// the default one.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

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

	c.peerRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_requests_total",
			Help:      "Total number of outbound peer requests",
		},
		[]string{"operation", "status"},
	)

	c.peerRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "peer_request_duration_seconds",
			Help:      "Outbound peer request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	c.discoveryEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_events_total",
			Help:      "Total number of peer discovery events",
		},
		[]string{"event"}, // discovered, removed, validated
	)

	c.peersByStatus = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of known peers by status",
		},
		[]string{"status"},
	)

	c.authHandshakesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_handshakes_total",
			Help:      "Total number of authentication handshakes",
		},
		[]string{"result"}, // verified, rejected
	)

	c.syncOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_operations_total",
			Help:      "Total number of context sync operations",
		},
		[]string{"direction", "status"},
	)

	c.syncEntriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_entries_total",
			Help:      "Total number of context entries exchanged",
		},
		[]string{"direction"}, // sent, received
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one inbound HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPeerRequest records one outbound request to a peer.
func (c *Collector) RecordPeerRequest(operation string, success bool, duration time.Duration) {
	c.peerRequestsTotal.WithLabelValues(operation, boolStatus(success)).Inc()
	c.peerRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDiscoveryEvent records a discovery lifecycle event.
func (c *Collector) RecordDiscoveryEvent(event string) {
	c.discoveryEventsTotal.WithLabelValues(event).Inc()
}

// SetPeerCount sets the gauge for one peer status.
func (c *Collector) SetPeerCount(status string, count int) {
	c.peersByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordAuthHandshake records an authentication handshake outcome.
func (c *Collector) RecordAuthHandshake(verified bool) {
	result := "rejected"
	if verified {
		result = "verified"
	}
	c.authHandshakesTotal.WithLabelValues(result).Inc()
}

// RecordSync records one sync operation and the entries it moved.
func (c *Collector) RecordSync(direction string, success bool, sent, received int) {
	c.syncOperationsTotal.WithLabelValues(direction, boolStatus(success)).Inc()
	if sent > 0 {
		c.syncEntriesTotal.WithLabelValues("sent").Add(float64(sent))
	}
	if received > 0 {
		c.syncEntriesTotal.WithLabelValues("received").Add(float64(received))
	}
}

// statusCode buckets an HTTP status code into a class label.
func statusCode(code int) string {
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

func boolStatus(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
