package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for sqlbridge.
type Collector struct {
	clientConnections  *prometheus.GaugeVec
	prepareDuration    *prometheus.HistogramVec
	prepareFailures    *prometheus.CounterVec
	handshakes         *prometheus.CounterVec
	connectRetries     prometheus.Counter
	readWriteFallbacks prometheus.Counter
	poolIdle           *prometheus.GaugeVec
	poolHits           *prometheus.CounterVec
	poolRejected       *prometheus.CounterVec
	destinationHealth  *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Collector {
	c := &Collector{
		clientConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlbridge_client_connections",
				Help: "Number of open client connections",
			},
			[]string{"mode"},
		),
		prepareDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlbridge_prepare_duration_seconds",
				Help:    "Duration of backend connection preparation in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
			},
			[]string{"mode"},
		),
		prepareFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbridge_prepare_failures_total",
				Help: "Total failed backend connection preparations",
			},
			[]string{"mode"},
		),
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbridge_backend_handshakes_total",
				Help: "Backend handshakes by kind (full, change_user, reset)",
			},
			[]string{"kind"},
		),
		connectRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlbridge_connect_retries_total",
				Help: "Total transient-error connect retries",
			},
		),
		readWriteFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlbridge_read_write_fallbacks_total",
				Help: "Total read-only to read-write fallbacks",
			},
		),
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlbridge_pool_idle_connections",
				Help: "Idle pooled backend connections per destination",
			},
			[]string{"addr"},
		),
		poolHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbridge_pool_hits_total",
				Help: "Pool reuse hits per destination",
			},
			[]string{"addr"},
		),
		poolRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbridge_pool_rejected_total",
				Help: "Connections rejected by a full pool per destination",
			},
			[]string{"addr"},
		),
		destinationHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlbridge_destination_health",
				Help: "Health status of a destination (1=healthy, 0=unhealthy)",
			},
			[]string{"destination"},
		),
	}

	prometheus.MustRegister(
		c.clientConnections,
		c.prepareDuration,
		c.prepareFailures,
		c.handshakes,
		c.connectRetries,
		c.readWriteFallbacks,
		c.poolIdle,
		c.poolHits,
		c.poolRejected,
		c.destinationHealth,
	)

	return c
}

// ClientConnected increments the open client connection gauge.
func (c *Collector) ClientConnected(mode string) {
	c.clientConnections.WithLabelValues(mode).Inc()
}

// ClientDisconnected decrements the open client connection gauge.
func (c *Collector) ClientDisconnected(mode string) {
	c.clientConnections.WithLabelValues(mode).Dec()
}

// PrepareDuration observes one backend preparation.
func (c *Collector) PrepareDuration(mode string, d time.Duration) {
	c.prepareDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// PrepareFailed counts a failed backend preparation.
func (c *Collector) PrepareFailed(mode string) {
	c.prepareFailures.WithLabelValues(mode).Inc()
}

// Handshake counts a backend handshake by kind.
func (c *Collector) Handshake(kind string) {
	c.handshakes.WithLabelValues(kind).Inc()
}

// ConnectRetry counts a transient-error connect retry.
func (c *Collector) ConnectRetry() {
	c.connectRetries.Inc()
}

// ReadWriteFallback counts a read-only to read-write fallback.
func (c *Collector) ReadWriteFallback() {
	c.readWriteFallbacks.Inc()
}

// UpdatePoolStats updates the pool gauges for a destination.
func (c *Collector) UpdatePoolStats(addr string, idle int) {
	c.poolIdle.WithLabelValues(addr).Set(float64(idle))
}

// PoolHit counts a pool reuse.
func (c *Collector) PoolHit(addr string) {
	c.poolHits.WithLabelValues(addr).Inc()
}

// PoolRejected counts a full-pool rejection.
func (c *Collector) PoolRejected(addr string) {
	c.poolRejected.WithLabelValues(addr).Inc()
}

// SetDestinationHealth sets the health gauge for a destination.
func (c *Collector) SetDestinationHealth(name string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.destinationHealth.WithLabelValues(name).Set(val)
}
