package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	tlsConnectionTotal prometheus.Counter
	dialFailuresTotal  prometheus.Counter

	commandsTotal *prometheus.CounterVec

	bytesProxiedTotal *prometheus.CounterVec

	capabilityRewrittenTotal prometheus.Counter
	listingsFilteredTotal    *prometheus.CounterVec
	workerCrashesTotal       prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imaproxy_connections_total",
			Help: "Total number of client connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imaproxy_connections_active",
			Help: "Number of currently active client connections.",
		}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imaproxy_tls_connections_total",
			Help: "Total number of TLS connections established with clients.",
		}),
		dialFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imaproxy_upstream_dial_failures_total",
			Help: "Total number of failed dial attempts to the upstream IMAP server.",
		}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imaproxy_commands_total",
			Help: "Total number of client commands classified and forwarded.",
		}, []string{"command"}),

		bytesProxiedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imaproxy_bytes_proxied_total",
			Help: "Total bytes forwarded between client and upstream.",
		}, []string{"direction"}),

		capabilityRewrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imaproxy_capability_rewritten_total",
			Help: "Total number of CAPABILITY responses with COMPRESS=DEFLATE stripped.",
		}),
		listingsFilteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imaproxy_listings_filtered_total",
			Help: "Total number of LIST/LSUB/XLIST responses with mailboxes removed by the folder filter.",
		}, []string{"folder_type"}),
		workerCrashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imaproxy_worker_crashes_total",
			Help: "Total number of pre-fork worker respawns after an abnormal exit.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.dialFailuresTotal,
		c.commandsTotal,
		c.bytesProxiedTotal,
		c.capabilityRewrittenTotal,
		c.listingsFilteredTotal,
		c.workerCrashesTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

// UpstreamDialFailure increments the upstream dial failure counter.
func (c *PrometheusCollector) UpstreamDialFailure() {
	c.dialFailuresTotal.Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// BytesProxied adds nBytes to the byte counter for direction.
func (c *PrometheusCollector) BytesProxied(direction string, nBytes int64) {
	c.bytesProxiedTotal.WithLabelValues(direction).Add(float64(nBytes))
}

// CapabilityRewritten increments the capability-rewrite counter.
func (c *PrometheusCollector) CapabilityRewritten() {
	c.capabilityRewrittenTotal.Inc()
}

// ListingFiltered increments the listing-filtered counter for folderType.
func (c *PrometheusCollector) ListingFiltered(folderType string) {
	c.listingsFilteredTotal.WithLabelValues(folderType).Inc()
}

// WorkerCrashed increments the worker-crash counter.
func (c *PrometheusCollector) WorkerCrashed() {
	c.workerCrashesTotal.Inc()
}
