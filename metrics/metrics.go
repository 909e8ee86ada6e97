package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reasons a reading can be dropped before delivery
const (
	DropReasonValidation     = "validation"
	DropReasonTenantMismatch = "tenant_mismatch"
	DropReasonSlowClient     = "slow_client"
	DropReasonDispatchFull   = "dispatch_queue_full"
)

// Reporter collection point for pipeline operation metrics
type Reporter interface {
	// ConnectionOpened a client connection entered Active
	ConnectionOpened(tenantID string)
	// ConnectionClosed a client connection was torn down
	ConnectionClosed(tenantID string)
	// ReadingPublished a reading was published toward the broker
	ReadingPublished(tenantID string)
	// ReadingDelivered a reading was fanned out to local recipients
	ReadingDelivered(tenantID string, recipients int)
	// ReadingDropped a reading was discarded before delivery
	ReadingDropped(reason string)
	// AuthFailure a client credential was rejected
	AuthFailure()
	// BrokerReconnect the broker connection was re-established
	BrokerReconnect()
}

// ===============================================================================

// nopReporter discards all observations
type nopReporter struct{}

// NewNopReporter get a Reporter which discards all observations
func NewNopReporter() Reporter {
	return &nopReporter{}
}

func (r *nopReporter) ConnectionOpened(string)      {}
func (r *nopReporter) ConnectionClosed(string)      {}
func (r *nopReporter) ReadingPublished(string)      {}
func (r *nopReporter) ReadingDelivered(string, int) {}
func (r *nopReporter) ReadingDropped(string)        {}
func (r *nopReporter) AuthFailure()                 {}
func (r *nopReporter) BrokerReconnect()             {}

// ===============================================================================

// PrometheusReporter implements Reporter against a dedicated prometheus registry
type PrometheusReporter struct {
	registry          *prometheus.Registry
	activeConnections *prometheus.GaugeVec
	readingsPublished *prometheus.CounterVec
	readingsDelivered *prometheus.CounterVec
	readingsDropped   *prometheus.CounterVec
	authFailures      prometheus.Counter
	brokerReconnects  prometheus.Counter
}

// NewPrometheusReporter define a new PrometheusReporter
func NewPrometheusReporter() *PrometheusReporter {
	registry := prometheus.NewRegistry()
	reporter := &PrometheusReporter{
		registry: registry,
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of live client connections owned by this gateway",
		}, []string{"tenant"}),
		readingsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_readings_published_total",
			Help: "Readings published toward the broker",
		}, []string{"tenant"}),
		readingsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_readings_delivered_total",
			Help: "Reading copies written to client sockets",
		}, []string{"tenant"}),
		readingsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_readings_dropped_total",
			Help: "Readings discarded before delivery",
		}, []string{"reason"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Client credential verification failures",
		}),
		brokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_broker_reconnects_total",
			Help: "Broker connection re-establishments",
		}),
	}
	registry.MustRegister(
		reporter.activeConnections,
		reporter.readingsPublished,
		reporter.readingsDelivered,
		reporter.readingsDropped,
		reporter.authFailures,
		reporter.brokerReconnects,
	)
	return reporter
}

// Handler expose the metrics over HTTP
func (r *PrometheusReporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened a client connection entered Active
func (r *PrometheusReporter) ConnectionOpened(tenantID string) {
	r.activeConnections.WithLabelValues(tenantID).Inc()
}

// ConnectionClosed a client connection was torn down
func (r *PrometheusReporter) ConnectionClosed(tenantID string) {
	r.activeConnections.WithLabelValues(tenantID).Dec()
}

// ReadingPublished a reading was published toward the broker
func (r *PrometheusReporter) ReadingPublished(tenantID string) {
	r.readingsPublished.WithLabelValues(tenantID).Inc()
}

// ReadingDelivered a reading was fanned out to local recipients
func (r *PrometheusReporter) ReadingDelivered(tenantID string, recipients int) {
	r.readingsDelivered.WithLabelValues(tenantID).Add(float64(recipients))
}

// ReadingDropped a reading was discarded before delivery
func (r *PrometheusReporter) ReadingDropped(reason string) {
	r.readingsDropped.WithLabelValues(reason).Inc()
}

// AuthFailure a client credential was rejected
func (r *PrometheusReporter) AuthFailure() {
	r.authFailures.Inc()
}

// BrokerReconnect the broker connection was re-established
func (r *PrometheusReporter) BrokerReconnect() {
	r.brokerReconnects.Inc()
}
