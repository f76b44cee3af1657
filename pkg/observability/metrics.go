package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Balance metrics
	ChargesTotal           *prometheus.CounterVec
	ChargedAmountTotal     *prometheus.CounterVec
	RevisionConflictsTotal *prometheus.CounterVec

	// Commerce metrics
	CheckoutsTotal      *prometheus.CounterVec
	RefundsTotal        *prometheus.CounterVec
	DeliveredItemsTotal prometheus.Counter

	// Ledger metrics
	LedgerWritesTotal *prometheus.CounterVec

	// Registry cache metrics
	CacheLookupsTotal *prometheus.CounterVec

	// Rollover metrics
	RolloverResetsTotal   prometheus.Counter
	RolloverFailuresTotal prometheus.Counter

	// Database pool metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBWaitCount        prometheus.Gauge
}

// NewMetrics creates and registers all metrics on registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollbooth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollbooth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollbooth_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		ChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollbooth_balance_charges_total",
				Help: "Successful balance charges by bucket",
			},
			[]string{"bucket"},
		),
		ChargedAmountTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollbooth_balance_charged_amount_total",
				Help: "Amount charged by bucket",
			},
			[]string{"bucket"},
		),
		RevisionConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollbooth_balance_revision_conflicts_total",
				Help: "Compare-and-swap conflicts by balance operation",
			},
			[]string{"operation"},
		),

		CheckoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollbooth_checkouts_total",
				Help: "Checkouts by outcome",
			},
			[]string{"outcome"},
		),
		RefundsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollbooth_refunds_total",
				Help: "Refunds by outcome",
			},
			[]string{"outcome"},
		),
		DeliveredItemsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollbooth_delivered_items_total",
				Help: "Signed download grants issued",
			},
		),

		LedgerWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollbooth_ledger_writes_total",
				Help: "Ledger writes by kind and whether a new entry was inserted",
			},
			[]string{"kind", "result"},
		),

		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollbooth_registry_cache_lookups_total",
				Help: "Registry cache lookups by key kind and serving layer",
			},
			[]string{"kind", "layer"},
		),

		RolloverResetsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollbooth_rollover_resets_total",
				Help: "Balances reset by the rollover job",
			},
		),
		RolloverFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollbooth_rollover_failures_total",
				Help: "Balances the rollover job failed to reset",
			},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollbooth_db_connections_open",
				Help: "Open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollbooth_db_connections_in_use",
				Help: "Database connections in use",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollbooth_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.ChargesTotal,
		m.ChargedAmountTotal,
		m.RevisionConflictsTotal,
		m.CheckoutsTotal,
		m.RefundsTotal,
		m.DeliveredItemsTotal,
		m.LedgerWritesTotal,
		m.CacheLookupsTotal,
		m.RolloverResetsTotal,
		m.RolloverFailuresTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBWaitCount,
	)
	return m
}

// RecordCharge counts a committed charge portion
func (m *Metrics) RecordCharge(bucket billing.Bucket, amount decimal.Decimal) {
	m.ChargesTotal.WithLabelValues(bucket.String()).Inc()
	m.ChargedAmountTotal.WithLabelValues(bucket.String()).Add(amount.InexactFloat64())
}

// RecordRevisionConflict counts a lost compare-and-swap
func (m *Metrics) RecordRevisionConflict(operation string) {
	m.RevisionConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordCheckout counts a checkout outcome
func (m *Metrics) RecordCheckout(outcome string) {
	m.CheckoutsTotal.WithLabelValues(outcome).Inc()
}

// RecordRefund counts a refund outcome
func (m *Metrics) RecordRefund(outcome string) {
	m.RefundsTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery counts issued grants
func (m *Metrics) RecordDelivery(items int) {
	m.DeliveredItemsTotal.Add(float64(items))
}

// RecordLedgerWrite counts a ledger write
func (m *Metrics) RecordLedgerWrite(kind string, inserted bool) {
	result := "replayed"
	if inserted {
		result = "inserted"
	}
	m.LedgerWritesTotal.WithLabelValues(kind, result).Inc()
}

// RecordCacheLookup counts a registry cache lookup
func (m *Metrics) RecordCacheLookup(kind, layer string) {
	m.CacheLookupsTotal.WithLabelValues(kind, layer).Inc()
}

// RecordRollover counts the result of a rollover run
func (m *Metrics) RecordRollover(reset, failed int64) {
	m.RolloverResetsTotal.Add(float64(reset))
	m.RolloverFailuresTotal.Add(float64(failed))
}

// ObserveDBStats copies connection pool stats into the gauges
func (m *Metrics) ObserveDBStats(db *sql.DB) {
	stats := db.Stats()
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments requests. Routes are labelled by their
// mux path template so subscriber and receipt IDs do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
