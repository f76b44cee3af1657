// Package observability provides structured logging, Prometheus metrics,
// health probes and OpenTelemetry tracing for the tollbooth binaries.
//
// # Logging
//
// Loggers are *logrus.Logger values built from configuration:
//
//	log, err := observability.NewLogger("info", "json", os.Stdout)
//
// Request-scoped entries travel in the context:
//
//	ctx = observability.WithLogger(ctx, log.WithField("request_id", id))
//	observability.FromContext(ctx).Info("Checkout accepted")
//
// # Metrics
//
// Metrics implements the recorder interfaces of the balance, ledger,
// commerce and registry packages, so business events are counted without
// those packages importing Prometheus:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	balances.SetRecorder(metrics)
//	engine.SetRecorder(metrics)
//
// # Health
//
// HealthChecker pings the database and Redis and runs any extra named
// checks (object storage, ClickHouse). Redis and non-critical checks only
// degrade readiness.
//
// # OpenTelemetry
//
// InitOTel installs OTLP gRPC trace and metric providers globally; spans are
// opened by the commerce engine and the S3 store.
package observability
