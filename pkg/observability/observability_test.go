package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger("debug", "json", &buf)
	require.NoError(t, err)
	log.WithField("subscriber_id", "sub_1").Debug("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "sub_1", line["subscriber_id"])

	_, err = NewLogger("loud", "json", &buf)
	assert.Error(t, err)
	_, err = NewLogger("info", "xml", &buf)
	assert.Error(t, err)
}

func TestFromContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", FromContext(ctx).Data["request_id"])

	var buf bytes.Buffer
	log, err := NewLogger("info", "text", &buf)
	require.NoError(t, err)
	ctx = WithLogger(ctx, log.WithField("route", "/x"))
	entry := FromContext(ctx)
	assert.Equal(t, "/x", entry.Data["route"])
	assert.Equal(t, log, entry.Logger)
}

func TestMetricsRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCharge(billing.BucketOnDemand, decimal.RequireFromString("2.50"))
	m.RecordCharge(billing.BucketOnDemand, decimal.RequireFromString("1.50"))
	m.RecordCheckout("completed")
	m.RecordLedgerWrite("usage", true)
	m.RecordLedgerWrite("usage", false)
	m.RecordCacheLookup("record", "l1")
	m.RecordRollover(3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChargesTotal.WithLabelValues("on_demand")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ChargedAmountTotal.WithLabelValues("on_demand")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckoutsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerWritesTotal.WithLabelValues("usage", "replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("record", "l1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RolloverResetsTotal))
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	r := mux.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.HandleFunc("/v1/receipts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", MetricsHandler(reg))

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/receipts/"+id, nil))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/receipts/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "tollbooth_http_requests_total")
}

func TestHealthChecker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHealthChecker(db, client, "test")
	h.AddCheck("objectstore", false, func(ctx context.Context) error { return nil })

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	status := h.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Len(t, status.Dependencies, 3)

	mr.Close()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	status = h.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)

	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))
	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdownManager_RunsStepsInReverse(t *testing.T) {
	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})
	sm := NewShutdownManager(log, time.Second)

	var order []string
	sm.Register("db", func(context.Context) error { order = append(order, "db"); return nil })
	sm.Register("ledger", func(context.Context) error { order = append(order, "ledger"); return errors.New("flush failed") })

	err := sm.Shutdown()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "flush failed"))
	assert.Equal(t, []string{"ledger", "db"}, order)
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)

	called := false
	func() {
		defer RecoverPanicWithCallback(log, "worker", func() { called = true })
		panic("boom")
	}()
	assert.True(t, called)
	assert.Contains(t, buf.String(), "PANIC recovered")
	assert.Error(t, MustRecover("x"))
	assert.NoError(t, MustRecover(nil))
}

func TestOTel_DisabledIsNoop(t *testing.T) {
	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})

	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, log)
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.NoError(t, ShutdownOTel(context.Background(), providers, log))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
