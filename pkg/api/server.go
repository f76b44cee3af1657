package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/commerce"
	"github.com/platinummonkey/tollbooth/pkg/httputil"
	"github.com/platinummonkey/tollbooth/pkg/ledger"
	"github.com/platinummonkey/tollbooth/pkg/middleware"
	"github.com/platinummonkey/tollbooth/pkg/objectstore"
	"github.com/platinummonkey/tollbooth/pkg/observability"
	"github.com/platinummonkey/tollbooth/pkg/registry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	maxBodyBytes    = 1 << 20
	maxPayloadBytes = 256 << 20
)

// Dependencies are the services behind the API. Payloads and Webhook are
// optional; their routes answer 404 when unset. RateLimiter, when set,
// guards the per-subscriber write routes.
type Dependencies struct {
	Engine   *commerce.Engine
	Balances *balance.Service
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Payloads objectstore.PayloadWriter
	Webhook  http.Handler
	Metrics  *observability.Metrics

	RateLimiter middleware.Limiter
}

// Server routes HTTP requests to the services
type Server struct {
	engine   *commerce.Engine
	balances *balance.Service
	registry *registry.Registry
	ledger   *ledger.Ledger
	payloads objectstore.PayloadWriter
	webhook  http.Handler
	metrics  *observability.Metrics
	limit    mux.MiddlewareFunc
	router   *mux.Router
	log      *logrus.Logger
}

// NewServer creates a new API server
func NewServer(deps Dependencies, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		engine:   deps.Engine,
		balances: deps.Balances,
		registry: deps.Registry,
		ledger:   deps.Ledger,
		payloads: deps.Payloads,
		webhook:  deps.Webhook,
		metrics:  deps.Metrics,
		router:   mux.NewRouter(),
		log:      log,
	}
	if deps.RateLimiter != nil {
		s.limit = middleware.RateLimit(deps.RateLimiter, log)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Subscriber routes
	v1.Handle("/subscribers/{id}/checkout", s.limited(s.checkout)).Methods(http.MethodPost)
	v1.HandleFunc("/subscribers/{id}/balance", s.getBalance).Methods(http.MethodGet)
	v1.HandleFunc("/subscribers/{id}/receipts", s.listReceipts).Methods(http.MethodGet)
	v1.HandleFunc("/subscribers/{id}/usage", s.queryUsage).Methods(http.MethodGet)
	v1.Handle("/subscribers/{id}/usage", s.limited(s.recordUsage)).Methods(http.MethodPost)
	v1.HandleFunc("/subscribers/{id}/usage/summary", s.summarizeUsage).Methods(http.MethodGet)

	// Receipt routes
	v1.HandleFunc("/receipts/{id}", s.getReceipt).Methods(http.MethodGet)
	v1.HandleFunc("/receipts/{id}/deliver", s.deliver).Methods(http.MethodPost)
	v1.HandleFunc("/receipts/{id}/refund", s.refund).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/usage", s.queryJobUsage).Methods(http.MethodGet)

	// Package routes; static paths before {id}
	v1.HandleFunc("/payloads", s.uploadPayload).Methods(http.MethodPost)
	v1.HandleFunc("/packages", s.registerPackage).Methods(http.MethodPost)
	v1.HandleFunc("/packages/search", s.searchPackages).Methods(http.MethodGet)
	v1.HandleFunc("/packages/resolve", s.resolvePackages).Methods(http.MethodPost)
	v1.HandleFunc("/packages/{id}/latest", s.getLatest).Methods(http.MethodGet)
	v1.HandleFunc("/packages/{id}/versions/{version}", s.getExact).Methods(http.MethodGet)
	v1.HandleFunc("/packages/{id}/versions/{version}", s.deactivate).Methods(http.MethodDelete)

	if s.webhook != nil {
		v1.Handle("/webhooks/subscriptions", s.webhook).Methods(http.MethodPost)
	}
}

func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.limit == nil {
		return h
	}
	return s.limit(h)
}

// Router exposes the router so callers can mount extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped in tracing, request-ID, logging and
// recovery middleware
func (s *Server) Handler() http.Handler {
	h := httputil.Chain(
		httputil.RequestIDMiddleware(s.log),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
	)(s.router)
	return otelhttp.NewHandler(h, "tollbooth-api")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func limitBody(w http.ResponseWriter, r *http.Request, n int64) {
	r.Body = http.MaxBytesReader(w, r.Body, n)
}
