package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/platinummonkey/tollbooth/pkg/api"
	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/commerce"
	"github.com/platinummonkey/tollbooth/pkg/config"
	"github.com/platinummonkey/tollbooth/pkg/ledger"
	"github.com/platinummonkey/tollbooth/pkg/middleware"
	"github.com/platinummonkey/tollbooth/pkg/objectstore"
	"github.com/platinummonkey/tollbooth/pkg/observability"
	"github.com/platinummonkey/tollbooth/pkg/plans"
	"github.com/platinummonkey/tollbooth/pkg/pricing"
	"github.com/platinummonkey/tollbooth/pkg/registry"
	"github.com/platinummonkey/tollbooth/pkg/storage"
	"github.com/platinummonkey/tollbooth/pkg/subscriptions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Set via -ldflags at build time
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tollbooth: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"version": version,
		"storage": cfg.Storage.Type,
		"objects": cfg.ObjectStore.Type,
	}).Info("Starting Tollbooth")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := observability.NewShutdownManager(log, cfg.Server.ShutdownTimeout)

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, log)
	if err != nil {
		return err
	}
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, log)
	})

	stores, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	shutdown.Register("storage", func(context.Context) error { return stores.Close() })

	redisClient, err := storage.OpenRedis(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promRegistry)
	}

	// Packages, with the optional two-tier cache in front
	packageStore := stores.Packages
	if cfg.Cache.Enabled {
		cached := registry.NewCachedStore(stores.Packages, redisClient, cfg.Cache.Registry, log)
		if metrics != nil {
			cached.SetRecorder(metrics)
		}
		packageStore = cached
	}
	reg := registry.NewRegistry(packageStore, log)

	balances := balance.NewService(stores.Balances, log)
	ldg := ledger.NewLedger(stores.Ledger, log)
	if metrics != nil {
		balances.SetRecorder(metrics)
		ldg.SetRecorder(metrics)
	}
	var sink *ledger.ClickHouseSink
	if cfg.ClickHouse.Enabled() {
		sink, err = ledger.NewClickHouseSink(cfg.ClickHouse.ClickHouseConfig)
		if err != nil {
			return err
		}
		if err := sink.EnsureSchema(ctx); err != nil {
			return err
		}
		ldg.SetSink(sink)
		shutdown.Register("clickhouse", func(context.Context) error { return sink.Close() })
	}
	// Steps run in reverse, so pending sink writes drain before the sink closes
	shutdown.Register("ledger", func(context.Context) error {
		ldg.Wait()
		return nil
	})

	var prices *pricing.Table
	if cfg.Billing.PricingPath != "" {
		if prices, err = pricing.Load(cfg.Billing.PricingPath); err != nil {
			return err
		}
	}

	catalog, err := plans.LoadCatalog(cfg.Billing.PlanCatalogPath, log)
	if err != nil {
		return err
	}
	go func() {
		if err := catalog.Watch(ctx); err != nil {
			log.WithError(err).Warn("Plan catalog watcher stopped")
		}
	}()
	directory := plans.NewDirectory(catalog, stores.Assignments)

	objects, downloads, err := openObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return err
	}

	engine := commerce.NewEngine(commerce.Dependencies{
		Balances: balances,
		Registry: reg,
		Ledger:   ldg,
		Receipts: stores.Receipts,
		Plans:    directory,
		Signer:   objects,
		Pricing:  prices,
	}, log)
	engine.SetDownloadTTL(cfg.ObjectStore.DownloadTTL)
	if metrics != nil {
		engine.SetRecorder(metrics)
	}
	shutdown.Register("commerce", func(context.Context) error {
		engine.Wait()
		return nil
	})

	deps := api.Dependencies{
		Engine:   engine,
		Balances: balances,
		Registry: reg,
		Ledger:   ldg,
		Payloads: objects,
		Metrics:  metrics,
	}
	if cfg.RateLimit.Enabled {
		if redisClient != nil {
			deps.RateLimiter = middleware.NewRedisLimiter(redisClient, cfg.RateLimit.Config, "tollbooth:ratelimit")
		} else {
			local := middleware.NewLocalLimiter(cfg.RateLimit.Config)
			local.StartCleanup(ctx)
			deps.RateLimiter = local
		}
	}
	if cfg.Billing.WebhookSecret != "" {
		processor := subscriptions.NewProcessor(directory, balances, stores.Events, log)
		deps.Webhook = subscriptions.NewHandler(processor, []byte(cfg.Billing.WebhookSecret), log)
	} else {
		log.Warn("TOLLBOOTH_WEBHOOK_SECRET not set, subscription webhook disabled")
	}
	server := api.NewServer(deps, log)

	var handler http.Handler = server.Handler()
	if downloads != nil {
		root := http.NewServeMux()
		root.Handle("/downloads/", http.StripPrefix("/downloads", downloads))
		root.Handle("/", handler)
		handler = root
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdown.AddServer(apiServer)

	health := observability.NewHealthChecker(stores.DB, redisClient, version)
	if s3Store, ok := objects.(*objectstore.S3Store); ok {
		health.AddCheck("s3", true, s3Store.HealthCheck)
	}
	if sink != nil {
		health.AddCheck("clickhouse", false, sink.Ping)
	}
	healthServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      healthRouter(health, promRegistry),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	shutdown.AddServer(healthServer)

	if metrics != nil && stores.DB != nil {
		go observeDBStats(ctx, metrics, stores)
	}

	serve(apiServer, "API", log, cancel)
	serve(healthServer, "health", log, cancel)

	return shutdown.Wait(ctx)
}

// openObjectStore returns the payload backend plus, for the local backend,
// the handler that serves signed downloads
func openObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, http.Handler, error) {
	switch strings.ToLower(cfg.Type) {
	case "s3":
		s, err := objectstore.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "local", "":
		s, err := objectstore.NewLocalStore(cfg.LocalRoot, cfg.LocalURL, []byte(cfg.LocalSecret))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Handler(), nil
	}
	return nil, nil, fmt.Errorf("unknown object store type %q", cfg.Type)
}

func healthRouter(health *observability.HealthChecker, gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health/live", health.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", health.Readiness).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler(gatherer)).Methods(http.MethodGet)
	return r
}

func observeDBStats(ctx context.Context, metrics *observability.Metrics, stores *storage.Stores) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ObserveDBStats(stores.DB)
		}
	}
}

// serve starts srv in the background; a listen failure cancels ctx so the
// shutdown manager unwinds everything
func serve(srv *http.Server, name string, log *logrus.Logger, cancel context.CancelFunc) {
	go func() {
		log.WithField("addr", srv.Addr).Infof("%s server listening", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Errorf("%s server failed", name)
			cancel()
		}
	}()
}
