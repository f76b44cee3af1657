package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/config"
	"github.com/platinummonkey/tollbooth/pkg/observability"
	"github.com/platinummonkey/tollbooth/pkg/plans"
	"github.com/platinummonkey/tollbooth/pkg/rollover"
	"github.com/platinummonkey/tollbooth/pkg/storage"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for balance rollover (default: TOLLBOOTH_ROLLOVER_SCHEDULE)")
	runOnce  = flag.Bool("run-once", false, "Run rollover once and exit")
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tollbooth-rollover: %v\n", err)
		os.Exit(1)
	}
	log, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tollbooth-rollover: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Rollover failed")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	catalog, err := plans.LoadCatalog(cfg.Billing.PlanCatalogPath, log)
	if err != nil {
		return err
	}
	go func() {
		if err := catalog.Watch(ctx); err != nil {
			log.WithError(err).Warn("Plan catalog watcher stopped")
		}
	}()

	job := rollover.NewJob(
		balance.NewService(stores.Balances, log),
		plans.NewDirectory(catalog, stores.Assignments),
		cfg.Billing.Rollover,
		log,
	)

	if *runOnce {
		result, err := job.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"reset": result.Reset, "failed": result.Failed}).Info("Rollover completed")
		return nil
	}

	spec := *schedule
	if spec == "" {
		spec = cfg.Billing.RolloverSchedule
	}
	c := cron.New()
	if _, err := job.Schedule(c, spec); err != nil {
		return err
	}
	c.Start()
	log.WithField("schedule", spec).Info("Tollbooth rollover started")

	<-ctx.Done()
	log.Info("Shutting down gracefully...")
	<-c.Stop().Done()
	log.Info("Rollover stopped")
	return nil
}
