// Package rollover resets balances whose billing period has ended. It is the
// safety net for renewals the subscription webhook never delivered.
package rollover

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/async"
	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/plans"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSchedule runs five minutes past every hour
const DefaultSchedule = "5 * * * *"

// Config tunes a rollover run
type Config struct {
	BatchSize   int
	Workers     int
	ItemTimeout time.Duration
}

// DefaultConfig returns the default rollover configuration
func DefaultConfig() Config {
	return Config{BatchSize: 500, Workers: 8, ItemTimeout: 30 * time.Second}
}

// Result summarises one run
type Result struct {
	Reset  int64 `json:"reset"`
	Failed int64 `json:"failed"`
}

// Recorder receives per-run counts
type Recorder interface {
	RecordRollover(reset, failed int64)
}

type noopRecorder struct{}

func (noopRecorder) RecordRollover(int64, int64) {}

// Job resets due balances to their current plan allowance
type Job struct {
	balances *balance.Service
	plans    plans.Source
	config   Config
	recorder Recorder
	running  atomic.Bool
	log      *logrus.Logger
}

// NewJob creates a new Job
func NewJob(balances *balance.Service, source plans.Source, config Config, log *logrus.Logger) *Job {
	if log == nil {
		log = logrus.New()
	}
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.ItemTimeout <= 0 {
		config.ItemTimeout = defaults.ItemTimeout
	}
	return &Job{balances: balances, plans: source, config: config, recorder: noopRecorder{}, log: log}
}

// SetRecorder sets the metrics recorder
func (j *Job) SetRecorder(r Recorder) {
	if r != nil {
		j.recorder = r
	}
}

// RunOnce resets every balance currently due, paging by subscriber id so
// each due subscriber is tried once per run and failures do not block the
// subscribers after them.
func (j *Job) RunOnce(ctx context.Context) (*Result, error) {
	result := &Result{}
	after := ""
	for {
		due, err := j.balances.ListDueForReset(ctx, after, j.config.BatchSize)
		if err != nil {
			return result, err
		}
		if len(due) == 0 {
			return result, nil
		}

		var reset int64
		errs := async.Batch(ctx, due, j.config.Workers, "balance rollover", j.config.ItemTimeout,
			func(ctx context.Context, subscriberID string) error {
				if err := j.resetOne(ctx, subscriberID); err != nil {
					j.log.WithField("subscriber_id", subscriberID).WithError(err).Error("Failed to roll over balance")
					return err
				}
				atomic.AddInt64(&reset, 1)
				return nil
			})

		result.Reset += reset
		result.Failed += int64(len(errs))
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if len(due) < j.config.BatchSize {
			return result, nil
		}
		after = due[len(due)-1]
	}
}

func (j *Job) resetOne(ctx context.Context, subscriberID string) error {
	plan, err := j.plans.GetPlan(ctx, subscriberID)
	if err != nil {
		return fmt.Errorf("failed to get plan: %w", err)
	}
	_, err = j.balances.InitializeOrResetBalance(ctx, subscriberID, plan.MonthlyAllowance, plan.BalanceLimit())
	return err
}

// Schedule registers the job on c. Overlapping ticks are skipped.
func (j *Job) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	id, err := c.AddFunc(spec, j.tick)
	if err != nil {
		return 0, fmt.Errorf("failed to schedule rollover %q: %w", spec, err)
	}
	return id, nil
}

func (j *Job) tick() {
	if !j.running.CompareAndSwap(false, true) {
		j.log.Warn("Previous rollover still running, skipping")
		return
	}
	defer j.running.Store(false)

	start := time.Now()
	result, err := j.RunOnce(context.Background())
	j.recorder.RecordRollover(result.Reset, result.Failed)
	log := j.log.WithFields(logrus.Fields{
		"reset":    result.Reset,
		"failed":   result.Failed,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		log.WithError(err).Error("Balance rollover failed")
		return
	}
	log.Info("Balance rollover completed")
}
