package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/tollbooth/pkg/async"
	"github.com/sirupsen/logrus"
)

const sinkTimeout = 10 * time.Second

// Recorder observes ledger writes
type Recorder interface {
	RecordLedgerWrite(kind string, inserted bool)
}

type noopRecorder struct{}

func (noopRecorder) RecordLedgerWrite(string, bool) {}

// Ledger provides usage ledger operations
type Ledger struct {
	store    Store
	sink     Sink
	recorder Recorder
	tasks    async.Tracker
	now      func() time.Time
	log      *logrus.Logger
}

// NewLedger creates a new ledger service
func NewLedger(store Store, log *logrus.Logger) *Ledger {
	if log == nil {
		log = logrus.New()
	}
	return &Ledger{
		store:    store,
		recorder: noopRecorder{},
		now:      time.Now,
		log:      log,
	}
}

// SetSink mirrors newly inserted entries to sink in the background
func (l *Ledger) SetSink(sink Sink) {
	l.sink = sink
}

// SetRecorder installs a metrics recorder
func (l *Ledger) SetRecorder(r Recorder) {
	if r != nil {
		l.recorder = r
	}
}

// SetClock overrides the time source
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Wait blocks until pending sink writes finish
func (l *Ledger) Wait() {
	l.tasks.Wait()
}

// RecordUsage stores a usage entry. A repeated idempotency key returns the
// entry stored first.
func (l *Ledger) RecordUsage(ctx context.Context, e Entry) (*Entry, error) {
	e.Kind = KindUsage
	if err := validateEntry(&e); err != nil {
		return nil, err
	}
	if e.InputTokens < 0 || e.OutputTokens < 0 {
		return nil, NewValidationError("tokens", "must not be negative")
	}
	if strings.TrimSpace(e.Model) == "" {
		return nil, NewValidationError("model", "is required for usage entries")
	}
	return l.record(ctx, &e)
}

// RecordPurchase stores a purchase entry. A repeated idempotency key returns
// the entry stored first.
func (l *Ledger) RecordPurchase(ctx context.Context, e Entry) (*Entry, error) {
	e.Kind = KindPurchase
	if err := validateEntry(&e); err != nil {
		return nil, err
	}
	if strings.TrimSpace(e.PackageID) == "" || strings.TrimSpace(e.PackageVersion) == "" {
		return nil, NewValidationError("package", "id and version are required for purchase entries")
	}
	return l.record(ctx, &e)
}

func validateEntry(e *Entry) error {
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return NewValidationError("idempotency_key", "is required")
	}
	if strings.TrimSpace(e.SubscriberID) == "" {
		return NewValidationError("subscriber_id", "is required")
	}
	if !e.Bucket.Valid() {
		return NewValidationError("bucket", fmt.Sprintf("unknown bucket %q", e.Bucket))
	}
	if e.Cost.IsNegative() {
		return NewValidationError("cost", "must not be negative")
	}
	return nil
}

func (l *Ledger) record(ctx context.Context, e *Entry) (*Entry, error) {
	now := l.now().UTC()
	e.ID = uuid.New().String()
	e.CreatedAt = now
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.OccurredAt = e.OccurredAt.UTC()

	stored, inserted, err := l.store.Insert(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("failed to record %s entry: %w", e.Kind, err)
	}
	l.recorder.RecordLedgerWrite(string(e.Kind), inserted)

	if !inserted {
		if !stored.sameEvent(e) {
			return nil, fmt.Errorf("%w: %s", ErrIdempotencyKeyReuse, e.IdempotencyKey)
		}
		return stored, nil
	}

	l.log.WithFields(logrus.Fields{
		"entry_id":      stored.ID,
		"subscriber_id": stored.SubscriberID,
		"kind":          stored.Kind,
		"bucket":        stored.Bucket,
		"cost":          stored.Cost.String(),
	}).Debug("Ledger entry recorded")

	if l.sink != nil {
		mirrored := *stored
		l.tasks.Go(ctx, sinkTimeout, "ledger sink", func(ctx context.Context) error {
			return l.sink.Write(ctx, &mirrored)
		})
	}
	return stored, nil
}

// QueryBySubscriber returns a subscriber's entries, optionally filtered by
// kind and date range
func (l *Ledger) QueryBySubscriber(ctx context.Context, subscriberID string, kind *Kind, r *DateRange) ([]*Entry, error) {
	if strings.TrimSpace(subscriberID) == "" {
		return nil, NewValidationError("subscriber_id", "is required")
	}
	if kind != nil && !kind.Valid() {
		return nil, NewValidationError("kind", fmt.Sprintf("unknown kind %q", *kind))
	}
	if r != nil {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	entries, err := l.store.QueryBySubscriber(ctx, subscriberID, Filter{Kind: kind, Range: r})
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	return entries, nil
}

// QueryByJob returns every entry attributed to a generation job
func (l *Ledger) QueryByJob(ctx context.Context, jobID string) ([]*Entry, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, NewValidationError("job_id", "is required")
	}
	entries, err := l.store.QueryByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	return entries, nil
}

// Summarize folds a subscriber's entries within r
func (l *Ledger) Summarize(ctx context.Context, subscriberID string, r DateRange) (*Summary, error) {
	entries, err := l.QueryBySubscriber(ctx, subscriberID, nil, &r)
	if err != nil {
		return nil, err
	}
	return Fold(subscriberID, r, entries), nil
}
