package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Recorder receives balance events for metrics
type Recorder interface {
	RecordCharge(bucket Bucket, amount decimal.Decimal)
	RecordRevisionConflict(operation string)
}

type noopRecorder struct{}

func (noopRecorder) RecordCharge(Bucket, decimal.Decimal) {}
func (noopRecorder) RecordRevisionConflict(string)        {}

// Service implements the balance operations on top of a Store
type Service struct {
	store    Store
	retry    *retryPolicy
	recorder Recorder
	now      func() time.Time
	log      *logrus.Logger
}

// NewService creates a new balance service
func NewService(store Store, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		store:    store,
		retry:    newRetryPolicy(DefaultRetryConfig()),
		recorder: noopRecorder{},
		now:      time.Now,
		log:      log,
	}
}

// SetRetryConfig replaces the compare-and-swap retry configuration
func (s *Service) SetRetryConfig(config RetryConfig) {
	s.retry = newRetryPolicy(config)
}

// SetRecorder sets the metrics recorder
func (s *Service) SetRecorder(r Recorder) {
	if r != nil {
		s.recorder = r
	}
}

// SetClock overrides the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// GetBalance returns the current balance, or a zero-valued balance if the
// subscriber has none yet
func (s *Service) GetBalance(ctx context.Context, subscriberID string) (*Balance, error) {
	if strings.TrimSpace(subscriberID) == "" {
		return nil, NewValidationError("subscriber_id", "is required")
	}
	b, err := s.store.Get(ctx, subscriberID)
	if errors.Is(err, ErrSubscriberNotFound) {
		return &Balance{SubscriberID: subscriberID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

// InitializeOrResetBalance starts a new billing period with planAllowance in
// the included bucket and zero on-demand accrual. onDemandLimit nil means
// unlimited overage. Re-running it sets the same values again.
func (s *Service) InitializeOrResetBalance(ctx context.Context, subscriberID string, planAllowance decimal.Decimal, onDemandLimit *decimal.Decimal) (*Balance, error) {
	if strings.TrimSpace(subscriberID) == "" {
		return nil, NewValidationError("subscriber_id", "is required")
	}
	if planAllowance.IsNegative() {
		return nil, NewValidationError("plan_allowance", "must not be negative")
	}
	if onDemandLimit != nil && onDemandLimit.IsNegative() {
		return nil, NewValidationError("on_demand_limit", "must not be negative")
	}

	for attempt := 1; ; attempt++ {
		now := s.now().UTC()
		next := &Balance{
			SubscriberID:    subscriberID,
			IncludedBalance: planAllowance,
			IncludedTotal:   planAllowance,
			OnDemandAccrued: decimal.Zero,
			PeriodStart:     now,
			PeriodNextReset: NextPeriodStart(now),
			UpdatedAt:       now,
		}
		if onDemandLimit != nil {
			limit := *onDemandLimit
			next.OnDemandLimit = &limit
		}

		current, err := s.store.Get(ctx, subscriberID)
		switch {
		case errors.Is(err, ErrSubscriberNotFound):
			next.Revision = 1
			err = s.store.Create(ctx, next)
		case err != nil:
			return nil, fmt.Errorf("failed to load balance: %w", err)
		default:
			next.Revision = current.Revision + 1
			err = s.store.CompareAndSwap(ctx, Update{Expected: current.Revision, Next: next})
		}
		if err == nil {
			s.log.WithFields(logrus.Fields{
				"subscriber_id": subscriberID,
				"allowance":     planAllowance.String(),
				"next_reset":    next.PeriodNextReset,
			}).Info("Balance period reset")
			return next, nil
		}
		if err := s.handleConflict(ctx, "reset", attempt, err); err != nil {
			return nil, err
		}
	}
}

// Charge debits amount from the subscriber, draining included first and
// spilling the remainder into on-demand when permitted. Replaying the same
// idempotency key returns the recorded result without charging again.
func (s *Service) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := validateCharge(req); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		existing, err := s.store.GetTransaction(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to look up transaction: %w", err)
		}
		if existing != nil {
			return replay(existing, req)
		}

		current, err := s.store.Get(ctx, req.SubscriberID)
		if errors.Is(err, ErrSubscriberNotFound) {
			return nil, newChargeError(ReasonSubscriberNotFound, req.SubscriberID, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load balance: %w", err)
		}

		included, onDemand, chargeErr := split(current, req)
		if chargeErr != nil {
			return nil, chargeErr
		}

		now := s.now().UTC()
		next := current.Clone()
		next.IncludedBalance = current.IncludedBalance.Sub(included)
		next.OnDemandAccrued = current.OnDemandAccrued.Add(onDemand)
		next.Revision = current.Revision + 1
		next.UpdatedAt = now

		txn := &Transaction{
			ID:              uuid.New().String(),
			IdempotencyKey:  req.IdempotencyKey,
			SubscriberID:    req.SubscriberID,
			Amount:          req.Amount,
			IncludedCharged: included,
			OnDemandCharged: onDemand,
			Before:          current.snapshot(),
			After:           next.snapshot(),
			CreatedAt:       now,
		}

		err = s.store.CompareAndSwap(ctx, Update{Expected: current.Revision, Next: next, Record: txn})
		if err == nil {
			if included.IsPositive() {
				s.recorder.RecordCharge(BucketIncluded, included)
			}
			if onDemand.IsPositive() {
				s.recorder.RecordCharge(BucketOnDemand, onDemand)
			}
			s.log.WithFields(logrus.Fields{
				"subscriber_id":     req.SubscriberID,
				"idempotency_key":   req.IdempotencyKey,
				"included_charged":  included.String(),
				"on_demand_charged": onDemand.String(),
			}).Debug("Balance charged")
			return txn.Result(), nil
		}
		if errors.Is(err, ErrDuplicateTransaction) {
			// a concurrent call with the same key won; the next pass replays it
			continue
		}
		if err := s.handleConflict(ctx, "charge", attempt, err); err != nil {
			return nil, err
		}
	}
}

// split computes the included and on-demand portions of a charge, or the
// business failure that forbids it. It never mutates.
func split(b *Balance, req ChargeRequest) (decimal.Decimal, decimal.Decimal, error) {
	if b.IncludedBalance.GreaterThanOrEqual(req.Amount) {
		return req.Amount, decimal.Zero, nil
	}

	included := b.IncludedBalance
	if included.IsNegative() {
		included = decimal.Zero
	}
	remainder := req.Amount.Sub(included)

	if req.OnDemandForbidden {
		return decimal.Zero, decimal.Zero, newChargeError(ReasonOnDemandDisabled, req.SubscriberID, b)
	}
	if !req.AllowOnDemand {
		return decimal.Zero, decimal.Zero, newChargeError(ReasonInsufficientBalance, req.SubscriberID, b)
	}
	if b.OnDemandLimit != nil && b.OnDemandLimit.IsZero() {
		return decimal.Zero, decimal.Zero, newChargeError(ReasonOnDemandDisabled, req.SubscriberID, b)
	}

	if limit := effectiveCap(req.OnDemandCap, b.OnDemandLimit); limit != nil {
		if b.OnDemandAccrued.Add(remainder).GreaterThan(*limit) {
			return decimal.Zero, decimal.Zero, newChargeError(ReasonOnDemandCapExceeded, req.SubscriberID, b)
		}
	}
	return included, remainder, nil
}

// effectiveCap returns the tighter of the request cap and the stored limit
func effectiveCap(requestCap, storedLimit *decimal.Decimal) *decimal.Decimal {
	switch {
	case requestCap == nil:
		return storedLimit
	case storedLimit == nil:
		return requestCap
	case requestCap.LessThan(*storedLimit):
		return requestCap
	default:
		return storedLimit
	}
}

func replay(txn *Transaction, req ChargeRequest) (*ChargeResult, error) {
	if txn.SubscriberID != req.SubscriberID || !txn.Amount.Equal(req.Amount) {
		return nil, fmt.Errorf("%w: %s", ErrIdempotencyKeyReuse, req.IdempotencyKey)
	}
	if txn.Reversed {
		return nil, fmt.Errorf("%w: %s", ErrChargeReversed, req.IdempotencyKey)
	}
	return txn.Result(), nil
}

func validateCharge(req ChargeRequest) error {
	if strings.TrimSpace(req.SubscriberID) == "" {
		return NewValidationError("subscriber_id", "is required")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return NewValidationError("idempotency_key", "is required")
	}
	if !req.Amount.IsPositive() {
		return NewValidationError("amount", "must be positive")
	}
	if req.OnDemandCap != nil && req.OnDemandCap.IsNegative() {
		return NewValidationError("on_demand_cap", "must not be negative")
	}
	return nil
}

// Refund reverses part of a prior charge. Included refunds are added back to
// included_balance; on-demand refunds reduce on_demand_accrued, floored at
// zero. Refunds are not idempotency-guarded.
func (s *Service) Refund(ctx context.Context, subscriberID string, amount decimal.Decimal, bucket Bucket) (*Balance, error) {
	if strings.TrimSpace(subscriberID) == "" {
		return nil, NewValidationError("subscriber_id", "is required")
	}
	if amount.IsNegative() {
		return nil, NewValidationError("amount", "must not be negative")
	}
	if !bucket.Valid() {
		return nil, NewValidationError("bucket", fmt.Sprintf("unknown bucket %q", bucket))
	}

	return s.mutate(ctx, "refund", subscriberID, func(b *Balance) (Update, error) {
		next := b.Clone()
		switch bucket {
		case BucketIncluded:
			next.IncludedBalance = b.IncludedBalance.Add(amount)
		case BucketOnDemand:
			next.OnDemandAccrued = floorZero(b.OnDemandAccrued.Sub(amount))
		}
		return Update{Next: next}, nil
	})
}

// ReverseCharge compensates the charge recorded under idempotencyKey by
// returning both portions to their buckets and marking the transaction
// reversed in the same write. Reversing twice is a no-op.
func (s *Service) ReverseCharge(ctx context.Context, subscriberID, idempotencyKey string) (*Balance, error) {
	txn, err := s.store.GetTransaction(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up transaction: %w", err)
	}
	if txn == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, idempotencyKey)
	}
	if txn.SubscriberID != subscriberID {
		return nil, fmt.Errorf("%w: %s", ErrIdempotencyKeyReuse, idempotencyKey)
	}

	return s.mutate(ctx, "reverse", subscriberID, func(b *Balance) (Update, error) {
		current, err := s.store.GetTransaction(ctx, idempotencyKey)
		if err != nil {
			return Update{}, fmt.Errorf("failed to look up transaction: %w", err)
		}
		if current.Reversed {
			return Update{}, errAlreadyApplied
		}
		next := b.Clone()
		next.IncludedBalance = b.IncludedBalance.Add(current.IncludedCharged)
		next.OnDemandAccrued = floorZero(b.OnDemandAccrued.Sub(current.OnDemandCharged))
		return Update{Next: next, ReverseKey: idempotencyKey}, nil
	})
}

var errAlreadyApplied = errors.New("already applied")

// mutate runs a compare-and-swap loop around build
func (s *Service) mutate(ctx context.Context, operation, subscriberID string, build func(*Balance) (Update, error)) (*Balance, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.store.Get(ctx, subscriberID)
		if errors.Is(err, ErrSubscriberNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSubscriberNotFound, subscriberID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load balance: %w", err)
		}

		u, err := build(current)
		if errors.Is(err, errAlreadyApplied) {
			return current, nil
		}
		if err != nil {
			return nil, err
		}
		u.Expected = current.Revision
		u.Next.Revision = current.Revision + 1
		u.Next.UpdatedAt = s.now().UTC()

		err = s.store.CompareAndSwap(ctx, u)
		if err == nil {
			s.log.WithFields(logrus.Fields{
				"subscriber_id": subscriberID,
				"operation":     operation,
			}).Debug("Balance updated")
			return u.Next, nil
		}
		if err := s.handleConflict(ctx, operation, attempt, err); err != nil {
			return nil, err
		}
	}
}

// handleConflict returns nil when the caller should retry after a
// revision conflict, or the error to surface otherwise
func (s *Service) handleConflict(ctx context.Context, operation string, attempt int, err error) error {
	if !errors.Is(err, ErrRevisionConflict) {
		return fmt.Errorf("failed to %s balance: %w", operation, err)
	}
	s.recorder.RecordRevisionConflict(operation)
	if !s.retry.shouldRetry(attempt) {
		s.log.WithFields(logrus.Fields{
			"operation": operation,
			"attempts":  attempt,
		}).Warn("Balance compare-and-swap retries exhausted")
		return ErrConcurrentModification
	}
	if err := s.retry.wait(ctx, attempt); err != nil {
		return fmt.Errorf("failed to %s balance: %w", operation, err)
	}
	return nil
}

// HasSufficientBalance is a non-mutating pre-check for fast failure. It
// ignores caps and is not a substitute for Charge.
func (s *Service) HasSufficientBalance(ctx context.Context, subscriberID string, amount decimal.Decimal, allowOnDemand bool) (bool, error) {
	b, err := s.GetBalance(ctx, subscriberID)
	if err != nil {
		return false, err
	}
	if !b.Exists() {
		return false, nil
	}
	if b.IncludedBalance.GreaterThanOrEqual(amount) {
		return true, nil
	}
	return allowOnDemand, nil
}

// ListDueForReset returns up to limit subscribers whose billing period has
// ended, in id order after the cursor id after ("" starts from the first)
func (s *Service) ListDueForReset(ctx context.Context, after string, limit int) ([]string, error) {
	ids, err := s.store.ListDueForReset(ctx, s.now().UTC(), after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances due for reset: %w", err)
	}
	return ids, nil
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
