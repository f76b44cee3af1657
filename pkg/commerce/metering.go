package commerce

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/ledger"
	"github.com/platinummonkey/tollbooth/pkg/pricing"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// RecordUsage charges the subscriber for one AI generation and writes one
// usage ledger entry per bucket the charge drew from, keyed {key}_included
// and {key}_on_demand. Token counts are attributed to the first entry. A
// free generation writes a single zero-cost included entry. A ledger failure
// leaves the charge recorded under the key so that a retry completes it.
func (e *Engine) RecordUsage(ctx context.Context, req UsageRequest) (*UsageResult, error) {
	if err := validateUsage(req); err != nil {
		return nil, err
	}
	cost, err := e.usageCost(req)
	if err != nil {
		return nil, err
	}

	result := &UsageResult{Cost: cost, IncludedCharged: decimal.Zero, OnDemandCharged: decimal.Zero}
	charged := false
	if cost.IsPositive() {
		plan, err := e.plans.GetPlan(ctx, req.SubscriberID)
		if err != nil {
			return nil, fmt.Errorf("failed to get plan: %w", err)
		}
		res, err := e.balances.Charge(ctx, balance.ChargeRequest{
			SubscriberID:      req.SubscriberID,
			Amount:            cost,
			AllowOnDemand:     plan.OnDemandAllowed,
			OnDemandForbidden: !plan.OnDemandAllowed,
			IdempotencyKey:    req.IdempotencyKey,
		})
		var chargeErr *balance.ChargeError
		switch {
		case errors.As(err, &chargeErr):
			return nil, newCheckoutError(chargeErr)
		case errors.Is(err, balance.ErrIdempotencyKeyReuse):
			return nil, fmt.Errorf("%w: %s", ErrIdempotencyKeyReuse, req.IdempotencyKey)
		case errors.Is(err, balance.ErrChargeReversed):
			return nil, fmt.Errorf("%w: earlier attempt with this key was reversed", ErrPersistence)
		case err != nil:
			return nil, fmt.Errorf("failed to charge balance: %w", err)
		}
		result.IncludedCharged = res.IncludedCharged
		result.OnDemandCharged = res.OnDemandCharged
		result.BalanceAfter = res.After
		charged = true
	} else {
		current, err := e.balances.GetBalance(ctx, req.SubscriberID)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		result.BalanceAfter = balance.Snapshot{IncludedBalance: current.IncludedBalance, OnDemandAccrued: current.OnDemandAccrued}
	}

	entries, err := e.writeUsageEntries(ctx, req, result)
	if err != nil {
		if charged {
			// No reversal: a concurrent call with the same key may already have
			// ledgered this charge. A retry with the key replays the charge and
			// writes the missing entries.
			e.log.WithFields(logrus.Fields{
				"subscriber_id":   req.SubscriberID,
				"idempotency_key": req.IdempotencyKey,
			}).WithError(err).Error("Usage charged but not ledgered; retry with the same key")
		}
		return nil, persistenceError("write usage ledger", err)
	}
	result.Entries = entries
	return result, nil
}

func validateUsage(req UsageRequest) error {
	switch {
	case strings.TrimSpace(req.SubscriberID) == "":
		return NewValidationError("subscriber_id", "is required")
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return NewValidationError("idempotency_key", "is required")
	case strings.TrimSpace(req.Model) == "":
		return NewValidationError("model", "is required")
	case req.InputTokens < 0 || req.OutputTokens < 0:
		return NewValidationError("tokens", "must not be negative")
	case req.Cost != nil && req.Cost.IsNegative():
		return NewValidationError("cost", "must not be negative")
	}
	return nil
}

func (e *Engine) usageCost(req UsageRequest) (decimal.Decimal, error) {
	if req.Cost != nil {
		return *req.Cost, nil
	}
	if e.pricing == nil {
		return decimal.Zero, NewValidationError("cost", "is required when no pricing table is configured")
	}
	cost, err := e.pricing.Cost(req.Provider, req.Model, req.InputTokens, req.OutputTokens)
	if errors.Is(err, pricing.ErrUnknownModel) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return cost, err
}

func (e *Engine) writeUsageEntries(ctx context.Context, req UsageRequest, res *UsageResult) ([]*ledger.Entry, error) {
	type portion struct {
		onDemand bool
		amount   decimal.Decimal
	}
	portions := []portion{}
	if res.IncludedCharged.IsPositive() || !res.Cost.IsPositive() {
		portions = append(portions, portion{false, res.IncludedCharged})
	}
	if res.OnDemandCharged.IsPositive() {
		portions = append(portions, portion{true, res.OnDemandCharged})
	}

	entries := make([]*ledger.Entry, 0, len(portions))
	for i, p := range portions {
		bucket := bucketOf(p.onDemand)
		entry := ledger.Entry{
			IdempotencyKey: req.IdempotencyKey + "_" + bucket.String(),
			SubscriberID:   req.SubscriberID,
			Bucket:         bucket,
			Cost:           p.amount,
			OccurredAt:     req.OccurredAt,
			JobID:          req.JobID,
			Provider:       req.Provider,
			Model:          req.Model,
		}
		if i == 0 {
			entry.InputTokens = req.InputTokens
			entry.OutputTokens = req.OutputTokens
		}
		stored, err := e.ledger.RecordUsage(ctx, entry)
		if err != nil {
			return nil, err
		}
		entries = append(entries, stored)
	}
	return entries, nil
}
