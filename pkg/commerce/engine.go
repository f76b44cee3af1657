package commerce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/tollbooth/pkg/async"
	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/platinummonkey/tollbooth/pkg/ledger"
	"github.com/platinummonkey/tollbooth/pkg/objectstore"
	"github.com/platinummonkey/tollbooth/pkg/plans"
	"github.com/platinummonkey/tollbooth/pkg/pricing"
	"github.com/platinummonkey/tollbooth/pkg/registry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/platinummonkey/tollbooth/pkg/commerce")

// receiptNamespace scopes deterministic receipt ids
var receiptNamespace = uuid.MustParse("6f1c8a52-7d3e-4b8e-9a0c-2f5d1e7b4c31")

const (
	maxBasketItems       = 100
	defaultReceiptsLimit = 50
	maxReceiptsLimit     = 500
	downloadCountTimeout = 5 * time.Second
)

// Recorder observes commerce outcomes
type Recorder interface {
	RecordCheckout(outcome string)
	RecordRefund(outcome string)
	RecordDelivery(items int)
}

type noopRecorder struct{}

func (noopRecorder) RecordCheckout(string) {}
func (noopRecorder) RecordRefund(string)   {}
func (noopRecorder) RecordDelivery(int)    {}

// Dependencies are the collaborators of an Engine. Pricing is optional and
// only needed for usage requests without an explicit cost.
type Dependencies struct {
	Balances *balance.Service
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Receipts ReceiptStore
	Plans    plans.Source
	Signer   objectstore.Signer
	Pricing  *pricing.Table
}

// Engine orchestrates checkout, delivery, refund and usage metering
type Engine struct {
	balances    *balance.Service
	registry    *registry.Registry
	ledger      *ledger.Ledger
	receipts    ReceiptStore
	plans       plans.Source
	signer      objectstore.Signer
	pricing     *pricing.Table
	recorder    Recorder
	downloadTTL time.Duration
	background  async.Tracker
	now         func() time.Time
	log         *logrus.Logger
}

// NewEngine creates a new commerce engine
func NewEngine(deps Dependencies, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		balances:    deps.Balances,
		registry:    deps.Registry,
		ledger:      deps.Ledger,
		receipts:    deps.Receipts,
		plans:       deps.Plans,
		signer:      deps.Signer,
		pricing:     deps.Pricing,
		recorder:    noopRecorder{},
		downloadTTL: objectstore.DefaultDownloadTTL,
		now:         time.Now,
		log:         log,
	}
}

// SetDownloadTTL overrides how long delivered grants stay valid
func (e *Engine) SetDownloadTTL(ttl time.Duration) {
	if ttl > 0 {
		e.downloadTTL = ttl
	}
}

// SetRecorder installs a metrics recorder
func (e *Engine) SetRecorder(r Recorder) {
	if r != nil {
		e.recorder = r
	}
}

// SetClock overrides the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Wait blocks until background work such as download counters finishes
func (e *Engine) Wait() {
	e.background.Wait()
}

func receiptID(subscriberID, idempotencyKey string) string {
	return uuid.NewSHA1(receiptNamespace, []byte(subscriberID+"\x00"+idempotencyKey)).String()
}

func purchaseKey(checkoutKey string, item ChargedItem) string {
	return fmt.Sprintf("%s_%s_%s", checkoutKey, item.ID, item.Version)
}

// Checkout charges the subscriber for a basket and issues a receipt. A
// repeated key returns the stored receipt; an interrupted earlier attempt
// with the same key is resumed without charging twice.
func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest) (result *CheckoutResult, err error) {
	ctx, span := tracer.Start(ctx, "commerce.Checkout", trace.WithAttributes(
		attribute.String("subscriber.id", req.SubscriberID),
		attribute.Int("basket.size", len(req.Items)),
	))
	defer func() {
		outcome := checkoutOutcome(result, err)
		e.recorder.RecordCheckout(outcome)
		span.SetAttributes(attribute.String("checkout.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}()

	if err := validateCheckout(req); err != nil {
		return nil, err
	}
	log := e.log.WithFields(logrus.Fields{
		"subscriber_id":   req.SubscriberID,
		"idempotency_key": req.IdempotencyKey,
	})

	// received: a stored receipt answers the request verbatim
	existing, err := e.receipts.GetByKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, persistenceError("look up receipt", err)
	}
	if existing != nil {
		if existing.Status == ReceiptFailed && existing.SubscriberID == req.SubscriberID {
			e.reverseFailed(ctx, existing)
		}
		return replayReceipt(existing, req)
	}

	// resolved | resolution_failed
	items, total, err := e.resolveBasket(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	plan, err := e.plans.GetPlan(ctx, req.SubscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	// charged | charge_failed
	charge, err := e.charge(ctx, req, plan, total)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	receipt := &Receipt{
		ID:              receiptID(req.SubscriberID, req.IdempotencyKey),
		SubscriberID:    req.SubscriberID,
		IdempotencyKey:  req.IdempotencyKey,
		Items:           AttributeBuckets(items, charge.IncludedCharged),
		Total:           total,
		IncludedCharged: charge.IncludedCharged,
		OnDemandCharged: charge.OnDemandCharged,
		BalanceAfter:    charge.After,
		Status:          ReceiptCompleted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// receipt_persisted | persist_failed
	if err := e.writePurchaseEntries(ctx, receipt); err != nil {
		return e.compensate(ctx, req, receipt, charge.charged, "write ledger", err)
	}
	stored, inserted, err := e.receipts.Insert(ctx, receipt)
	if err != nil {
		return e.compensate(ctx, req, receipt, charge.charged, "persist receipt", err)
	}
	if !inserted {
		// a concurrent call with the same key finished first
		return replayReceipt(stored, req)
	}

	log.WithFields(logrus.Fields{
		"receipt_id":        stored.ID,
		"total":             stored.Total.String(),
		"included_charged":  stored.IncludedCharged.String(),
		"on_demand_charged": stored.OnDemandCharged.String(),
	}).Info("Checkout completed")
	return &CheckoutResult{Receipt: stored}, nil
}

func checkoutOutcome(result *CheckoutResult, err error) string {
	var checkoutErr *CheckoutError
	switch {
	case err == nil && result != nil && result.Replayed:
		return "replayed"
	case err == nil:
		return "completed"
	case errors.As(err, &checkoutErr):
		return string(checkoutErr.Reason)
	case IsValidationError(err):
		return "invalid"
	case IsPersistenceError(err):
		return "persist_failed"
	}
	return "error"
}

func validateCheckout(req CheckoutRequest) error {
	if strings.TrimSpace(req.SubscriberID) == "" {
		return NewValidationError("subscriber_id", "is required")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return NewValidationError("idempotency_key", "is required")
	}
	if len(req.Items) == 0 {
		return NewValidationError("items", "must not be empty")
	}
	if len(req.Items) > maxBasketItems {
		return NewValidationError("items", fmt.Sprintf("must not exceed %d", maxBasketItems))
	}
	return nil
}

func replayReceipt(r *Receipt, req CheckoutRequest) (*CheckoutResult, error) {
	if r.SubscriberID != req.SubscriberID || !r.sameBasket(req.Items) {
		return nil, fmt.Errorf("%w: %s", ErrIdempotencyKeyReuse, req.IdempotencyKey)
	}
	result := &CheckoutResult{Receipt: r, Replayed: true}
	if r.Status == ReceiptFailed {
		return result, fmt.Errorf("%w: earlier attempt failed: %s", ErrPersistence, r.FailureReason)
	}
	return result, nil
}

// resolveBasket looks up every item. Any miss or duplicate rejects the whole
// basket before anything is mutated.
func (e *Engine) resolveBasket(ctx context.Context, refs []ItemRef) ([]ChargedItem, decimal.Decimal, error) {
	items := make([]ChargedItem, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	total := decimal.Zero

	for i, ref := range refs {
		version, err := registry.CanonicalVersion(ref.Version)
		if err != nil || strings.TrimSpace(ref.ID) == "" {
			return nil, decimal.Zero, NewValidationError(fmt.Sprintf("items[%d]", i), "must name an id and a valid version")
		}
		key := ref.ID + "@" + version
		if seen[key] {
			return nil, decimal.Zero, NewValidationError(fmt.Sprintf("items[%d]", i), fmt.Sprintf("duplicates %s", key))
		}
		seen[key] = true

		rec, err := e.registry.GetExact(ctx, ref.ID, version)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("failed to resolve %s: %w", key, err)
		}
		if rec == nil {
			return nil, decimal.Zero, NewValidationError(fmt.Sprintf("items[%d]", i), fmt.Sprintf("unknown package %s", key))
		}

		items = append(items, ChargedItem{
			ID:            rec.ID,
			Version:       rec.Version,
			Name:          rec.Name,
			Price:         rec.Price,
			ContentDigest: rec.ContentDigest,
		})
		total = total.Add(rec.Price)
	}
	return items, total, nil
}

type chargeOutcome struct {
	IncludedCharged decimal.Decimal
	OnDemandCharged decimal.Decimal
	After           balance.Snapshot
	// charged is false for zero-total baskets, which never touch the balance
	charged bool
}

func (e *Engine) charge(ctx context.Context, req CheckoutRequest, plan *plans.Plan, total decimal.Decimal) (*chargeOutcome, error) {
	if !total.IsPositive() {
		current, err := e.balances.GetBalance(ctx, req.SubscriberID)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		return &chargeOutcome{
			IncludedCharged: decimal.Zero,
			OnDemandCharged: decimal.Zero,
			After:           balance.Snapshot{IncludedBalance: current.IncludedBalance, OnDemandAccrued: current.OnDemandAccrued},
		}, nil
	}

	res, err := e.balances.Charge(ctx, balance.ChargeRequest{
		SubscriberID:      req.SubscriberID,
		Amount:            total,
		AllowOnDemand:     plan.OnDemandAllowed && !req.DeclineOnDemand,
		OnDemandForbidden: !plan.OnDemandAllowed,
		OnDemandCap:       plan.OnDemandDefaultCap,
		IdempotencyKey:    req.IdempotencyKey,
	})
	var chargeErr *balance.ChargeError
	switch {
	case err == nil:
		return &chargeOutcome{
			IncludedCharged: res.IncludedCharged,
			OnDemandCharged: res.OnDemandCharged,
			After:           res.After,
			charged:         true,
		}, nil
	case errors.As(err, &chargeErr):
		return nil, newCheckoutError(chargeErr)
	case errors.Is(err, balance.ErrChargeReversed):
		return nil, fmt.Errorf("%w: earlier attempt with this key was reversed", ErrPersistence)
	case errors.Is(err, balance.ErrIdempotencyKeyReuse):
		return nil, fmt.Errorf("%w: %s", ErrIdempotencyKeyReuse, req.IdempotencyKey)
	case balance.IsValidationError(err):
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil, fmt.Errorf("failed to charge balance: %w", err)
}

// writePurchaseEntries writes one purchase entry per item at its full price,
// tagged with the item's attributed bucket. An item split across buckets is
// tagged on_demand; its portions are on the receipt only, so ledger totals by
// bucket can differ from the receipt's included/on-demand amounts.
func (e *Engine) writePurchaseEntries(ctx context.Context, r *Receipt) error {
	for _, item := range r.Items {
		_, err := e.ledger.RecordPurchase(ctx, ledger.Entry{
			IdempotencyKey: purchaseKey(r.IdempotencyKey, item),
			SubscriberID:   r.SubscriberID,
			Bucket:         item.Bucket,
			Cost:           item.Price,
			OccurredAt:     r.CreatedAt,
			PackageID:      item.ID,
			PackageVersion: item.Version,
			ReceiptID:      r.ID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// compensate claims the idempotency key with a failed receipt and only then
// reverses the charge. A concurrent call that already stored a completed
// receipt keeps the charge and is replayed. When the key cannot be claimed
// the charge stays in place; a retry with the same key resumes the checkout.
func (e *Engine) compensate(ctx context.Context, req CheckoutRequest, r *Receipt, charged bool, step string, cause error) (*CheckoutResult, error) {
	log := e.log.WithFields(logrus.Fields{
		"subscriber_id":   r.SubscriberID,
		"idempotency_key": r.IdempotencyKey,
		"step":            step,
	}).WithError(cause)

	failed := r.clone()
	failed.Status = ReceiptFailed
	failed.FailureReason = fmt.Sprintf("%s: %v", step, cause)
	stored, inserted, err := e.receipts.Insert(ctx, failed)
	switch {
	case err != nil:
		log.WithField("insert_error", err.Error()).Error("Failed to record failed receipt; charge left for retry")
		return nil, persistenceError(step, cause)
	case !inserted && stored.Status != ReceiptFailed:
		log.WithField("receipt_id", stored.ID).Info("Concurrent checkout with the same key completed; keeping charge")
		return replayReceipt(stored, req)
	case !inserted:
		// the call that stored the failed receipt owns the reversal
		return nil, persistenceError(step, cause)
	}

	if charged {
		if _, err := e.balances.ReverseCharge(ctx, r.SubscriberID, r.IdempotencyKey); err != nil {
			log.WithField("reverse_error", err.Error()).Error("Failed to reverse charge after checkout failure")
			return nil, persistenceError(step, cause)
		}
	}

	log.Warn("Checkout failed after charge; charge reversed")
	return nil, persistenceError(step, cause)
}

// reverseFailed finishes the reversal of a failed checkout whose earlier
// reversal did not go through. Reversal is a no-op once applied.
func (e *Engine) reverseFailed(ctx context.Context, r *Receipt) {
	if !r.Total.IsPositive() {
		return
	}
	_, err := e.balances.ReverseCharge(ctx, r.SubscriberID, r.IdempotencyKey)
	if err != nil && !errors.Is(err, balance.ErrTransactionNotFound) {
		e.log.WithFields(logrus.Fields{
			"subscriber_id":   r.SubscriberID,
			"idempotency_key": r.IdempotencyKey,
		}).WithError(err).Error("Failed to reverse charge of failed checkout")
	}
}

// Deliver mints a signed download for every item of a completed receipt.
// Any failed grant fails the whole call.
func (e *Engine) Deliver(ctx context.Context, receiptID string) (*DeliverResult, error) {
	ctx, span := tracer.Start(ctx, "commerce.Deliver", trace.WithAttributes(
		attribute.String("receipt.id", receiptID),
	))
	defer span.End()

	r, err := e.GetReceipt(ctx, receiptID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if r.Status != ReceiptCompleted {
		return nil, fmt.Errorf("%w: receipt %s is %s", ErrInvalidTransition, r.ID, r.Status)
	}

	grants := make([]Grant, len(r.Items))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range r.Items {
		g.Go(func() error {
			rec, err := e.registry.GetRecord(gctx, item.ID, item.Version)
			if err != nil {
				return fmt.Errorf("failed to look up %s@%s: %w", item.ID, item.Version, err)
			}
			if rec == nil {
				return fmt.Errorf("%w: %s@%s", registry.ErrNotFound, item.ID, item.Version)
			}
			signed, err := e.signer.CreateSignedDownload(gctx, rec.PayloadLocation, e.downloadTTL)
			if err != nil {
				return fmt.Errorf("failed to sign download for %s@%s: %w", item.ID, item.Version, err)
			}
			grants[i] = Grant{
				ID:            item.ID,
				Version:       item.Version,
				URL:           signed.URL,
				ExpiresAt:     signed.ExpiresAt,
				ContentDigest: item.ContentDigest,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return nil, err
	}

	for _, item := range r.Items {
		id, version := item.ID, item.Version
		e.background.Go(ctx, downloadCountTimeout, "download counter", func(ctx context.Context) error {
			return e.registry.IncrementDownloadCount(ctx, id, version)
		})
	}
	e.recorder.RecordDelivery(len(grants))
	return &DeliverResult{ReceiptID: r.ID, Grants: grants}, nil
}

// Refund returns a completed receipt's charge to the balance and marks it
// refunded. Refunding a refunded receipt is a no-op.
func (e *Engine) Refund(ctx context.Context, receiptID, reason string) (bool, error) {
	ctx, span := tracer.Start(ctx, "commerce.Refund", trace.WithAttributes(
		attribute.String("receipt.id", receiptID),
	))
	defer span.End()

	r, err := e.GetReceipt(ctx, receiptID)
	if err != nil {
		return false, err
	}
	if r.Status == ReceiptRefunded {
		return true, nil
	}
	if r.Status != ReceiptCompleted {
		return false, fmt.Errorf("%w: receipt %s is %s", ErrInvalidTransition, r.ID, r.Status)
	}

	now := e.now().UTC()
	ok, err := e.receipts.Transition(ctx, StatusChange{
		ReceiptID: r.ID, From: ReceiptCompleted, To: ReceiptRefunded, Reason: reason, At: now,
	})
	if err != nil {
		return false, persistenceError("mark receipt refunded", err)
	}
	if !ok {
		current, err := e.GetReceipt(ctx, receiptID)
		if err != nil {
			return false, err
		}
		if current.Status == ReceiptRefunded {
			return true, nil
		}
		return false, fmt.Errorf("%w: receipt %s is %s", ErrInvalidTransition, r.ID, current.Status)
	}

	if r.Total.IsPositive() {
		if _, err := e.balances.ReverseCharge(ctx, r.SubscriberID, r.IdempotencyKey); err != nil {
			e.rollbackRefund(ctx, r.ID, err)
			e.recorder.RecordRefund("failed")
			span.RecordError(err)
			return false, fmt.Errorf("failed to refund balance: %w", err)
		}
	}

	e.recorder.RecordRefund("refunded")
	e.log.WithFields(logrus.Fields{
		"receipt_id":         r.ID,
		"subscriber_id":      r.SubscriberID,
		"included_refunded":  r.IncludedCharged.String(),
		"on_demand_refunded": r.OnDemandCharged.String(),
	}).Info("Receipt refunded")
	return true, nil
}

func (e *Engine) rollbackRefund(ctx context.Context, receiptID string, cause error) {
	_, err := e.receipts.Transition(ctx, StatusChange{
		ReceiptID: receiptID, From: ReceiptRefunded, To: ReceiptCompleted, At: e.now().UTC(),
	})
	log := e.log.WithField("receipt_id", receiptID).WithError(cause)
	if err != nil {
		log.WithField("rollback_error", err.Error()).Error("Refund failed and receipt status could not be restored")
		return
	}
	log.Warn("Refund failed; receipt restored to completed")
}

// GetReceipt returns a receipt or ErrReceiptNotFound
func (e *Engine) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	if strings.TrimSpace(id) == "" {
		return nil, NewValidationError("receipt_id", "is required")
	}
	r, err := e.receipts.Get(ctx, id)
	if err != nil {
		return nil, persistenceError("get receipt", err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, id)
	}
	return r, nil
}

// ListReceipts returns a subscriber's receipts newest first
func (e *Engine) ListReceipts(ctx context.Context, subscriberID string, limit int) ([]*Receipt, error) {
	if strings.TrimSpace(subscriberID) == "" {
		return nil, NewValidationError("subscriber_id", "is required")
	}
	if limit <= 0 {
		limit = defaultReceiptsLimit
	}
	if limit > maxReceiptsLimit {
		limit = maxReceiptsLimit
	}
	receipts, err := e.receipts.ListBySubscriber(ctx, subscriberID, limit)
	if err != nil {
		return nil, persistenceError("list receipts", err)
	}
	return receipts, nil
}

// bucketOf is the ledger bucket of a usage portion
func bucketOf(onDemand bool) billing.Bucket {
	if onDemand {
		return billing.BucketOnDemand
	}
	return billing.BucketIncluded
}
