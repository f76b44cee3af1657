package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/platinummonkey/tollbooth/pkg/plans"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
default_plan: free
fallback_plan: free
plans:
  - id: free
    monthly_allowance: "1.00"
    on_demand_allowed: false
  - id: pro
    monthly_allowance: "20.00"
    on_demand_allowed: true
    on_demand_limit: "100.00"
`

var testSecret = []byte("whsec_test")

type testEnv struct {
	directory *plans.Directory
	balances  *balance.Service
	events    *MemoryEventStore
	log       *logrus.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	catalog, err := plans.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	return &testEnv{
		directory: plans.NewDirectory(catalog, plans.NewMemoryAssignments()),
		balances:  balance.NewService(balance.NewMemoryStore(), log),
		events:    NewMemoryEventStore(),
		log:       log,
	}
}

// processor returns a new Processor over the shared stores, as another
// replica would build it
func (e *testEnv) processor() *Processor {
	return NewProcessor(e.directory, e.balances, e.events, e.log)
}

func newTestProcessor(t *testing.T) (*Processor, *plans.Directory, *balance.Service) {
	t.Helper()
	env := newTestEnv(t)
	return env.processor(), env.directory, env.balances
}

func TestApply_ActivationResetsBalance(t *testing.T) {
	p, directory, balances := newTestProcessor(t)
	ctx := context.Background()

	outcome, err := p.Apply(ctx, Event{ID: "evt_1", Type: EventActivated, SubscriberID: "sub_1", PlanID: "pro", ExternalID: "cus_1"})
	require.NoError(t, err)
	assert.True(t, outcome.BalanceReset)
	assert.Equal(t, "pro", outcome.PlanID)

	b, err := balances.GetBalance(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, b.IncludedBalance.Equal(decimal.NewFromInt(20)))
	require.NotNil(t, b.OnDemandLimit)
	assert.True(t, b.OnDemandLimit.Equal(decimal.NewFromInt(100)))

	plan, err := directory.GetPlan(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "pro", plan.PlanID)
}

func TestApply_DuplicateEventSkipped(t *testing.T) {
	p, _, balances := newTestProcessor(t)
	ctx := context.Background()

	_, err := p.Apply(ctx, Event{ID: "evt_1", Type: EventRenewed, SubscriberID: "sub_1", PlanID: "pro"})
	require.NoError(t, err)
	_, err = balances.Charge(ctx, balance.ChargeRequest{SubscriberID: "sub_1", Amount: decimal.NewFromInt(5), IdempotencyKey: "c1"})
	require.NoError(t, err)

	outcome, err := p.Apply(ctx, Event{ID: "evt_1", Type: EventRenewed, SubscriberID: "sub_1", PlanID: "pro"})
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)

	b, err := balances.GetBalance(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, b.IncludedBalance.Equal(decimal.NewFromInt(15)))
}

func TestApply_RedeliveryToAnotherReplicaSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	renewed := Event{ID: "evt_1", Type: EventRenewed, SubscriberID: "sub_1", PlanID: "pro"}

	_, err := env.processor().Apply(ctx, renewed)
	require.NoError(t, err)
	_, err = env.balances.Charge(ctx, balance.ChargeRequest{
		SubscriberID: "sub_1", Amount: decimal.NewFromInt(25), AllowOnDemand: true, IdempotencyKey: "c1",
	})
	require.NoError(t, err)

	outcome, err := env.processor().Apply(ctx, renewed)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)
	assert.True(t, outcome.BalanceReset)
	assert.Equal(t, "pro", outcome.PlanID)

	b, err := env.balances.GetBalance(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, b.IncludedBalance.IsZero())
	assert.True(t, b.OnDemandAccrued.Equal(decimal.NewFromInt(5)))
}

func TestApply_InFlightEventConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	_, claimed, err := env.events.Claim(ctx, &EventRecord{EventID: "evt_1", EventType: EventRenewed, SubscriberID: "sub_1", ClaimedAt: now}, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	p := env.processor()
	p.SetClock(func() time.Time { return now.Add(time.Minute) })
	_, err = p.Apply(ctx, Event{ID: "evt_1", Type: EventRenewed, SubscriberID: "sub_1", PlanID: "pro"})
	assert.ErrorIs(t, err, ErrEventInProgress)

	// an abandoned claim is taken over once its lease expires
	p.SetClock(func() time.Time { return now.Add(claimLease + time.Minute) })
	outcome, err := p.Apply(ctx, Event{ID: "evt_1", Type: EventRenewed, SubscriberID: "sub_1", PlanID: "pro"})
	require.NoError(t, err)
	assert.True(t, outcome.BalanceReset)
	assert.False(t, outcome.Duplicate)
}

func TestApply_FailureReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.processor()

	_, err := p.Apply(ctx, Event{ID: "evt_1", Type: EventActivated, SubscriberID: "sub_1", PlanID: "enterprise"})
	assert.ErrorIs(t, err, plans.ErrPlanNotFound)

	outcome, err := p.Apply(ctx, Event{ID: "evt_1", Type: EventActivated, SubscriberID: "sub_1", PlanID: "pro"})
	require.NoError(t, err)
	assert.False(t, outcome.Duplicate)
	assert.True(t, outcome.BalanceReset)
}

func TestApply_EventBeforeCurrentPeriodDoesNotReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	env.balances.SetClock(func() time.Time { return periodStart })

	_, err := env.processor().Apply(ctx, Event{ID: "evt_1", Type: EventActivated, SubscriberID: "sub_1", PlanID: "pro", OccurredAt: periodStart})
	require.NoError(t, err)
	_, err = env.balances.Charge(ctx, balance.ChargeRequest{SubscriberID: "sub_1", Amount: decimal.NewFromInt(5), IdempotencyKey: "c1"})
	require.NoError(t, err)

	outcome, err := env.processor().Apply(ctx, Event{
		ID: "evt_0", Type: EventRenewed, SubscriberID: "sub_1", PlanID: "pro", OccurredAt: periodStart.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, outcome.Stale)
	assert.False(t, outcome.BalanceReset)

	b, err := env.balances.GetBalance(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, b.IncludedBalance.Equal(decimal.NewFromInt(15)))
}

func TestApply_CancelKeepsBalance(t *testing.T) {
	p, directory, balances := newTestProcessor(t)
	ctx := context.Background()

	_, err := p.Apply(ctx, Event{ID: "evt_1", Type: EventActivated, SubscriberID: "sub_1", PlanID: "pro"})
	require.NoError(t, err)

	outcome, err := p.Apply(ctx, Event{ID: "evt_2", Type: EventCanceled, SubscriberID: "sub_1"})
	require.NoError(t, err)
	assert.False(t, outcome.BalanceReset)
	assert.Equal(t, "free", outcome.PlanID)

	a, err := directory.Assignment(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionStatusCanceled, a.Status)

	plan, err := directory.GetPlan(ctx, "sub_1")
	require.NoError(t, err)
	assert.False(t, plan.OnDemandAllowed)

	b, err := balances.GetBalance(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, b.IncludedBalance.Equal(decimal.NewFromInt(20)))
}

func TestApply_PastDueDoesNotReset(t *testing.T) {
	p, _, balances := newTestProcessor(t)
	ctx := context.Background()

	outcome, err := p.Apply(ctx, Event{ID: "evt_1", Type: EventPlanChanged, SubscriberID: "sub_1", PlanID: "pro", Status: billing.SubscriptionStatusPastDue})
	require.NoError(t, err)
	assert.False(t, outcome.BalanceReset)

	b, err := balances.GetBalance(ctx, "sub_1")
	require.NoError(t, err)
	assert.False(t, b.Exists())
}

func TestApply_Invalid(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		event Event
	}{
		{"missing id", Event{Type: EventActivated, SubscriberID: "s", PlanID: "pro"}},
		{"missing subscriber", Event{ID: "e", Type: EventActivated, PlanID: "pro"}},
		{"missing plan", Event{ID: "e", Type: EventRenewed, SubscriberID: "s"}},
		{"bad status", Event{ID: "e", Type: EventRenewed, SubscriberID: "s", PlanID: "pro", Status: "paused"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Apply(ctx, tt.event)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}

	outcome, err := p.Apply(ctx, Event{ID: "e9", Type: "invoice.paid", SubscriberID: "s"})
	require.NoError(t, err)
	assert.True(t, outcome.Ignored)
}

func post(t *testing.T, h http.Handler, event Event, signature string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	if signature == "" {
		signature = Sign(body, testSecret)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/subscriptions", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, signature)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	h := NewHandler(p, testSecret, nil)

	rec := post(t, h, Event{ID: "evt_1", Type: EventActivated, SubscriberID: "sub_1", PlanID: "pro"}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var outcome Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.True(t, outcome.BalanceReset)

	rec = post(t, h, Event{ID: "evt_2", Type: EventActivated, SubscriberID: "sub_1", PlanID: "pro"}, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, h, Event{ID: "evt_3", Type: EventActivated, SubscriberID: "sub_1", PlanID: "enterprise"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	now := time.Now().UTC()
	_, claimed, err := p.events.Claim(context.Background(), &EventRecord{EventID: "evt_4", EventType: EventRenewed, SubscriberID: "sub_1", ClaimedAt: now}, now.Add(-claimLease))
	require.NoError(t, err)
	require.True(t, claimed)
	rec = post(t, h, Event{ID: "evt_4", Type: EventRenewed, SubscriberID: "sub_1", PlanID: "pro"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sig := Sign(payload, testSecret)
	assert.Contains(t, sig, "sha256=")
	assert.True(t, VerifySignature(payload, sig, testSecret))
	assert.False(t, VerifySignature(payload, sig, []byte("other")))
	assert.False(t, VerifySignature([]byte(`{}`), sig, testSecret))
}
