package plans

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/shopspring/decimal"
)

var (
	// ErrPlanNotFound is returned when a plan id is not in the catalog
	ErrPlanNotFound = errors.New("plan not found")

	// ErrInvalidCatalog is returned when a catalog file cannot be used
	ErrInvalidCatalog = errors.New("invalid plan catalog")
)

// Plan is the commercial entitlement of a subscriber
type Plan struct {
	PlanID           string          `json:"plan_id"`
	Name             string          `json:"name,omitempty"`
	MonthlyAllowance decimal.Decimal `json:"monthly_allowance"`
	OnDemandAllowed  bool            `json:"on_demand_allowed"`
	// OnDemandDefaultCap bounds cumulative on-demand accrual in the period,
	// including the charge being made, for checkouts under this plan
	OnDemandDefaultCap *decimal.Decimal `json:"on_demand_default_cap,omitempty"`
	// OnDemandLimit bounds on-demand accrual per billing period
	OnDemandLimit *decimal.Decimal `json:"on_demand_limit,omitempty"`
}

// BalanceLimit is the per-period on-demand limit to store on the balance.
// Plans without overage get a zero limit.
func (p *Plan) BalanceLimit() *decimal.Decimal {
	if !p.OnDemandAllowed {
		zero := decimal.Zero
		return &zero
	}
	if p.OnDemandLimit == nil {
		return nil
	}
	limit := *p.OnDemandLimit
	return &limit
}

// Source resolves the plan in effect for a subscriber
type Source interface {
	GetPlan(ctx context.Context, subscriberID string) (*Plan, error)
}

// Assignment records which plan a subscriber is on
type Assignment struct {
	SubscriberID string                     `json:"subscriber_id"`
	PlanID       string                     `json:"plan_id"`
	Status       billing.SubscriptionStatus `json:"status"`
	ExternalID   string                     `json:"external_id,omitempty"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Assignments persists plan assignments
type Assignments interface {
	// Get returns nil, nil when the subscriber has no assignment
	Get(ctx context.Context, subscriberID string) (*Assignment, error)
	Put(ctx context.Context, a *Assignment) error
}
