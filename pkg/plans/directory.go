package plans

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/billing"
)

// Directory resolves subscriber plans from a catalog and an assignment store
type Directory struct {
	catalog     *Catalog
	assignments Assignments
	now         func() time.Time
}

// NewDirectory creates a new Directory
func NewDirectory(catalog *Catalog, assignments Assignments) *Directory {
	return &Directory{catalog: catalog, assignments: assignments, now: time.Now}
}

// Catalog returns the underlying catalog
func (d *Directory) Catalog() *Catalog {
	return d.catalog
}

// GetPlan returns the plan in effect. Unassigned subscribers get the default
// plan; subscribers whose subscription lapsed get the fallback plan.
func (d *Directory) GetPlan(ctx context.Context, subscriberID string) (*Plan, error) {
	a, err := d.assignments.Get(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan assignment: %w", err)
	}
	switch {
	case a == nil:
		return d.catalog.Plan(d.catalog.DefaultPlanID())
	case !a.Status.Entitled():
		return d.catalog.Plan(d.catalog.FallbackPlanID())
	}
	return d.catalog.Plan(a.PlanID)
}

// Assign records a plan assignment and returns the assigned plan
func (d *Directory) Assign(ctx context.Context, subscriberID, planID string, status billing.SubscriptionStatus, externalID string) (*Plan, error) {
	if strings.TrimSpace(subscriberID) == "" {
		return nil, fmt.Errorf("subscriber id is required")
	}
	if !status.Valid() {
		return nil, fmt.Errorf("invalid subscription status %q", status)
	}
	plan, err := d.catalog.Plan(planID)
	if err != nil {
		return nil, err
	}
	a := &Assignment{
		SubscriberID: subscriberID,
		PlanID:       planID,
		Status:       status,
		ExternalID:   externalID,
		UpdatedAt:    d.now().UTC(),
	}
	if err := d.assignments.Put(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to save plan assignment: %w", err)
	}
	return plan, nil
}

// Assignment returns the raw assignment, or nil when none exists
func (d *Directory) Assignment(ctx context.Context, subscriberID string) (*Assignment, error) {
	return d.assignments.Get(ctx, subscriberID)
}
