package plans

import (
	"context"
	"errors"
	"testing"

	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) *Directory {
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	return NewDirectory(c, NewMemoryAssignments())
}

func TestDirectory_GetPlan(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	p, err := dir.GetPlan(ctx, "sub_new")
	require.NoError(t, err)
	assert.Equal(t, "free", p.PlanID)

	_, err = dir.Assign(ctx, "sub_1", "pro", billing.SubscriptionStatusActive, "ext_1")
	require.NoError(t, err)
	p, err = dir.GetPlan(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "pro", p.PlanID)
	assert.True(t, p.OnDemandAllowed)

	_, err = dir.Assign(ctx, "sub_1", "pro", billing.SubscriptionStatusPastDue, "ext_1")
	require.NoError(t, err)
	p, err = dir.GetPlan(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "free", p.PlanID, "lapsed subscriptions fall back")
}

func TestDirectory_AssignUnknownPlan(t *testing.T) {
	dir := newTestDirectory(t)

	_, err := dir.Assign(context.Background(), "sub_1", "gold", billing.SubscriptionStatusActive, "")
	assert.True(t, errors.Is(err, ErrPlanNotFound))

	a, err := dir.Assignment(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Nil(t, a)
}
