package plans

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

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
    monthly_allowance: "5.00"
    on_demand_allowed: false
  - id: pro
    name: Pro
    monthly_allowance: "20.00"
    on_demand_allowed: true
    on_demand_default_cap: "50.00"
    on_demand_limit: "200.00"
  - id: unlimited
    monthly_allowance: "100"
    on_demand_allowed: true
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	pro, err := c.Plan("pro")
	require.NoError(t, err)
	assert.Equal(t, "Pro", pro.Name)
	assert.True(t, pro.MonthlyAllowance.Equal(decimal.RequireFromString("20")))
	require.NotNil(t, pro.OnDemandDefaultCap)
	assert.True(t, pro.OnDemandDefaultCap.Equal(decimal.RequireFromString("50")))
	assert.True(t, pro.BalanceLimit().Equal(decimal.RequireFromString("200")))

	free, err := c.Plan("free")
	require.NoError(t, err)
	assert.True(t, free.BalanceLimit().IsZero(), "plans without overage store a zero limit")

	unlimited, err := c.Plan("unlimited")
	require.NoError(t, err)
	assert.Nil(t, unlimited.BalanceLimit())

	_, err = c.Plan("enterprise")
	assert.True(t, errors.Is(err, ErrPlanNotFound))

	assert.Len(t, c.Plans(), 3)
	assert.Equal(t, "free", c.DefaultPlanID())
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "plans: []"},
		{"negative allowance", "plans:\n  - id: a\n    monthly_allowance: \"-1\""},
		{"bad amount", "plans:\n  - id: a\n    monthly_allowance: lots"},
		{"duplicate", "plans:\n  - id: a\n  - id: a"},
		{"unknown default", "default_plan: gold\nplans:\n  - id: a"},
		{"missing id", "plans:\n  - name: nameless"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.True(t, errors.Is(err, ErrInvalidCatalog), "got %v", err)
		})
	}
}

func TestCatalog_ReloadKeepsPlansOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	c, err := LoadCatalog(path, logrus.New())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("plans: ["), 0o644))
	assert.Error(t, c.Reload())

	_, err = c.Plan("pro")
	assert.NoError(t, err)
}

func TestCatalog_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	c, err := LoadCatalog(path, logrus.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Watch(ctx)
	time.Sleep(50 * time.Millisecond)

	updated := "plans:\n  - id: free\n    monthly_allowance: \"7.50\"\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		p, err := c.Plan("free")
		return err == nil && p.MonthlyAllowance.Equal(decimal.RequireFromString("7.5"))
	}, 2*time.Second, 20*time.Millisecond)
}
