package plans

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	DefaultPlan  string     `yaml:"default_plan"`
	FallbackPlan string     `yaml:"fallback_plan"`
	Plans        []planFile `yaml:"plans"`
}

type planFile struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	MonthlyAllowance   string `yaml:"monthly_allowance"`
	OnDemandAllowed    bool   `yaml:"on_demand_allowed"`
	OnDemandDefaultCap string `yaml:"on_demand_default_cap"`
	OnDemandLimit      string `yaml:"on_demand_limit"`
}

type catalogData struct {
	plans        map[string]*Plan
	defaultPlan  string
	fallbackPlan string
}

// Catalog holds plan definitions loaded from YAML
type Catalog struct {
	mu   sync.RWMutex
	data catalogData
	path string
	log  *logrus.Logger
}

// LoadCatalog reads a catalog file
func LoadCatalog(path string, log *logrus.Logger) (*Catalog, error) {
	if log == nil {
		log = logrus.New()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	data, err := parseCatalog(raw)
	if err != nil {
		return nil, err
	}
	return &Catalog{data: data, path: filepath.Clean(path), log: log}, nil
}

// ParseCatalog builds a catalog from YAML bytes. The result is not watched.
func ParseCatalog(raw []byte) (*Catalog, error) {
	data, err := parseCatalog(raw)
	if err != nil {
		return nil, err
	}
	return &Catalog{data: data, log: logrus.New()}, nil
}

func parseCatalog(raw []byte) (catalogData, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return catalogData{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if len(file.Plans) == 0 {
		return catalogData{}, fmt.Errorf("%w: no plans defined", ErrInvalidCatalog)
	}

	data := catalogData{
		plans:        make(map[string]*Plan, len(file.Plans)),
		defaultPlan:  file.DefaultPlan,
		fallbackPlan: file.FallbackPlan,
	}
	for _, pf := range file.Plans {
		p, err := pf.toPlan()
		if err != nil {
			return catalogData{}, err
		}
		if _, dup := data.plans[p.PlanID]; dup {
			return catalogData{}, fmt.Errorf("%w: duplicate plan %q", ErrInvalidCatalog, p.PlanID)
		}
		data.plans[p.PlanID] = p
	}

	if data.defaultPlan == "" {
		data.defaultPlan = file.Plans[0].ID
	}
	if data.fallbackPlan == "" {
		data.fallbackPlan = data.defaultPlan
	}
	for _, id := range []string{data.defaultPlan, data.fallbackPlan} {
		if _, ok := data.plans[id]; !ok {
			return catalogData{}, fmt.Errorf("%w: plan %q referenced but not defined", ErrInvalidCatalog, id)
		}
	}
	return data, nil
}

func (pf planFile) toPlan() (*Plan, error) {
	id := strings.TrimSpace(pf.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: plan without id", ErrInvalidCatalog)
	}
	allowance, err := parseAmount(pf.MonthlyAllowance, id, "monthly_allowance")
	if err != nil {
		return nil, err
	}
	if allowance == nil {
		zero := decimal.Zero
		allowance = &zero
	}
	defaultCap, err := parseAmount(pf.OnDemandDefaultCap, id, "on_demand_default_cap")
	if err != nil {
		return nil, err
	}
	limit, err := parseAmount(pf.OnDemandLimit, id, "on_demand_limit")
	if err != nil {
		return nil, err
	}
	return &Plan{
		PlanID:             id,
		Name:               pf.Name,
		MonthlyAllowance:   *allowance,
		OnDemandAllowed:    pf.OnDemandAllowed,
		OnDemandDefaultCap: defaultCap,
		OnDemandLimit:      limit,
	}, nil
}

func parseAmount(s, planID, field string) (*decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: plan %q %s: %v", ErrInvalidCatalog, planID, field, err)
	}
	if v.IsNegative() {
		return nil, fmt.Errorf("%w: plan %q %s must not be negative", ErrInvalidCatalog, planID, field)
	}
	return &v, nil
}

// Plan returns a copy of the plan with the given id
func (c *Catalog) Plan(id string) (*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.data.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	cp := *p
	return &cp, nil
}

// Plans lists every plan ordered by id
func (c *Catalog) Plans() []*Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Plan, 0, len(c.data.plans))
	for _, p := range c.data.plans {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out
}

// DefaultPlanID is the plan of subscribers with no assignment
func (c *Catalog) DefaultPlanID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.defaultPlan
}

// FallbackPlanID is the plan canceled subscribers are moved to
func (c *Catalog) FallbackPlanID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.fallbackPlan
}

// Reload re-reads the catalog file. On error the current plans are kept.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return fmt.Errorf("%w: catalog has no backing file", ErrInvalidCatalog)
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read plan catalog: %w", err)
	}
	data, err := parseCatalog(raw)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.data = data
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"path":  c.path,
		"plans": len(data.plans),
	}).Info("Plan catalog reloaded")
	return nil
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return fmt.Errorf("%w: catalog has no backing file", ErrInvalidCatalog)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", c.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != c.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.Reload(); err != nil {
				c.log.WithError(err).Warn("Failed to reload plan catalog")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.WithError(err).Warn("Plan catalog watcher error")
		}
	}
}
