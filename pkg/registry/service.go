package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Registry provides package registry operations
type Registry struct {
	store Store
	now   func() time.Time
	log   *logrus.Logger
}

// NewRegistry creates a new registry service
func NewRegistry(store Store, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	return &Registry{
		store: store,
		now:   time.Now,
		log:   log,
	}
}

// Register publishes a manifest. An active (id, version) is never replaced.
// Re-registering an identical manifest for a deactivated version reactivates it.
func (r *Registry) Register(ctx context.Context, manifest Manifest, payloadLocation string, size int64) (*Record, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payloadLocation) == "" {
		return nil, NewInvalidManifestError("payload_location", "is required")
	}
	if size < 0 {
		return nil, NewInvalidManifestError("size", "must not be negative")
	}

	existing, err := r.store.Get(ctx, manifest.ID, manifest.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to look up package: %w", err)
	}
	if existing != nil {
		if existing.Active || !existing.Manifest.Equal(&manifest) {
			return nil, NewAlreadyExistsError(manifest.ID, manifest.Version)
		}
		if err := r.store.SetActive(ctx, manifest.ID, manifest.Version, true); err != nil {
			return nil, fmt.Errorf("failed to reactivate package: %w", err)
		}
		existing.Active = true
		existing.DeactivatedAt = nil
		r.log.WithField("package", existing.Key()).Info("Package reactivated")
		return existing, nil
	}

	record := &Record{
		Manifest:        manifest,
		PayloadLocation: payloadLocation,
		SizeBytes:       size,
		Active:          true,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.store.Insert(ctx, record); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"package": record.Key(),
		"price":   record.Price.String(),
	}).Info("Package registered")
	return record, nil
}

// GetExact returns the active record for (id, version), or nil
func (r *Registry) GetExact(ctx context.Context, id, version string) (*Record, error) {
	rec, err := r.GetRecord(ctx, id, version)
	if err != nil || rec == nil || !rec.Active {
		return nil, err
	}
	return rec, nil
}

// GetRecord returns the record for (id, version) even if deactivated, or nil.
// Delivery of past purchases uses it.
func (r *Registry) GetRecord(ctx context.Context, id, version string) (*Record, error) {
	canonical, err := CanonicalVersion(version)
	if err != nil {
		return nil, err
	}
	rec, err := r.store.Get(ctx, id, canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return rec, nil
}

// GetLatest returns the highest active version of id, or nil
func (r *Registry) GetLatest(ctx context.Context, id string) (*Record, error) {
	return r.highest(ctx, id, nil, nil)
}

// Search returns active records matching the query
func (r *Registry) Search(ctx context.Context, q SearchQuery) ([]*Record, error) {
	q = q.normalized()
	q.Tags = normalizeTags(q.Tags)
	records, err := r.store.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to search packages: %w", err)
	}
	return records, nil
}

// Resolve maps each requirement to its best candidate. A requirement that
// matches nothing is reported in Resolution.Errors and does not stop the
// others. The returned error is reserved for store failures.
func (r *Registry) Resolve(ctx context.Context, requirements []Requirement) (*Resolution, error) {
	res := &Resolution{Candidates: []Candidate{}, TotalPrice: decimal.Zero}

	for i, req := range requirements {
		rec, miss, err := r.resolveOne(ctx, req)
		if err != nil {
			return nil, err
		}
		if miss != "" {
			res.Errors = append(res.Errors, fmt.Sprintf("requirement %d (%s): %s", i, req.String(), miss))
			continue
		}
		res.Candidates = append(res.Candidates, Candidate{
			Requirement: req,
			ID:          rec.ID,
			Version:     rec.Version,
			Name:        rec.Name,
			Price:       rec.Price,
			Record:      rec,
		})
		res.TotalPrice = res.TotalPrice.Add(rec.Price)
	}

	if !res.Complete() {
		r.log.WithFields(logrus.Fields{
			"resolved":   len(res.Candidates),
			"unresolved": len(res.Errors),
		}).Debug("Partial resolution")
	}
	return res, nil
}

// resolveOne returns the record, or a miss description, or a store error
func (r *Registry) resolveOne(ctx context.Context, req Requirement) (*Record, string, error) {
	switch req.Kind() {
	case RequirementExact:
		if _, err := ParseVersion(req.Version); err != nil {
			return nil, err.Error(), nil
		}
		rec, err := r.GetExact(ctx, req.ID, req.Version)
		if err != nil {
			return nil, "", err
		}
		if rec == nil {
			return nil, "no active package version found", nil
		}
		return rec, "", nil

	case RequirementRange:
		var lo, hi *Version
		for _, bound := range []struct {
			s   string
			dst **Version
		}{{req.Min, &lo}, {req.Max, &hi}} {
			if bound.s == "" {
				continue
			}
			v, err := ParseVersion(bound.s)
			if err != nil {
				return nil, err.Error(), nil
			}
			*bound.dst = &v
		}
		if lo != nil && hi != nil && lo.Compare(*hi) > 0 {
			return nil, fmt.Sprintf("%v: min greater than max", ErrInvalidRequirement), nil
		}
		rec, err := r.highest(ctx, req.ID, lo, hi)
		if err != nil {
			return nil, "", err
		}
		if rec == nil {
			return nil, "no active version in range", nil
		}
		return rec, "", nil

	case RequirementSearch:
		hits, err := r.Search(ctx, SearchQuery{Query: req.Query, Tags: req.Tags, Limit: 1})
		if err != nil {
			return nil, "", err
		}
		if len(hits) == 0 {
			return nil, "no package matches search", nil
		}
		return hits[0], "", nil
	}

	return nil, ErrInvalidRequirement.Error(), nil
}

// highest returns the highest active version of id within the optional
// inclusive bounds
func (r *Registry) highest(ctx context.Context, id string, lo, hi *Version) (*Record, error) {
	records, err := r.store.ListActive(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list package versions: %w", err)
	}

	var best *Record
	var bestVersion Version
	for _, rec := range records {
		v, err := ParseVersion(rec.Version)
		if err != nil {
			r.log.WithField("package", rec.Key()).Warn("Skipping record with unparsable version")
			continue
		}
		if lo != nil && v.Compare(*lo) < 0 {
			continue
		}
		if hi != nil && v.Compare(*hi) > 0 {
			continue
		}
		if best == nil || v.Compare(bestVersion) > 0 {
			best, bestVersion = rec, v
		}
	}
	return best, nil
}

// Deactivate soft-deletes a package version
func (r *Registry) Deactivate(ctx context.Context, id, version string) error {
	canonical, err := CanonicalVersion(version)
	if err != nil {
		return err
	}
	if err := r.store.SetActive(ctx, id, canonical, false); err != nil {
		return err
	}
	r.log.WithField("package", recordKey(id, canonical)).Info("Package deactivated")
	return nil
}

// IncrementDownloadCount bumps the popularity counter. Callers treat it as
// fire-and-forget.
func (r *Registry) IncrementDownloadCount(ctx context.Context, id, version string) error {
	canonical, err := CanonicalVersion(version)
	if err != nil {
		return err
	}
	return r.store.IncrementDownloads(ctx, id, canonical)
}
