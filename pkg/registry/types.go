package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Manifest describes one immutable version of a purchasable package
type Manifest struct {
	ID            string            `json:"id" yaml:"id"`
	Version       string            `json:"version" yaml:"version"`
	Name          string            `json:"name" yaml:"name"`
	Description   string            `json:"description,omitempty" yaml:"description"`
	Tags          []string          `json:"tags,omitempty" yaml:"tags"`
	Price         decimal.Decimal   `json:"price" yaml:"price"`
	ContentDigest string            `json:"content_digest" yaml:"content_digest"`
	Compatibility map[string]string `json:"compatibility,omitempty" yaml:"compatibility"`
}

// Record is a registered manifest plus its storage and popularity data
type Record struct {
	Manifest
	PayloadLocation string     `json:"payload_location"`
	SizeBytes       int64      `json:"size_bytes"`
	Active          bool       `json:"active"`
	DownloadCount   int64      `json:"download_count"`
	CreatedAt       time.Time  `json:"created_at"`
	DeactivatedAt   *time.Time `json:"deactivated_at,omitempty"`
}

// Key returns "id@version"
func (r *Record) Key() string {
	return recordKey(r.ID, r.Version)
}

func recordKey(id, version string) string {
	return id + "@" + version
}

// Clone returns a deep copy
func (r *Record) Clone() *Record {
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	if r.Compatibility != nil {
		c.Compatibility = make(map[string]string, len(r.Compatibility))
		for k, v := range r.Compatibility {
			c.Compatibility[k] = v
		}
	}
	if r.DeactivatedAt != nil {
		t := *r.DeactivatedAt
		c.DeactivatedAt = &t
	}
	return &c
}

// Requirement is a query against the registry. Exactly one shape applies:
// ID+Version (exact), ID with optional Min/Max (range), or Query/Tags (search).
type Requirement struct {
	ID      string   `json:"id,omitempty" validate:"omitempty,max=255"`
	Version string   `json:"version,omitempty"`
	Min     string   `json:"min,omitempty"`
	Max     string   `json:"max,omitempty"`
	Query   string   `json:"query,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// RequirementKind classifies a Requirement
type RequirementKind int

const (
	RequirementInvalid RequirementKind = iota
	RequirementExact
	RequirementRange
	RequirementSearch
)

// Kind returns the requirement shape, or RequirementInvalid
func (r Requirement) Kind() RequirementKind {
	switch {
	case r.ID != "" && r.Version != "":
		if r.Min != "" || r.Max != "" {
			return RequirementInvalid
		}
		return RequirementExact
	case r.ID != "":
		return RequirementRange
	case r.Query != "" || len(r.Tags) > 0:
		if r.Version != "" || r.Min != "" || r.Max != "" {
			return RequirementInvalid
		}
		return RequirementSearch
	}
	return RequirementInvalid
}

// String renders the requirement for error messages
func (r Requirement) String() string {
	switch r.Kind() {
	case RequirementExact:
		return r.ID + "@" + r.Version
	case RequirementRange:
		lo, hi := r.Min, r.Max
		if lo == "" {
			lo = "*"
		}
		if hi == "" {
			hi = "*"
		}
		return fmt.Sprintf("%s@[%s,%s]", r.ID, lo, hi)
	case RequirementSearch:
		return fmt.Sprintf("search(query=%q tags=%s)", r.Query, strings.Join(r.Tags, ","))
	}
	return "invalid requirement"
}

// Candidate is a requirement paired with the record it resolved to
type Candidate struct {
	Requirement Requirement     `json:"requirement"`
	ID          string          `json:"id"`
	Version     string          `json:"version"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Record      *Record         `json:"record"`
}

// Resolution is the result of Resolve: whatever resolved plus one error
// string per requirement that did not
type Resolution struct {
	Candidates []Candidate     `json:"candidates"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Errors     []string        `json:"errors,omitempty"`
}

// Complete reports whether every requirement resolved
func (r *Resolution) Complete() bool {
	return len(r.Errors) == 0
}

// Err returns an ErrResolutionPartial error listing the misses, or nil
func (r *Resolution) Err() error {
	if r.Complete() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrResolutionPartial, strings.Join(r.Errors, "; "))
}

// SearchQuery filters active records
type SearchQuery struct {
	Query         string            `json:"query,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Compatibility map[string]string `json:"compatibility,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

func (q SearchQuery) normalized() SearchQuery {
	q.Query = strings.TrimSpace(q.Query)
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}
	if q.Limit > maxSearchLimit {
		q.Limit = maxSearchLimit
	}
	return q
}

// matches applies the search filters to a single record
func (q SearchQuery) matches(r *Record) bool {
	if !r.Active {
		return false
	}
	if q.Query != "" {
		needle := strings.ToLower(q.Query)
		if !strings.Contains(strings.ToLower(r.Name), needle) &&
			!strings.Contains(strings.ToLower(r.Description), needle) {
			return false
		}
	}
	for _, tag := range q.Tags {
		if !containsString(r.Tags, tag) {
			return false
		}
	}
	for k, v := range q.Compatibility {
		if r.Compatibility[k] != v {
			return false
		}
	}
	return true
}

// sortSearchResults orders name matches before description matches when a
// query is given, then by download count, then id and version descending
func sortSearchResults(records []*Record, query string) {
	needle := strings.ToLower(query)
	nameHit := func(r *Record) bool {
		return needle != "" && strings.Contains(strings.ToLower(r.Name), needle)
	}
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if ha, hb := nameHit(a), nameHit(b); ha != hb {
			return ha
		}
		if a.DownloadCount != b.DownloadCount {
			return a.DownloadCount > b.DownloadCount
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		c, _ := CompareVersions(a.Version, b.Version)
		return c > 0
	})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
