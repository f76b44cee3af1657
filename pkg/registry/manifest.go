package registry

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	digestRegex = regexp.MustCompile(`^[a-f0-9]{64}$`)
	idRegex     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,254}$`)
)

// Validate checks required fields and canonicalizes the version and tags
func (m *Manifest) Validate() error {
	if !idRegex.MatchString(m.ID) {
		return NewInvalidManifestError("id", "must be alphanumeric with . _ -")
	}
	if strings.TrimSpace(m.Name) == "" {
		return NewInvalidManifestError("name", "is required")
	}
	canonical, err := CanonicalVersion(m.Version)
	if err != nil {
		return fmt.Errorf("%w: version %v", ErrInvalidManifest, err)
	}
	m.Version = canonical
	if m.Price.IsNegative() {
		return NewInvalidManifestError("price", "must not be negative")
	}
	m.ContentDigest = strings.ToLower(strings.TrimPrefix(m.ContentDigest, "sha256:"))
	if !digestRegex.MatchString(m.ContentDigest) {
		return NewInvalidManifestError("content_digest", "must be a hex sha256 digest")
	}
	m.Tags = normalizeTags(m.Tags)
	return nil
}

// Equal reports whether two manifests have identical content
func (m *Manifest) Equal(o *Manifest) bool {
	if m.ID != o.ID || m.Version != o.Version || m.Name != o.Name ||
		m.Description != o.Description || !m.Price.Equal(o.Price) ||
		m.ContentDigest != o.ContentDigest || len(m.Tags) != len(o.Tags) ||
		len(m.Compatibility) != len(o.Compatibility) {
		return false
	}
	for i := range m.Tags {
		if m.Tags[i] != o.Tags[i] {
			return false
		}
	}
	for k, v := range m.Compatibility {
		if ov, ok := o.Compatibility[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// LoadManifest reads and validates a YAML manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates a YAML manifest
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
