// Package registry stores immutable, versioned package manifests for
// purchasable building blocks and resolves abstract requirements to concrete
// candidates.
//
// A manifest is identified by (id, version). Versions are dot-separated
// integers compared component-wise, with missing components treated as zero,
// and are stored in canonical major.minor.patch form. Manifests are never
// mutated after registration; they can only be deactivated, which hides them
// from lookups and resolution while keeping existing purchases deliverable.
//
// # Resolution
//
// Requirements come in three shapes:
//
//	{ID: "psu-buck", Version: "1.2.0"}          exact lookup
//	{ID: "psu-buck", Min: "1.0", Max: "1.5"}    highest active version in range
//	{Query: "buck", Tags: []string{"power"}}    best search hit
//
// Resolve never aborts on a requirement that matches nothing. It returns the
// candidates it found plus one error string per miss so callers can decide
// whether to proceed with a reduced basket.
package registry
