package billing

import (
	"errors"
	"fmt"
)

// ErrInvalidBucket is returned when parsing an unknown bucket name
var ErrInvalidBucket = errors.New("invalid bucket")

// Bucket identifies which of the two balances a charge was drawn from: the
// included subscription allowance or on-demand overage
type Bucket string

const (
	BucketIncluded Bucket = "included"
	BucketOnDemand Bucket = "on_demand"
)

// Buckets lists every bucket in drain order
var Buckets = []Bucket{BucketIncluded, BucketOnDemand}

// Valid reports whether b is one of the two known buckets
func (b Bucket) Valid() bool {
	switch b {
	case BucketIncluded, BucketOnDemand:
		return true
	}
	return false
}

// String implements fmt.Stringer
func (b Bucket) String() string {
	return string(b)
}

// ParseBucket converts a stored or user-supplied string into a Bucket
func ParseBucket(s string) (Bucket, error) {
	b := Bucket(s)
	if !b.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidBucket, s)
	}
	return b, nil
}
