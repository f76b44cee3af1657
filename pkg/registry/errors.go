package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a package version does not exist
	ErrNotFound = errors.New("package not found")

	// ErrAlreadyExists is returned when registering an (id, version) that is taken
	ErrAlreadyExists = errors.New("package version already exists")

	// ErrInvalidManifest is returned when a manifest fails validation
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrInvalidVersion is returned when a version string cannot be parsed
	ErrInvalidVersion = errors.New("invalid version")

	// ErrInvalidRequirement is returned for malformed requirements
	ErrInvalidRequirement = errors.New("invalid requirement")

	// ErrResolutionPartial is returned when some requirements did not resolve
	ErrResolutionPartial = errors.New("some requirements could not be resolved")
)

// IsNotFoundError checks if the error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExistsError checks if the error is or wraps ErrAlreadyExists
func IsAlreadyExistsError(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidationError reports whether err is a manifest, version or requirement
// validation failure
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidManifest) || errors.Is(err, ErrInvalidVersion) || errors.Is(err, ErrInvalidRequirement)
}

// NewNotFoundError creates a not found error naming the package version
func NewNotFoundError(id, version string) error {
	return fmt.Errorf("%w: %s@%s", ErrNotFound, id, version)
}

// NewAlreadyExistsError creates an already exists error naming the package version
func NewAlreadyExistsError(id, version string) error {
	return fmt.Errorf("%w: %s@%s", ErrAlreadyExists, id, version)
}

// NewInvalidManifestError creates an invalid manifest error naming the field
func NewInvalidManifestError(field, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidManifest, field, msg)
}
