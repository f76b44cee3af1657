// Package objectstore stores package payloads and mints short-lived signed
// download URLs for them. S3Store serves production deployments; LocalStore
// serves single-node deployments from the filesystem with HMAC-signed links.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultDownloadTTL is how long a signed download stays valid
const DefaultDownloadTTL = time.Hour

var (
	// ErrInvalidPath is returned for empty or escaping payload paths
	ErrInvalidPath = errors.New("invalid payload path")

	// ErrInvalidSignature is returned when a signed URL fails verification
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrExpired is returned when a signed URL is past its expiry
	ErrExpired = errors.New("signed url expired")
)

// SignedURL is a time-boxed download grant
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Signer mints signed download URLs for stored payloads
type Signer interface {
	CreateSignedDownload(ctx context.Context, path string, ttl time.Duration) (*SignedURL, error)
}

// Payload describes a stored payload
type Payload struct {
	Location string `json:"location"`
	Digest   string `json:"digest"`
	Size     int64  `json:"size"`
}

// PayloadWriter stores payload bytes content-addressed by their sha256
type PayloadWriter interface {
	PutPayload(ctx context.Context, data []byte, contentType string) (*Payload, error)
}

// Store is a payload backend that can both write and sign
type Store interface {
	Signer
	PayloadWriter
}

// Digest returns the lowercase hex sha256 of data
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// contentKey lays payloads out as payloads/sha256/ab/cdef...
func contentKey(digest string) string {
	return fmt.Sprintf("payloads/sha256/%s/%s", digest[:2], digest[2:])
}

func cleanPath(path string) (string, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return "", ErrInvalidPath
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." || part == "." {
			return "", fmt.Errorf("%w: %s", ErrInvalidPath, path)
		}
	}
	return path, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultDownloadTTL
	}
	return ttl
}
