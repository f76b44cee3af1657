package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalStore keeps payloads on the local filesystem and signs download URLs
// with HMAC-SHA256. Handler serves the signed URLs it mints.
type LocalStore struct {
	rootDir string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewLocalStore creates a LocalStore rooted at rootDir. baseURL is the
// public prefix Handler is mounted under.
func NewLocalStore(rootDir, baseURL string, secret []byte) (*LocalStore, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalStore{
		rootDir: rootDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

// CreateSignedDownload returns {baseURL}/{path}?expires=...&signature=...
func (s *LocalStore) CreateSignedDownload(ctx context.Context, path string, ttl time.Duration) (*SignedURL, error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	expiresAt := s.now().Add(normalizeTTL(ttl)).UTC().Truncate(time.Second)
	expires := strconv.FormatInt(expiresAt.Unix(), 10)

	q := url.Values{}
	q.Set("expires", expires)
	q.Set("signature", s.sign(path, expires))
	return &SignedURL{
		URL:       s.baseURL + "/" + path + "?" + q.Encode(),
		ExpiresAt: expiresAt,
	}, nil
}

func (s *LocalStore) sign(path, expires string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature minted by CreateSignedDownload
func (s *LocalStore) Verify(path, expires, signature string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	expected := s.sign(path, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if !s.now().Before(time.Unix(unix, 0)) {
		return ErrExpired
	}
	return nil
}

// PutPayload writes data under its content address
func (s *LocalStore) PutPayload(ctx context.Context, data []byte, contentType string) (*Payload, error) {
	digest := Digest(data)
	key := contentKey(digest)
	full := filepath.Join(s.rootDir, filepath.FromSlash(key))

	if _, err := os.Stat(full); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, fmt.Errorf("failed to create payload directory: %w", err)
		}
		tmp := full + ".tmp"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write payload: %w", err)
		}
		if err := os.Rename(tmp, full); err != nil {
			return nil, fmt.Errorf("failed to move payload into place: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat payload: %w", err)
	}
	return &Payload{Location: key, Digest: digest, Size: int64(len(data))}, nil
}

// Handler serves signed downloads. Mount it with the prefix stripped.
func (s *LocalStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		q := r.URL.Query()
		if err := s.Verify(path, q.Get("expires"), q.Get("signature")); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		http.ServeFile(w, r, filepath.Join(s.rootDir, filepath.FromSlash(path)))
	})
}
