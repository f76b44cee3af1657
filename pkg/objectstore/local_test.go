package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	s, err := NewLocalStore(t.TempDir(), "http://localhost:8080/downloads/", []byte("secret"))
	require.NoError(t, err)
	return s
}

func signedParts(t *testing.T, signed *SignedURL) (path, expires, signature string) {
	u, err := url.Parse(signed.URL)
	require.NoError(t, err)
	return strings.TrimPrefix(u.Path, "/downloads/"), u.Query().Get("expires"), u.Query().Get("signature")
}

func TestLocalStore_SignAndVerify(t *testing.T) {
	s := newTestLocalStore(t)
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	signed, err := s.CreateSignedDownload(context.Background(), "payloads/sha256/ab/cd", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), signed.ExpiresAt)
	assert.True(t, strings.HasPrefix(signed.URL, "http://localhost:8080/downloads/payloads/sha256/ab/cd?"))

	path, expires, sig := signedParts(t, signed)
	assert.NoError(t, s.Verify(path, expires, sig))
	assert.True(t, errors.Is(s.Verify("payloads/sha256/ab/other", expires, sig), ErrInvalidSignature))
	assert.True(t, errors.Is(s.Verify(path, expires, "00"+sig[2:]), ErrInvalidSignature))

	now = now.Add(time.Hour)
	assert.True(t, errors.Is(s.Verify(path, expires, sig), ErrExpired))
}

func TestLocalStore_DefaultTTL(t *testing.T) {
	s := newTestLocalStore(t)
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	signed, err := s.CreateSignedDownload(context.Background(), "a/b", 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultDownloadTTL), signed.ExpiresAt)
}

func TestLocalStore_RejectsEscapingPaths(t *testing.T) {
	s := newTestLocalStore(t)
	for _, p := range []string{"", "../etc/passwd", "a/../../b", " "} {
		_, err := s.CreateSignedDownload(context.Background(), p, time.Hour)
		assert.True(t, errors.Is(err, ErrInvalidPath), "path %q", p)
	}
}

func TestLocalStore_PutPayloadAndServe(t *testing.T) {
	s := newTestLocalStore(t)
	data := []byte("gerber files")

	p, err := s.PutPayload(context.Background(), data, "application/zip")
	require.NoError(t, err)
	assert.Equal(t, Digest(data), p.Digest)
	assert.Equal(t, int64(len(data)), p.Size)

	again, err := s.PutPayload(context.Background(), data, "application/zip")
	require.NoError(t, err)
	assert.Equal(t, p.Location, again.Location)

	signed, err := s.CreateSignedDownload(context.Background(), p.Location, time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(signed.URL)
	require.NoError(t, err)

	server := httptest.NewServer(http.StripPrefix("/downloads", s.Handler()))
	defer server.Close()

	resp, err := http.Get(server.URL + u.Path + "?" + u.RawQuery)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)

	resp2, err := http.Get(server.URL + u.Path + "?expires=1&signature=bad")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
}

func TestNewLocalStore_RequiresSecret(t *testing.T) {
	_, err := NewLocalStore(t.TempDir(), "http://x", nil)
	assert.Error(t, err)
}
