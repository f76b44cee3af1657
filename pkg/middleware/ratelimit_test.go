package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter_BurstThenRefill(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLimiter(Config{RequestsPerWindow: 2, WindowDuration: time.Second, BurstSize: 1})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "sub_1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}
	d, err := l.Allow(ctx, "sub_1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.ResetIn)

	// Other keys have their own bucket
	d, err = l.Allow(ctx, "sub_2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	now = now.Add(500 * time.Millisecond)
	d, err = l.Allow(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLocalLimiter_Cleanup(t *testing.T) {
	now := time.Now()
	l := NewLocalLimiter(Config{RequestsPerWindow: 1, WindowDuration: time.Second})
	l.now = func() time.Time { return now }

	_, err := l.Allow(context.Background(), "sub_1")
	require.NoError(t, err)
	now = now.Add(3 * time.Second)
	l.Cleanup()
	assert.Empty(t, l.buckets)
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLimiter(client, Config{RequestsPerWindow: 2, WindowDuration: time.Minute}, "test")
	ctx := context.Background()

	d, err := l.Allow(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, time.Minute, mr.TTL("test:sub_1"))

	_, err = l.Allow(ctx, "sub_1")
	require.NoError(t, err)
	d, err = l.Allow(ctx, "sub_1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)

	mr.FastForward(time.Minute)
	d, err = l.Allow(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, l.Reset(ctx, "sub_1"))
	assert.False(t, mr.Exists("test:sub_1"))
	assert.NoError(t, l.HealthCheck(ctx))
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err := NewRedisLimiter(client, Config{}, "").Allow(context.Background(), "sub_1")
	assert.Error(t, err)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("down")
}

func newLimitedRouter(limiter Limiter) *mux.Router {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	r := mux.NewRouter()
	r.Use(RateLimit(limiter, log))
	r.HandleFunc("/v1/subscribers/{id}/checkout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	return r
}

func TestRateLimit_Middleware(t *testing.T) {
	router := newLimitedRouter(NewLocalLimiter(Config{RequestsPerWindow: 1, WindowDuration: time.Hour}))

	do := func(sub string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/subscribers/"+sub+"/checkout", nil))
		return rec
	}

	rec := do("sub_1")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = do("sub_1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")

	assert.Equal(t, http.StatusCreated, do("sub_2").Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	router := newLimitedRouter(failingLimiter{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/subscribers/sub_1/checkout", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRequestKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "ip:10.0.0.1", requestKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.7", requestKey(req))

	req = mux.SetURLVars(req, map[string]string{"id": "sub_9"})
	assert.Equal(t, "subscriber:sub_9", requestKey(req))
}
