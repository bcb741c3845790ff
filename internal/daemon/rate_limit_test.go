package daemon

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/fleetmarket/fleetd/internal/testing"
)

func TestNewSetupRateLimiterDisabled(t *testing.T) {
	assert.Nil(t, NewSetupRateLimiter(0, 5))
	assert.Nil(t, NewSetupRateLimiter(1, 0))

	var limiter *SetupRateLimiter
	ok, _ := limiter.Allow("203.0.113.1:1234")
	assert.True(t, ok)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	limiter.Wrap(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/agents/setup", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func allowed(l *SetupRateLimiter, addr string) bool {
	ok, _ := l.Allow(addr)
	return ok
}

func TestSetupRateLimiterBurstAndRefill(t *testing.T) {
	clock := testutil.NewClock(testutil.FixedTime)
	limiter := NewSetupRateLimiter(1, 2)
	require.NotNil(t, limiter)
	limiter.now = clock.Now

	assert.True(t, allowed(limiter, "203.0.113.1:1000"))
	assert.True(t, allowed(limiter, "203.0.113.1:1001"), "buckets are keyed by address, not port")
	ok, wait := limiter.Allow("203.0.113.1:1002")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)
	assert.True(t, allowed(limiter, "203.0.113.2:1000"), "other peers have their own bucket")

	clock.Advance(500 * time.Millisecond)
	ok, wait = limiter.Allow("203.0.113.1:1000")
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	clock.Advance(500 * time.Millisecond)
	assert.True(t, allowed(limiter, "203.0.113.1:1000"))
	assert.False(t, allowed(limiter, "203.0.113.1:1000"))

	assert.False(t, allowed(limiter, "not-an-ip"))
	assert.False(t, allowed(limiter, "0.0.0.0:80"))
	assert.False(t, allowed(limiter, "[::]:80"))
}

func TestSetupRateLimiterGroupsIPv6By64(t *testing.T) {
	limiter := NewSetupRateLimiter(1, 1)
	limiter.now = testutil.NewClock(testutil.FixedTime).Now

	assert.True(t, allowed(limiter, "[2001:db8:1:2::1]:443"))
	assert.False(t, allowed(limiter, "[2001:db8:1:2::ffff]:443"), "same /64 shares a bucket")
	assert.True(t, allowed(limiter, "[2001:db8:1:3::1]:443"))
	assert.True(t, allowed(limiter, "[::ffff:198.51.100.9]:80"), "mapped v4 is bucketed as v4")
	assert.False(t, allowed(limiter, "198.51.100.9:81"))
}

func TestSetupRateLimiterEvictsIdlePeers(t *testing.T) {
	clock := testutil.NewClock(testutil.FixedTime)
	limiter := NewSetupRateLimiter(1, 1)
	limiter.now = clock.Now

	require.True(t, allowed(limiter, "203.0.113.1:1"))
	clock.Advance(defaultRateLimitTTL + time.Second)
	require.True(t, allowed(limiter, "203.0.113.2:1"))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Len(t, limiter.buckets, 1)
	assert.Contains(t, limiter.buckets, netip.MustParsePrefix("203.0.113.2/32"))
}

func TestSetupRateLimiterWrapReturns429(t *testing.T) {
	metrics := NewMetrics()
	limiter := NewSetupRateLimiter(0.5, 1).WithMetrics(metrics)
	limiter.now = testutil.NewClock(testutil.FixedTime).Now
	handler := limiter.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/agents/setup", nil)
		req.RemoteAddr = "198.51.100.7:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, serve().Code)
	rec := serve()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, daemonErrorCodeRateLimited, decodeRecorder[V1ErrorResponse](t, rec).Code)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.setupTokenRedeem.WithLabelValues("rate_limited")))
}
