package daemon

import (
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"
)

const (
	defaultRateLimitTTL = 10 * time.Minute
	// IPv6 peers are bucketed per /64 so one host cannot rotate through its
	// own address range to reset its budget.
	ipv6BucketBits = 64
)

// SetupRateLimiter is a per-source token bucket for agent setup, the only
// agent route reachable before an agent holds a delegation. Every attempt
// costs a token hash lookup, so guessing is throttled here.
type SetupRateLimiter struct {
	mu          sync.Mutex
	qps         float64
	burst       float64
	ttl         time.Duration
	now         func() time.Time
	metrics     *Metrics
	lastCleanup time.Time
	buckets     map[netip.Prefix]*setupBucket
}

type setupBucket struct {
	tokens   float64
	refilled time.Time
	seen     time.Time
}

// NewSetupRateLimiter returns nil, meaning unlimited, when qps or burst is
// not positive.
func NewSetupRateLimiter(qps float64, burst int) *SetupRateLimiter {
	if qps <= 0 || burst <= 0 {
		return nil
	}
	return &SetupRateLimiter{
		qps:     qps,
		burst:   float64(burst),
		ttl:     defaultRateLimitTTL,
		now:     time.Now,
		buckets: make(map[netip.Prefix]*setupBucket),
	}
}

// WithMetrics records refusals as rate_limited setup redemptions.
func (l *SetupRateLimiter) WithMetrics(metrics *Metrics) *SetupRateLimiter {
	if l != nil {
		l.metrics = metrics
	}
	return l
}

// Allow spends one token from the caller's bucket. When refused, wait is the
// time until the next token is available.
func (l *SetupRateLimiter) Allow(remoteAddr string) (ok bool, wait time.Duration) {
	if l == nil {
		return true, 0
	}
	key, valid := bucketKey(remoteAddr)
	if !valid {
		return false, time.Second
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)

	bucket := l.buckets[key]
	if bucket == nil {
		bucket = &setupBucket{tokens: l.burst, refilled: now}
		l.buckets[key] = bucket
	}
	bucket.seen = now
	if elapsed := now.Sub(bucket.refilled); elapsed > 0 {
		bucket.tokens = math.Min(l.burst, bucket.tokens+elapsed.Seconds()*l.qps)
		bucket.refilled = now
	}
	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, 0
	}
	deficit := (1 - bucket.tokens) / l.qps
	return false, time.Duration(deficit * float64(time.Second))
}

func (l *SetupRateLimiter) evictLocked(now time.Time) {
	if !l.lastCleanup.IsZero() && now.Sub(l.lastCleanup) < l.ttl {
		return
	}
	for key, bucket := range l.buckets {
		if now.Sub(bucket.seen) > l.ttl {
			delete(l.buckets, key)
		}
	}
	l.lastCleanup = now
}

// bucketKey maps a peer to its bucket. Unparseable and unspecified peers
// are refused rather than sharing a bucket.
func bucketKey(remoteAddr string) (netip.Prefix, bool) {
	addr, ok := remoteAddrIP(remoteAddr)
	if !ok || addr.IsUnspecified() {
		return netip.Prefix{}, false
	}
	bits := addr.BitLen()
	if addr.Is6() {
		bits = ipv6BucketBits
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return netip.Prefix{}, false
	}
	return prefix, true
}

// Wrap answers 429 with Retry-After once a peer's bucket is empty.
func (l *SetupRateLimiter) Wrap(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.Allow(r.RemoteAddr)
		if !ok {
			l.metrics.IncSetupTokenRedeem("rate_limited")
			seconds := int(math.Ceil(wait.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
