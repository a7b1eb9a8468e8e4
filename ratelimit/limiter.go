// Package ratelimit throttles callers per client key with token buckets.
package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/time/rate"
)

const TextCodeRateLimited = "RATE_LIMITED"

type ThrottledError struct {
	ClientKey  string
	Limit      int
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: client %q exceeded %d requests per minute, retry in %s",
		strings.TrimSpace(e.ClientKey),
		e.Limit,
		e.RetryAfter,
	)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"limit_per_minute": e.Limit,
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New("rate limit exceeded", goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(TextCodeRateLimited).
		WithMetadata(metadata)
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, at least one.
func (e ThrottledError) RetryAfterSeconds() int {
	seconds := int(math.Ceil(e.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter keeps one token bucket per client key. The bucket refills at
// perMinute tokens per minute and holds up to burst tokens. Buckets idle for
// longer than the idle TTL are evicted on the next sweep.
type ClientLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientBucket
	perMinute int
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	lastSweep time.Time
}

type Option func(*ClientLimiter)

func WithBurst(burst int) Option {
	return func(l *ClientLimiter) {
		if burst > 0 {
			l.burst = burst
		}
	}
}

func WithIdleTTL(ttl time.Duration) Option {
	return func(l *ClientLimiter) {
		if ttl > 0 {
			l.idleTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *ClientLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewClientLimiter returns nil when perMinute is not positive, which disables
// limiting.
func NewClientLimiter(perMinute int, opts ...Option) *ClientLimiter {
	if perMinute <= 0 {
		return nil
	}
	limiter := &ClientLimiter{
		clients:   map[string]*clientBucket{},
		perMinute: perMinute,
		burst:     perMinute,
		idleTTL:   10 * time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(limiter)
		}
	}
	limiter.lastSweep = limiter.now()
	return limiter
}

// Allow spends one token for key. It returns a ThrottledError when the
// bucket is empty.
func (l *ClientLimiter) Allow(key string) error {
	if l == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	bucket, ok := l.clients[key]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.burst)}
		l.clients[key] = bucket
	}
	bucket.lastSeen = now

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return ThrottledError{ClientKey: key, Limit: l.perMinute, RetryAfter: time.Minute}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return ThrottledError{ClientKey: key, Limit: l.perMinute, RetryAfter: delay}
	}
	return nil
}

// Clients reports how many client buckets are tracked.
func (l *ClientLimiter) Clients() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *ClientLimiter) PerMinute() int {
	if l == nil {
		return 0
	}
	return l.perMinute
}

func (l *ClientLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	for key, bucket := range l.clients {
		if now.Sub(bucket.lastSeen) >= l.idleTTL {
			delete(l.clients, key)
		}
	}
	l.lastSweep = now
}
