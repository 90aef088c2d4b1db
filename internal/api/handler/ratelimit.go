package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"golang.org/x/time/rate"
)

// Rate limit buckets. Reads and writes draw on separate quotas.
const (
	BucketRead  = "read"
	BucketWrite = "write"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleAfter     = 10 * time.Minute
)

type limiterKey struct {
	bucket string
	caller string
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per caller and bucket. Authenticated
// services are keyed by service ID, everyone else by client IP.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[limiterKey]*callerLimiter
}

// NewRateLimiter creates a RateLimiter. Idle callers are swept until ctx is
// done.
func NewRateLimiter(ctx context.Context) *RateLimiter {
	l := &RateLimiter{limiters: make(map[limiterKey]*callerLimiter)}
	go l.sweep(ctx)
	return l
}

// Limit returns a Gin middleware enforcing rps with the given burst on
// bucket. A non-positive rps disables the limit. Mount it after
// authentication so service callers get their own quota.
func (l *RateLimiter) Limit(bucket string, rps, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	return func(c *gin.Context) {
		now := time.Now()
		r := l.get(limiterKey{bucket: bucket, caller: callerKey(c)}, rps, burst, now).ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			ledgerRateLimitedTotal.WithLabelValues(bucket).Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			respondError(c, http.StatusTooManyRequests, "rate_limited", bucket+" rate limit exceeded")
			return
		}
		c.Next()
	}
}

// Callers returns the number of tracked caller buckets.
func (l *RateLimiter) Callers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *RateLimiter) get(key limiterKey, rps, burst int, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl, ok := l.limiters[key]
	if !ok {
		cl = &callerLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		l.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (l *RateLimiter) sweep(ctx context.Context) {
	t := time.NewTicker(limiterSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.evictIdle(now.Add(-limiterIdleAfter))
		}
	}
}

func (l *RateLimiter) evictIdle(before time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, cl := range l.limiters {
		if cl.lastSeen.Before(before) {
			delete(l.limiters, k)
		}
	}
}

func callerKey(c *gin.Context) string {
	if claims := identity.ServiceFromCtx(c); claims != nil {
		return "service:" + claims.ServiceID
	}
	return "ip:" + c.ClientIP()
}
