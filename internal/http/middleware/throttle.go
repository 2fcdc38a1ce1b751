package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// throttleIdle is how long an unused bucket is kept before PurgeExpired drops it.
const throttleIdle = 10 * time.Minute

// Throttle limits the auth endpoints that start OAuth work or mint tokens. Each route has its own
// budget per client IP, so a burst of logins does not lock the same client out of /auth/exchange.
type Throttle struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

type bucketKey struct {
	route  string
	client string
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewThrottle returns a Throttle allowing perMinute requests per route and client, with a burst of
// a tenth of that. A non-positive budget returns nil, which lets every request through.
func NewThrottle(perMinute int) *Throttle {
	if perMinute <= 0 {
		return nil
	}
	return &Throttle{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   max(perMinute/10, 1),
		now:     time.Now,
		buckets: make(map[bucketKey]*bucket),
	}
}

// Handler rejects over-budget requests with 429 and a Retry-After hint.
func (t *Throttle) Handler() gin.HandlerFunc {
	if t == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		now := t.now()
		res := t.bucket(bucketKey{route: route, client: c.ClientIP()}, now).ReserveN(now, 1)
		if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
			res.CancelAt(now)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

// PurgeExpired drops buckets idle for longer than throttleIdle. It runs under the janitor with the
// table purgers.
func (t *Throttle) PurgeExpired(ctx context.Context) (int64, error) {
	if t == nil {
		return 0, nil
	}
	cutoff := t.now().Add(-throttleIdle)
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for k, b := range t.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(t.buckets, k)
			n++
		}
	}
	return n, nil
}

func (t *Throttle) bucket(key bucketKey, now time.Time) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.lastUsed = now
	return b.limiter
}
