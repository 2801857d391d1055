// ABOUTME: Per-client-IP rate limiting for the REST API
// ABOUTME: Token buckets sized so a full window admits the configured number of requests

package gateway

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/wallboard-gateway/internal/apperr"
	"github.com/2389/wallboard-gateway/internal/notify"
)

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	window      time.Duration
	clients     map[string]*clientBucket
	lastCleanup time.Time
	now         func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(requests int, window time.Duration) *ipLimiter {
	return &ipLimiter{
		limit:       rate.Every(window / time.Duration(requests)),
		burst:       requests,
		window:      window,
		clients:     make(map[string]*clientBucket),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// allow records a request from ip. When the bucket is empty it returns false
// and how long until the next request would be admitted.
func (l *ipLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > l.window {
		l.cleanup(now)
	}

	b, ok := l.clients[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, l.window
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// cleanup drops buckets idle for a whole window. They have refilled
// completely, so a fresh bucket behaves the same.
func (l *ipLimiter) cleanup(now time.Time) {
	for ip, b := range l.clients {
		if now.Sub(b.lastSeen) > l.window {
			delete(l.clients, ip)
		}
	}
	l.lastCleanup = now
}

// rateLimit rejects requests over the per-IP budget with 429 in the API envelope.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, retry := g.limiter.allow(ip)
		if !ok {
			g.logger.Warn("API rate limit exceeded", "remote_ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			g.writeError(w, http.StatusTooManyRequests, &notify.Error{
				Code:    apperr.CodeRateLimited,
				Message: "too many requests from this IP, please try again later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
