package limiter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/itstheanurag/haskbot/internal/metrics"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter combines a global token bucket with one bucket per requester
// (chat user ID or client IP).
type RateLimiter struct {
	globalLimiter *rate.Limiter
	keyRate       rate.Limit
	keyBurst      int

	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewRateLimiter(globalRPS float64, perKeyRPS float64, perKeyBurst int) *RateLimiter {
	globalBurst := int(globalRPS) * 2
	if globalBurst < 1 {
		globalBurst = 1
	}
	return &RateLimiter{
		globalLimiter: rate.NewLimiter(rate.Limit(globalRPS), globalBurst),
		keyRate:       rate.Limit(perKeyRPS),
		keyBurst:      perKeyBurst,
		entries:       make(map[string]*entry),
		now:           time.Now,
	}
}

func (rl *RateLimiter) keyLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rl.keyRate, rl.keyBurst)}
		rl.entries[key] = e
	}
	e.lastSeen = rl.now()
	return e.limiter
}

// Allow reports whether a request from key may proceed, consuming a token
// from the requester's bucket and then the global bucket.
func (rl *RateLimiter) Allow(key string) bool {
	// Per-requester first so one noisy user does not drain the global bucket.
	if !rl.keyLimiter(key).Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	if !rl.globalLimiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	return true
}

// Check is Allow in error form.
func (rl *RateLimiter) Check(key string) error {
	if !rl.Allow(key) {
		return ErrRateLimited
	}
	return nil
}

// ClientIPs resolves the requester address of an HTTP request. The
// X-Forwarded-For header is honoured only when the connection itself comes
// from a trusted proxy.
type ClientIPs struct {
	trusted []netip.Prefix
}

func NewClientIPs(trusted []netip.Prefix) *ClientIPs {
	return &ClientIPs{trusted: trusted}
}

// ClientIP returns the connection's remote host. Behind trusted proxies it
// walks X-Forwarded-For from the right and returns the first hop that is not
// itself a trusted proxy.
func (c *ClientIPs) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !c.isTrusted(host) {
		return host
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !c.isTrusted(hop) {
			return hop
		}
		host = hop
	}
	return host
}

func (c *ClientIPs) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Prune drops requester buckets idle for longer than maxIdle and returns
// how many were removed.
func (rl *RateLimiter) Prune(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for key, e := range rl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
			removed++
		}
	}
	return removed
}

// StartCleanup prunes idle requester buckets every interval until ctx is
// done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Prune(interval)
			case <-ctx.Done():
				return
			}
		}
	}()
}
