// Package ratecontrol paces outbound requests per remote host.
package ratecontrol

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Limit is a token bucket shape.
type Limit struct {
	RPS   float64
	Burst int
}

// builtInHostLimits holds hosts that throttle aggressively.
var builtInHostLimits = map[string]Limit{
	"reddit.com":  {RPS: 1, Burst: 2},
	"youtube.com": {RPS: 5, Burst: 5},
}

// HostLimiter hands out one token bucket per host.
type HostLimiter struct {
	mu        sync.Mutex
	def       Limit
	overrides map[string]Limit
	limiters  map[string]*rate.Limiter
}

// NewHostLimiter builds a limiter whose unknown hosts get def.
// A non-positive RPS disables pacing for those hosts.
func NewHostLimiter(def Limit) *HostLimiter {
	overrides := make(map[string]Limit, len(builtInHostLimits))
	for h, l := range builtInHostLimits {
		overrides[h] = l
	}
	return &HostLimiter{
		def:       def,
		overrides: overrides,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Override sets a specific limit for host and its subdomains.
func (h *HostLimiter) Override(host string, l Limit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	host = normalizeHost(host)
	h.overrides[host] = l
	for k, lim := range h.limiters {
		if k == host || strings.HasSuffix(k, "."+host) {
			applyLimit(lim, CombineLimits(h.def, l))
		}
	}
}

// SetDefault changes the limit of every host without an override.
func (h *HostLimiter) SetDefault(l Limit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.def = l
	for host, lim := range h.limiters {
		applyLimit(lim, h.limitForLocked(host))
	}
}

// Wait blocks until a request to rawURL may proceed.
func (h *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	if h == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return h.limiter(normalizeHost(u.Hostname())).Wait(ctx)
}

func (h *HostLimiter) limiter(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lim, ok := h.limiters[host]; ok {
		return lim
	}
	l := h.limitForLocked(host)
	lim := rate.NewLimiter(rate.Inf, 0)
	applyLimit(lim, l)
	h.limiters[host] = lim
	return lim
}

// LimitFor returns the limit that applies to host.
func (h *HostLimiter) LimitFor(host string) Limit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.limitForLocked(normalizeHost(host))
}

func (h *HostLimiter) limitForLocked(host string) Limit {
	for cand := host; cand != ""; {
		if o, ok := h.overrides[cand]; ok {
			return CombineLimits(h.def, o)
		}
		i := strings.IndexByte(cand, '.')
		if i < 0 {
			break
		}
		cand = cand[i+1:]
	}
	return h.def
}

func applyLimit(lim *rate.Limiter, l Limit) {
	if l.RPS <= 0 {
		lim.SetLimit(rate.Inf)
		return
	}
	burst := l.Burst
	if burst < 1 {
		burst = 1
	}
	lim.SetLimit(rate.Limit(l.RPS))
	lim.SetBurst(burst)
}

// CombineLimits takes the stricter positive value of each field.
func CombineLimits(a, b Limit) Limit {
	return Limit{
		RPS:   minPositive(a.RPS, b.RPS),
		Burst: int(minPositive(float64(a.Burst), float64(b.Burst))),
	}
}

func minPositive(a, b float64) float64 {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func normalizeHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
}
