package backend

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// limiterPool hands out one token bucket per client key. Buckets idle for ttl
// are full again and get swept.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	rps       float64
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	ttl := limiterIdleTTL
	if refill := time.Duration(float64(burst) / rps * float64(time.Second)); refill > ttl {
		ttl = refill
	}
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rps,
		burst: burst,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.lastSweep) >= p.ttl {
		p.sweepLocked(now)
	}
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	e := &limiterEntry{lim: rate.NewLimiter(rate.Limit(p.rps), p.burst), lastSeen: now}
	p.m[key] = e
	return e.lim
}

func (p *limiterPool) sweepLocked(now time.Time) {
	for k, e := range p.m {
		if now.Sub(e.lastSeen) >= p.ttl {
			delete(p.m, k)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Len returns the number of tracked clients.
func (p *limiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
