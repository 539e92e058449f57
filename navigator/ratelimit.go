package navigator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gleanhq/glean/models"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// hostLimiter spreads navigations against a single origin with a
// per-host token bucket. A rate of zero disables limiting entirely.
//
// Hosts not seen for an hour are evicted by a background goroutine so a
// long-running engine does not accumulate one bucket per host it ever
// visited.
type hostLimiter struct {
	perSec float64
	burst  int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	done     chan struct{}
	once     sync.Once
}

func newHostLimiter(perSec float64, burst int) *hostLimiter {
	if burst < 1 {
		burst = 1
	}
	hl := &hostLimiter{
		perSec:   perSec,
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		done:     make(chan struct{}),
	}
	if perSec > 0 {
		go hl.cleanupLoop()
	}
	return hl
}

// wait blocks until the host's bucket has a token, or ctx ends first.
func (hl *hostLimiter) wait(ctx context.Context, host string) error {
	if hl.perSec <= 0 {
		return nil
	}
	if err := hl.get(host).Wait(ctx); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return classifyCtx(cerr)
		}
		return models.NewEngineError(models.ErrCodeInternal, "rate limiter rejected wait", err)
	}
	return nil
}

func (hl *hostLimiter) get(host string) *rate.Limiter {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	entry, ok := hl.limiters[host]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(hl.perSec), hl.burst),
		}
		hl.limiters[host] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (hl *hostLimiter) stop() {
	hl.once.Do(func() { close(hl.done) })
}

func (hl *hostLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-hl.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-1 * time.Hour)
			hl.mu.Lock()
			for host, entry := range hl.limiters {
				if entry.lastSeen.Before(cutoff) {
					delete(hl.limiters, host)
				}
			}
			hl.mu.Unlock()
		}
	}
}
