package browser

import (
	"sync"
	"time"

	"github.com/gleanhq/glean/config"
)

// Health is the lifecycle state of a pooled browser.
type Health string

const (
	// HealthStarting is reported by the pool for launches in flight.
	HealthStarting Health = "starting"
	HealthReady    Health = "ready"
	HealthDegraded Health = "degraded"
	HealthDead     Health = "dead"
)

// Handle is one pooled browser process. A handle is shared: up to the
// configured per-browser ceiling of contexts may be open on it at once,
// so all state is guarded by mu.
type Handle struct {
	id        int64
	client    Client
	createdAt time.Time

	mu        sync.Mutex
	dead      bool
	errScore  float64
	served    int // contexts opened over the handle's lifetime
	open      int // contexts open right now
	lastProbe time.Time
	probeOK   bool
}

func newHandle(id int64, client Client) *Handle {
	return &Handle{
		id:        id,
		client:    client,
		createdAt: time.Now(),
		probeOK:   true,
	}
}

// ID identifies the handle within its pool.
func (h *Handle) ID() int64 { return h.id }

// Client returns the underlying browser process.
func (h *Handle) Client() Client { return h.client }

// Health reports the handle's current state. A handle degrades once its
// error score reaches half the retirement threshold or a liveness probe
// fails, and is dead once retired.
func (h *Handle) Health(cfg config.PoolConfig) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.dead:
		return HealthDead
	case !h.probeOK || h.errScore >= cfg.RetireScore/2:
		return HealthDegraded
	default:
		return HealthReady
	}
}

// RecordSuccess decays the error score after a job completed cleanly.
func (h *Handle) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errScore -= 0.5
	if h.errScore < 0 {
		h.errScore = 0
	}
}

// RecordFailure raises the error score after a job hit a browser-side
// failure on this handle.
func (h *Handle) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errScore += 1.0
}

// ShouldRetire reports whether the handle has accumulated too many
// failures, served too many contexts, or simply grown too old.
func (h *Handle) ShouldRetire(cfg config.PoolConfig) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		return true
	}
	return h.errScore >= cfg.RetireScore ||
		h.served >= cfg.BrowserMaxContexts ||
		time.Since(h.createdAt) >= cfg.BrowserMaxAge
}

// tryClaim reserves one context slot. It is the single enforcement point
// for the per-browser ceiling: claims never exceed it.
func (h *Handle) tryClaim(ceiling int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead || h.open >= ceiling {
		return false
	}
	h.open++
	h.served++
	return true
}

// unclaim releases one context slot.
func (h *Handle) unclaim() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.open > 0 {
		h.open--
	}
}

// OpenContexts returns the number of contexts open on the handle.
func (h *Handle) OpenContexts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

// markDead takes the handle out of rotation. Open contexts keep working
// until they close; the pool destroys the process once the last one does.
func (h *Handle) markDead() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead = true
}

func (h *Handle) isDead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dead
}

// needsProbe reports whether the last liveness probe is older than the
// interval, claiming the probe slot when it is.
func (h *Handle) needsProbe(interval time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if time.Since(h.lastProbe) < interval {
		return false
	}
	h.lastProbe = time.Now()
	return true
}

func (h *Handle) recordProbe(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probeOK = ok
}
