package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gleanhq/glean/config"
	"github.com/gleanhq/glean/models"
)

// probeInterval bounds how often a handle's liveness is re-checked on
// acquisition. Probes within the window are skipped.
const probeInterval = 15 * time.Second

// Pool maintains a fleet of headless browsers. Browsers are launched
// lazily up to the configured size, health-checked before handout, and
// retired once their error score, age, or context count crosses the
// configured limits. A retired browser is not replaced eagerly; the next
// Acquire that finds no capacity launches the replacement.
type Pool struct {
	cfg      config.PoolConfig
	launcher Launcher

	mu        sync.Mutex
	handles   map[int64]*Handle
	notify    chan struct{} // closed and replaced whenever capacity may have appeared
	nextID    int64
	launching int
	failures  int // consecutive launch failures
	lastFail  time.Time
	closed    bool
}

// NewPool creates an empty pool. No browser is launched until Warm or
// the first Acquire.
func NewPool(cfg config.PoolConfig, launcher Launcher) *Pool {
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		handles:  make(map[int64]*Handle),
		notify:   make(chan struct{}),
	}
}

// Warm launches browsers until the pool is at size. Launch failures are
// returned but leave the pool usable; Acquire will keep trying.
func (p *Pool) Warm(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Size; i++ {
		g.Go(func() error {
			_, err := p.launchOne(gctx)
			return err
		})
	}
	return g.Wait()
}

// Acquire returns a live handle with at least one free context slot,
// launching a browser when the fleet is under size. It blocks until
// capacity appears, and fails with POOL_EXHAUSTED once AcquireTimeout
// elapses or while launches are failing repeatedly.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, models.NewEngineError(models.ErrCodeInternal, "browser pool is closed", nil)
		}
		if p.breakerOpenLocked() {
			n := p.failures
			p.mu.Unlock()
			return nil, models.NewEngineError(models.ErrCodePoolExhausted,
				fmt.Sprintf("browser launch failed %d times in a row; cooling down", n), nil)
		}
		h := p.pickLocked()
		if h != nil {
			p.mu.Unlock()
			if h.needsProbe(probeInterval) {
				ok := h.client.Healthy(actx)
				h.recordProbe(ok)
				if !ok {
					slog.Warn("browser failed liveness probe, retiring", "browser_id", h.ID())
					h.RecordFailure()
					p.Retire(h)
					continue
				}
			}
			if h.ShouldRetire(p.cfg) {
				p.Retire(h)
				continue
			}
			return h, nil
		}
		canLaunch := p.canLaunchLocked()
		wait := p.notify
		p.mu.Unlock()

		if canLaunch {
			h, err := p.launchOne(actx)
			if err != nil {
				if models.IsCode(err, models.ErrCodePoolExhausted) {
					return nil, err
				}
				continue
			}
			if h != nil {
				return h, nil
			}
			continue
		}

		select {
		case <-wait:
		case <-actx.Done():
			if ctx.Err() != nil {
				return nil, models.NewEngineError(models.ErrCodeCancelled, "acquire cancelled", ctx.Err())
			}
			return nil, models.NewEngineError(models.ErrCodePoolExhausted,
				fmt.Sprintf("no browser capacity within %s", p.cfg.AcquireTimeout), nil)
		}
	}
}

// Release hands a handle back after a job finished with it. The outcome
// feeds the handle's error score; handles past their limits are retired.
func (p *Pool) Release(h *Handle, healthy bool) {
	if h == nil {
		return
	}
	if healthy {
		h.RecordSuccess()
	} else {
		h.RecordFailure()
	}
	if h.ShouldRetire(p.cfg) {
		slog.Info("retiring browser", "browser_id", h.ID(), "open_contexts", h.OpenContexts())
		p.Retire(h)
	}
}

// Retire takes a handle out of rotation. Contexts already open on it keep
// working; the process is destroyed once the last one closes.
func (p *Pool) Retire(h *Handle) {
	h.markDead()
	p.mu.Lock()
	p.maybeDestroyLocked(h)
	p.notifyLocked()
	p.mu.Unlock()
}

// Stats snapshots the fleet.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := models.PoolStats{
		Browsers: len(p.handles),
		Starting: p.launching,
		Capacity: p.cfg.Size * p.cfg.ContextsPerBrowser,
	}
	for _, h := range p.handles {
		s.OpenContexts += h.OpenContexts()
		if h.Health(p.cfg) == HealthReady {
			s.Ready++
		}
	}
	s.Exhausted = p.breakerOpenLocked()
	return s
}

// Close shuts every browser down. In-flight sessions die with their
// processes; callers are expected to have drained work first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	clients := make([]Client, 0, len(p.handles))
	for id, h := range p.handles {
		h.markDead()
		clients = append(clients, h.client)
		delete(p.handles, id)
	}
	p.notifyLocked()
	p.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			slog.Warn("browser close failed", "error", err)
		}
	}
}

// contextClosed is called by Context.Close once a slot frees up.
func (p *Pool) contextClosed(h *Handle) {
	p.mu.Lock()
	p.maybeDestroyLocked(h)
	p.notifyLocked()
	p.mu.Unlock()
}

// pickLocked returns the live handle with the most free context slots,
// preferring ready handles over degraded ones. Nil when every handle is
// dead or at its ceiling.
func (p *Pool) pickLocked() *Handle {
	var best *Handle
	bestOpen := 0
	bestReady := false
	for _, h := range p.handles {
		if h.isDead() {
			continue
		}
		open := h.OpenContexts()
		if open >= p.cfg.ContextsPerBrowser {
			continue
		}
		ready := h.Health(p.cfg) == HealthReady
		if best == nil || (ready && !bestReady) || (ready == bestReady && open < bestOpen) {
			best, bestOpen, bestReady = h, open, ready
		}
	}
	return best
}

func (p *Pool) canLaunchLocked() bool {
	return len(p.handles)+p.launching < p.cfg.Size
}

func (p *Pool) breakerOpenLocked() bool {
	return p.failures >= p.cfg.LaunchFailureThreshold &&
		time.Since(p.lastFail) < p.cfg.LaunchCooldown
}

// launchOne starts a single browser if the fleet is under size. Returns
// (nil, nil) when another launch already filled the capacity.
func (p *Pool) launchOne(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, models.NewEngineError(models.ErrCodeInternal, "browser pool is closed", nil)
	}
	if !p.canLaunchLocked() {
		p.mu.Unlock()
		return nil, nil
	}
	p.launching++
	p.mu.Unlock()

	client, err := p.launcher.Launch(ctx)

	p.mu.Lock()
	p.launching--
	if err != nil {
		p.failures++
		p.lastFail = time.Now()
		n := p.failures
		tripped := n >= p.cfg.LaunchFailureThreshold
		p.mu.Unlock()
		slog.Error("browser launch failed", "error", err, "consecutive", n)
		if tripped {
			return nil, models.NewEngineError(models.ErrCodePoolExhausted,
				fmt.Sprintf("browser launch failed %d times in a row", n), err)
		}
		return nil, err
	}
	p.failures = 0
	p.nextID++
	h := newHandle(p.nextID, client)
	p.handles[h.id] = h
	total := len(p.handles)
	p.notifyLocked()
	p.mu.Unlock()

	slog.Info("browser launched", "browser_id", h.id, "browsers", total)
	return h, nil
}

// maybeDestroyLocked removes a dead handle once its last context closed
// and tears the process down off the lock.
func (p *Pool) maybeDestroyLocked(h *Handle) {
	if !h.isDead() || h.OpenContexts() > 0 {
		return
	}
	if _, ok := p.handles[h.id]; !ok {
		return
	}
	delete(p.handles, h.id)
	go func() {
		if err := h.client.Close(); err != nil {
			slog.Warn("browser close failed", "browser_id", h.id, "error", err)
		}
	}()
}

func (p *Pool) notifyLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}
