package browser

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gleanhq/glean/config"
	"github.com/gleanhq/glean/models"
)

// ContextManager issues isolated browsing contexts from pool browsers and
// enforces the per-browser context ceiling.
type ContextManager struct {
	pool     *Pool
	defaults config.SessionConfig
}

// NewContextManager wires the manager to a pool. Session options left
// zero by the caller fall back to the configured defaults.
func NewContextManager(pool *Pool, defaults config.SessionConfig) *ContextManager {
	return &ContextManager{pool: pool, defaults: defaults}
}

// Open creates an isolated context on the given handle. It fails with
// CONTEXT_LIMIT_EXCEEDED when the browser is already at its ceiling; the
// claim is atomic, so concurrent opens never overshoot it.
func (m *ContextManager) Open(ctx context.Context, h *Handle, opts SessionOptions) (*Context, error) {
	ceiling := m.pool.cfg.ContextsPerBrowser
	if !h.tryClaim(ceiling) {
		return nil, models.NewEngineError(models.ErrCodeContextLimit,
			fmt.Sprintf("browser %d already has %d contexts open", h.ID(), ceiling), nil)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = m.defaults.UserAgent
	}
	if opts.ViewportWidth == 0 {
		opts.ViewportWidth = m.defaults.ViewportWidth
	}
	if opts.ViewportHeight == 0 {
		opts.ViewportHeight = m.defaults.ViewportHeight
	}

	sess, err := h.Client().NewSession(ctx, opts)
	if err != nil {
		h.unclaim()
		h.RecordFailure()
		m.pool.contextClosed(h)
		if models.CodeOf(err) != models.ErrCodeInternal {
			return nil, err
		}
		return nil, models.NewEngineError(models.ErrCodeBrowserCrash, "failed to open browsing context", err)
	}
	return &Context{handle: h, session: sess, mgr: m, openedAt: time.Now()}, nil
}

// Context is one isolated browsing context, leased to a single job at a
// time. Cookies, storage, and cache are not shared with other contexts.
type Context struct {
	handle   *Handle
	session  Session
	mgr      *ContextManager
	openedAt time.Time
	closed   atomic.Bool
}

// Session returns the page driver for this context.
func (c *Context) Session() Session { return c.session }

// Handle returns the browser the context lives on.
func (c *Context) Handle() *Handle { return c.handle }

// Close tears the context down and frees its slot on the browser.
// Closing an already-closed context is a no-op.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.session.Close()
	c.handle.unclaim()
	c.mgr.pool.contextClosed(c.handle)
	return err
}
