package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gleanhq/glean/config"
	"github.com/gleanhq/glean/models"
)

func TestContextOpen_EnforcesCeiling(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Size = 1
	cfg.ContextsPerBrowser = 2
	p := NewPool(cfg, &fakeLauncher{})
	defer p.Close()
	mgr := NewContextManager(p, config.SessionConfig{})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	c1, err := mgr.Open(context.Background(), h, SessionOptions{})
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	defer c1.Close()
	c2, err := mgr.Open(context.Background(), h, SessionOptions{})
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer c2.Close()

	_, err = mgr.Open(context.Background(), h, SessionOptions{})
	if !models.IsCode(err, models.ErrCodeContextLimit) {
		t.Fatalf("expected CONTEXT_LIMIT_EXCEEDED at ceiling, got %v", err)
	}
}

func TestContextOpen_ConcurrentOpensNeverOvershoot(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Size = 1
	cfg.ContextsPerBrowser = 4
	p := NewPool(cfg, &fakeLauncher{})
	defer p.Close()
	mgr := NewContextManager(p, config.SessionConfig{})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var opened []*Context
	limitErrs := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := mgr.Open(context.Background(), h, SessionOptions{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if models.IsCode(err, models.ErrCodeContextLimit) {
					limitErrs++
				}
				return
			}
			opened = append(opened, c)
		}()
	}
	wg.Wait()

	if len(opened) != cfg.ContextsPerBrowser {
		t.Errorf("opened %d contexts, ceiling is %d", len(opened), cfg.ContextsPerBrowser)
	}
	if limitErrs != racers-cfg.ContextsPerBrowser {
		t.Errorf("expected %d ceiling rejections, got %d", racers-cfg.ContextsPerBrowser, limitErrs)
	}
	if got := h.OpenContexts(); got != cfg.ContextsPerBrowser {
		t.Errorf("handle reports %d open contexts, want %d", got, cfg.ContextsPerBrowser)
	}
	for _, c := range opened {
		c.Close()
	}
	if got := h.OpenContexts(); got != 0 {
		t.Errorf("handle reports %d open contexts after closing all, want 0", got)
	}
}

func TestContextClose_Idempotent(t *testing.T) {
	p := NewPool(testPoolConfig(), &fakeLauncher{})
	defer p.Close()
	mgr := NewContextManager(p, config.SessionConfig{})

	h, _ := p.Acquire(context.Background())
	c, err := mgr.Open(context.Background(), h, SessionOptions{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}

	sess := c.Session().(*fakeSession)
	if got := sess.closeCount(); got != 1 {
		t.Errorf("session closed %d times, want 1", got)
	}
	if got := h.OpenContexts(); got != 0 {
		t.Errorf("handle reports %d open contexts, want 0", got)
	}
}

func TestContextClose_WakesAcquireWaiters(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Size = 1
	cfg.ContextsPerBrowser = 1
	cfg.AcquireTimeout = 2 * time.Second
	p := NewPool(cfg, &fakeLauncher{})
	defer p.Close()
	mgr := NewContextManager(p, config.SessionConfig{})

	h, _ := p.Acquire(context.Background())
	c, err := mgr.Open(context.Background(), h, SessionOptions{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("acquire returned before a slot freed up: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter failed after slot freed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by context close")
	}
}

func TestContextOpen_AppliesSessionDefaults(t *testing.T) {
	p := NewPool(testPoolConfig(), &fakeLauncher{})
	defer p.Close()
	defaults := config.SessionConfig{
		UserAgent:      "glean-test-agent",
		ViewportWidth:  1280,
		ViewportHeight: 720,
	}
	mgr := NewContextManager(p, defaults)

	h, _ := p.Acquire(context.Background())
	c, err := mgr.Open(context.Background(), h, SessionOptions{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer c.Close()

	opts := c.Session().(*fakeSession).opts
	if opts.UserAgent != defaults.UserAgent {
		t.Errorf("UserAgent = %q, want default %q", opts.UserAgent, defaults.UserAgent)
	}
	if opts.ViewportWidth != 1280 || opts.ViewportHeight != 720 {
		t.Errorf("viewport = %dx%d, want 1280x720", opts.ViewportWidth, opts.ViewportHeight)
	}

	// Explicit options win over defaults.
	c2, err := mgr.Open(context.Background(), h, SessionOptions{UserAgent: "custom"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer c2.Close()
	if got := c2.Session().(*fakeSession).opts.UserAgent; got != "custom" {
		t.Errorf("UserAgent = %q, want %q", got, "custom")
	}
}

func TestContextOpen_SessionFailureFreesSlot(t *testing.T) {
	l := &fakeLauncher{}
	p := NewPool(testPoolConfig(), l)
	defer p.Close()
	mgr := NewContextManager(p, config.SessionConfig{})

	h, _ := p.Acquire(context.Background())
	l.clients[0].sessionErr = errors.New("target crashed")

	_, err := mgr.Open(context.Background(), h, SessionOptions{})
	if err == nil {
		t.Fatal("expected open to fail")
	}
	if !models.IsCode(err, models.ErrCodeBrowserCrash) {
		t.Errorf("expected BROWSER_CRASH, got %v", err)
	}
	if got := h.OpenContexts(); got != 0 {
		t.Errorf("failed open leaked a context slot: %d open", got)
	}
}
