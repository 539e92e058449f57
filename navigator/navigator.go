// Package navigator drives page loads end to end: per-host rate
// limiting, the per-attempt timeout, the retry loop for transient
// network failures, redirect-loop detection, and the scripted actions
// that run once the document settles.
package navigator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ysmood/gson"

	"github.com/gleanhq/glean/browser"
	"github.com/gleanhq/glean/config"
	"github.com/gleanhq/glean/models"
)

// Navigator loads pages on sessions handed to it by the caller. It holds
// no browser state itself and is safe for concurrent use.
type Navigator struct {
	cfg   config.NavigationConfig
	hosts *hostLimiter

	// sleep is swapped out in tests to observe the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a navigator from config.
func New(cfg config.NavigationConfig) *Navigator {
	return &Navigator{
		cfg:   cfg,
		hosts: newHostLimiter(cfg.RatePerHost, cfg.RateBurst),
		sleep: sleepCtx,
	}
}

// Close stops the background host-limiter maintenance.
func (n *Navigator) Close() {
	n.hosts.stop()
}

// Params configures one navigation.
type Params struct {
	// URL is the page to load.
	URL string

	// Timeout bounds a single attempt. Zero uses the configured default.
	Timeout time.Duration

	// MaxRetries overrides the configured retry budget when non-nil.
	// Retries are counted after the initial attempt and only transient
	// network failures consume them.
	MaxRetries *int

	// WaitSelector, when set, delays success until an element matching
	// it appears.
	WaitSelector string

	// Actions run in order after the page settles.
	Actions []models.Action
}

// LoadedPage is a successfully loaded document, ready for extraction.
// It keeps the live session so script rules can still reach the DOM.
type LoadedPage struct {
	URL        string
	FinalURL   string
	StatusCode int
	Redirects  int
	HTML       string

	// Attempts is the total number of attempts made, 1 when the first
	// one succeeded.
	Attempts int

	// Elapsed covers the whole navigation including backoff waits.
	Elapsed time.Duration

	session browser.Session
}

// Eval runs a JavaScript function expression in the live page.
func (p *LoadedPage) Eval(ctx context.Context, js string) (gson.JSON, error) {
	return p.session.Eval(ctx, js)
}

// Screenshot captures the current viewport, or the full page.
func (p *LoadedPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return p.session.Screenshot(ctx, fullPage)
}

// Navigate loads the page, retrying transient network failures with
// doubling backoff until the retry budget or ctx runs out. ctx carries
// the whole-job budget; each attempt additionally gets its own timeout.
// Cancellation is observed before every attempt and between backoff
// waits, never mid-protocol-call.
func (n *Navigator) Navigate(ctx context.Context, sess browser.Session, p Params) (*LoadedPage, error) {
	start := time.Now()
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, models.NewEngineError(models.ErrCodeInvalidInput,
			fmt.Sprintf("unparseable locator %q", p.URL), err)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = n.cfg.DefaultTimeout
	}
	retries := n.cfg.DefaultRetries
	if p.MaxRetries != nil {
		retries = *p.MaxRetries
	}
	policy := BackoffPolicy{
		Base:       n.cfg.BackoffBase,
		Max:        n.cfg.BackoffMax,
		MaxRetries: retries,
	}

	var lastErr *models.EngineError
	attempts := 0
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return nil, classifyCtx(cerr)
		}
		if attempt > 0 {
			delay, ok := policy.Next(attempt)
			if !ok {
				break
			}
			slog.Debug("retrying navigation", "url", p.URL, "retry", attempt, "delay", delay)
			if serr := n.sleep(ctx, delay); serr != nil {
				return nil, classifyCtx(serr)
			}
		}

		attempts++
		page, aerr := n.attemptOnce(ctx, sess, u, p, timeout)
		if aerr == nil {
			page.Attempts = attempts
			page.Elapsed = time.Since(start)
			return page, nil
		}
		lastErr = aerr
		if !models.Retryable(aerr) {
			return nil, aerr
		}
		slog.Warn("navigation attempt failed",
			"url", p.URL, "attempt", attempts, "code", models.CodeOf(aerr), "error", aerr)
	}
	return nil, lastErr
}

// attemptOnce performs a single bounded navigation attempt.
func (n *Navigator) attemptOnce(ctx context.Context, sess browser.Session, u *url.URL, p Params, timeout time.Duration) (*LoadedPage, *models.EngineError) {
	// The limiter wait happens on the job budget, not the attempt budget,
	// so a long queue for a busy host cannot eat the attempt timeout.
	if err := n.hosts.wait(ctx, u.Hostname()); err != nil {
		return nil, toEngineError(err)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := sess.Navigate(actx, u.String()); err != nil {
		return nil, classifyNav(err, "navigation failed")
	}

	// Let the DOM settle. Non-convergence on a busy page is fine, but a
	// hit deadline fails the attempt.
	if err := sess.WaitStable(actx, n.cfg.StabilizeWindow); err != nil {
		if actx.Err() != nil {
			return nil, classifyNav(actx.Err(), "page did not settle in time")
		}
		slog.Debug("DOM did not stabilize, proceeding", "url", u.String(), "error", err)
	}

	if p.WaitSelector != "" {
		if err := sess.WaitSelector(actx, p.WaitSelector, n.cfg.WaitSelectorTimeout); err != nil {
			return nil, classifyNav(err, fmt.Sprintf("selector %q never appeared", p.WaitSelector))
		}
	}

	if len(p.Actions) > 0 {
		if err := n.runActions(actx, sess, p.Actions); err != nil {
			return nil, err
		}
	}

	stats, err := sess.Stats(actx)
	if err != nil {
		slog.Debug("could not read navigation stats", "url", u.String(), "error", err)
	}
	if n.cfg.RedirectLimit > 0 && stats.Redirects > n.cfg.RedirectLimit {
		return nil, models.NewEngineError(models.ErrCodeRedirectLoop,
			fmt.Sprintf("page followed %d redirects, limit is %d", stats.Redirects, n.cfg.RedirectLimit), nil)
	}

	html, err := sess.HTML(actx)
	if err != nil {
		return nil, classifyNav(err, "failed to capture rendered page")
	}

	finalURL := stats.FinalURL
	if finalURL == "" {
		finalURL = u.String()
	}
	return &LoadedPage{
		URL:        p.URL,
		FinalURL:   finalURL,
		StatusCode: stats.StatusCode,
		Redirects:  stats.Redirects,
		HTML:       html,
		session:    sess,
	}, nil
}

// toEngineError coerces err to the engine error type, wrapping foreign
// errors as internal.
func toEngineError(err error) *models.EngineError {
	if ee, ok := err.(*models.EngineError); ok {
		return ee
	}
	return models.NewEngineError(models.ErrCodeInternal, "unexpected navigation error", err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
