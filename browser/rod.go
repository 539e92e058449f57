package browser

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/gleanhq/glean/config"
	"github.com/gleanhq/glean/models"
)

// RodLauncher starts Chromium processes over the DevTools protocol.
type RodLauncher struct {
	cfg config.BrowserConfig
}

// NewRodLauncher returns a launcher for the configured Chromium binary.
func NewRodLauncher(cfg config.BrowserConfig) *RodLauncher {
	return &RodLauncher{cfg: cfg}
}

// Launch starts one browser process and connects to it.
func (rl *RodLauncher) Launch(ctx context.Context) (Client, error) {
	l := launcher.New().
		Headless(rl.cfg.Headless).
		NoSandbox(rl.cfg.NoSandbox)

	if rl.cfg.Bin != "" {
		l = l.Bin(rl.cfg.Bin)
	}
	if rl.cfg.Proxy != "" {
		l = l.Proxy(rl.cfg.Proxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-prompt-on-repost"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewEngineError(
			models.ErrCodeBrowserCrash,
			"failed to launch browser",
			err,
		)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, models.NewEngineError(
			models.ErrCodeBrowserCrash,
			"failed to connect to browser",
			err,
		)
	}
	slog.Debug("browser process started", "controlURL", controlURL)

	return &rodClient{browser: b, control: l}, nil
}

type rodClient struct {
	browser *rod.Browser
	control *launcher.Launcher
}

// Healthy asks the browser for its version over CDP. A dead or wedged
// process fails the round trip.
func (c *rodClient) Healthy(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := proto.BrowserGetVersion{}.Call(c.browser.Context(pctx))
	return err == nil
}

// NewSession opens an incognito browsing context with one page attached
// and applies the session options before any navigation happens.
func (c *rodClient) NewSession(ctx context.Context, opts SessionOptions) (Session, error) {
	incog, err := c.browser.Incognito()
	if err != nil {
		return nil, models.NewEngineError(
			models.ErrCodeBrowserCrash,
			"failed to create incognito browsing context",
			err,
		)
	}
	page, err := incog.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = proto.TargetDisposeBrowserContext{
			BrowserContextID: incog.BrowserContextID,
		}.Call(c.browser)
		return nil, models.NewEngineError(
			models.ErrCodeBrowserCrash,
			"failed to open page in browsing context",
			err,
		)
	}

	s := &rodSession{browser: c.browser, incognito: incog, page: page}
	if err := s.setup(ctx, opts); err != nil {
		_ = s.Close()
		return nil, models.NewEngineError(
			models.ErrCodeBrowserCrash,
			"failed to prepare browsing context",
			err,
		)
	}
	return s, nil
}

// Close terminates the browser process. The launcher kill is a backstop
// for processes that survive the CDP close.
func (c *rodClient) Close() error {
	err := c.browser.Close()
	c.control.Kill()
	return err
}

type rodSession struct {
	browser   *rod.Browser // root browser, used to dispose the context
	incognito *rod.Browser
	page      *rod.Page
	router    *rod.HijackRouter
}

// setup applies session options. Stealth and the hijack router must be
// installed before the first navigation or they have no effect on it.
func (s *rodSession) setup(ctx context.Context, opts SessionOptions) error {
	p := s.page.Context(ctx)

	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.ViewportWidth,
			Height:            opts.ViewportHeight,
			DeviceScaleFactor: 1,
		}); err != nil {
			return err
		}
	}
	if opts.UserAgent != "" {
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent: opts.UserAgent,
		}); err != nil {
			return err
		}
	}

	if opts.Stealth {
		if _, err := p.EvalOnNewDocument(stealth.JS); err != nil {
			slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
		}
	}

	// Custom headers, plus a synthetic Google referer when none is given.
	// Pages that gate on traffic source treat search referrals gently.
	headers := make(map[string]string, len(opts.Headers)+1)
	if _, hasReferer := opts.Headers["Referer"]; !hasReferer && opts.TargetURL != "" {
		if u, err := url.Parse(opts.TargetURL); err == nil {
			headers["Referer"] = "https://www.google.com/search?q=" + url.QueryEscape(u.Hostname())
		}
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if len(headers) > 0 {
		if err := (proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(headers),
		}).Call(p); err != nil {
			return err
		}
	}

	for _, cookie := range opts.Cookies {
		domain := cookie.Domain
		if domain == "" && opts.TargetURL != "" {
			if u, err := url.Parse(opts.TargetURL); err == nil {
				domain = u.Host
			}
		}
		path := cookie.Path
		if path == "" {
			path = "/"
		}
		_, _ = proto.NetworkSetCookie{
			Name:   cookie.Name,
			Value:  cookie.Value,
			Domain: domain,
			Path:   path,
		}.Call(p)
	}

	s.router = mountHijack(s.page, opts.BlockedResourceTypes, opts.BlockAds)
	return nil
}

func (s *rodSession) Navigate(ctx context.Context, u string) error {
	return s.page.Context(ctx).Navigate(u)
}

func (s *rodSession) WaitStable(ctx context.Context, window time.Duration) error {
	return s.page.Context(ctx).WaitDOMStable(window, 0.1)
}

func (s *rodSession) WaitSelector(ctx context.Context, selector string, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.page.Context(wctx).WaitElementsMoreThan(selector, 0)
}

func (s *rodSession) Click(ctx context.Context, selector string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (s *rodSession) Eval(ctx context.Context, js string) (gson.JSON, error) {
	res, err := s.page.Context(ctx).Eval(js)
	if err != nil {
		return gson.New(nil), err
	}
	return res.Value, nil
}

func (s *rodSession) HTML(ctx context.Context) (string, error) {
	return s.page.Context(ctx).HTML()
}

// Stats reads the navigation outcome from the page's performance timeline.
// That avoids CDP network event listeners, which conflict with the Fetch
// domain the hijack router uses on Chromium 145+.
func (s *rodSession) Stats(ctx context.Context) (NavStats, error) {
	res, err := s.page.Context(ctx).Eval(`() => {
		const out = { status: 0, redirects: 0, href: window.location.href };
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) {
				out.status = entries[0].responseStatus || 0;
				out.redirects = entries[0].redirectCount || 0;
			}
		} catch (e) {}
		return out;
	}`)
	if err != nil {
		return NavStats{}, err
	}
	v := res.Value
	return NavStats{
		StatusCode: v.Get("status").Int(),
		Redirects:  v.Get("redirects").Int(),
		FinalURL:   v.Get("href").Str(),
	}, nil
}

func (s *rodSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return s.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Close tears down the page and disposes the incognito context so its
// cookies and storage never leak into another session.
func (s *rodSession) Close() error {
	if s.router != nil {
		_ = s.router.Stop()
	}
	err := s.page.Close()
	if derr := (proto.TargetDisposeBrowserContext{
		BrowserContextID: s.incognito.BrowserContextID,
	}).Call(s.browser); derr != nil && err == nil {
		err = derr
	}
	return err
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders
// type (map[string]gson.JSON) the override call expects.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}
