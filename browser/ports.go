// Package browser owns the headless-browser fleet: a bounded pool of
// browser processes and the isolated browsing contexts issued from them.
//
// The pool works against small interfaces (Launcher, Client, Session) so the
// engine can be driven by rod in production and by fakes in tests; nothing
// outside this package touches rod.
package browser

import (
	"context"
	"time"

	"github.com/ysmood/gson"

	"github.com/gleanhq/glean/models"
)

// Launcher starts headless browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Client, error)
}

// Client is one running headless browser process.
type Client interface {
	// NewSession creates an isolated browsing context (own cookies and
	// storage) with a single page attached and the options applied.
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)

	// Healthy probes the process liveness. It must be cheap; the pool
	// calls it before handing a browser out.
	Healthy(ctx context.Context) bool

	// Close terminates the browser process.
	Close() error
}

// Session is one isolated browsing context driving a single page.
// All methods honor ctx deadlines and cancellation.
type Session interface {
	Navigate(ctx context.Context, url string) error

	// WaitStable waits until the DOM stops mutating for the given window.
	WaitStable(ctx context.Context, window time.Duration) error

	// WaitSelector waits until at least one element matches the selector.
	WaitSelector(ctx context.Context, selector string, timeout time.Duration) error

	// Click clicks the first element matching the selector.
	Click(ctx context.Context, selector string) error

	// Eval evaluates a JavaScript function expression, e.g.
	// "() => document.title", and returns its JSON value.
	Eval(ctx context.Context, js string) (gson.JSON, error)

	// HTML returns the rendered document markup.
	HTML(ctx context.Context) (string, error)

	// Stats reports the navigation outcome recorded by the page.
	Stats(ctx context.Context) (NavStats, error)

	// Screenshot captures a PNG of the page.
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)

	// Close destroys the page and its browsing context.
	Close() error
}

// NavStats is the navigation outcome read back from the loaded page.
type NavStats struct {
	// StatusCode is the HTTP status of the final navigation response.
	// 0 when the page exposes no navigation timing entry.
	StatusCode int

	// Redirects is the redirect hop count the browser followed.
	Redirects int

	// FinalURL is the document URL after redirects.
	FinalURL string
}

// SessionOptions configures a new browsing context before it is handed out.
type SessionOptions struct {
	// TargetURL is the page the session is about to visit. Used to derive
	// the default referer and cookie domains; navigation itself happens
	// later through Session.Navigate.
	TargetURL string

	UserAgent      string
	ViewportWidth  int
	ViewportHeight int

	// Stealth injects anti-bot-detection evasions before navigation.
	Stealth bool

	// Headers are sent with every request the page makes.
	Headers map[string]string

	// Cookies are set before navigation.
	Cookies []models.Cookie

	// BlockedResourceTypes lists resource types to abort at the network
	// layer ("Image", "Stylesheet", "Font", "Media", "Script").
	BlockedResourceTypes []string

	// BlockAds aborts requests to known ad and tracking hosts.
	BlockAds bool
}
