package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all engine configuration.
type Config struct {
	Pool       PoolConfig
	Browser    BrowserConfig
	Session    SessionConfig
	Navigation NavigationConfig
	Jobs       JobsConfig
	Cache      CacheConfig
	Fetch      FetchConfig
	Webhook    WebhookConfig
	LLM        LLMConfig
	Log        LogConfig
}

// PoolConfig controls the browser pool.
type PoolConfig struct {
	// Size is the number of browser processes the pool maintains.
	Size int // default: 2

	// ContextsPerBrowser is the per-browser ceiling on concurrent
	// browsing contexts. Size × ContextsPerBrowser bounds engine-wide
	// concurrency.
	ContextsPerBrowser int // default: 4

	// AcquireTimeout bounds how long Acquire blocks for a free browser
	// before reporting pool exhaustion.
	AcquireTimeout time.Duration // default: 30s

	// LaunchFailureThreshold is the consecutive launch failures after
	// which the pool stops retrying and reports PoolExhausted.
	LaunchFailureThreshold int // default: 3

	// LaunchCooldown is how long the exhausted pool waits before allowing
	// a probe launch.
	LaunchCooldown time.Duration // default: 30s

	// BrowserMaxAge retires a browser after this lifetime.
	BrowserMaxAge time.Duration // default: 50m

	// BrowserMaxContexts retires a browser after serving this many contexts.
	BrowserMaxContexts int // default: 500

	// RetireScore is the accumulated error score at which a browser is
	// retired (failure +1.0, success −0.5, floor 0).
	RetireScore float64 // default: 3.0

	// Prewarm launches all browsers at startup instead of on demand.
	Prewarm bool // default: false
}

// BrowserConfig controls how browser processes are launched.
type BrowserConfig struct {
	// Headless controls whether browsers run headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in containers).
	NoSandbox bool // default: true

	// Bin overrides the Chromium binary path.
	Bin string

	// Proxy is the proxy URL applied to every browser.
	Proxy string
}

// SessionConfig controls per-context session defaults.
type SessionConfig struct {
	// UserAgent is the default user agent for new contexts.
	UserAgent string // default: desktop Chrome UA

	// ViewportWidth/ViewportHeight set the default viewport.
	ViewportWidth  int // default: 1920
	ViewportHeight int // default: 1080
}

// NavigationConfig controls the navigation executor.
type NavigationConfig struct {
	// DefaultTimeout bounds one navigation attempt.
	DefaultTimeout time.Duration // default: 30s

	// DefaultRetries is the retry budget for transient failures.
	DefaultRetries int // default: 3

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration // default: 500ms

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration // default: 10s

	// RedirectLimit is the redirect hop bound; beyond it navigation fails
	// with RedirectLoop.
	RedirectLimit int // default: 10

	// StabilizeWindow is the DOM-stability window waited after load.
	StabilizeWindow time.Duration // default: 300ms

	// WaitSelectorTimeout bounds the optional wait-for-selector step.
	WaitSelectorTimeout time.Duration // default: 10s

	// BlockedResourceTypes lists resource types blocked during navigation.
	// default: ["Font", "Media"]
	BlockedResourceTypes []string

	// RatePerHost is the sustained navigation rate per host; 0 disables
	// the limiter.
	RatePerHost float64 // default: 0

	// RateBurst is the per-host burst size when the limiter is on.
	RateBurst int // default: 1
}

// JobsConfig controls the orchestrator.
type JobsConfig struct {
	// JobTimeout bounds a whole job: all attempts, backoff sleeps, and
	// extraction.
	JobTimeout time.Duration // default: 180s

	// MaxQueue is the submission queue depth; submissions beyond it are
	// rejected with PoolExhausted.
	MaxQueue int // default: 100

	// Workers is the number of job workers. 0 means Size × ContextsPerBrowser.
	Workers int // default: 0

	// JobTTL is how long finished job records are kept for Status().
	JobTTL time.Duration // default: 1h
}

// CacheConfig controls the extraction result cache.
type CacheConfig struct {
	// Enabled toggles the cache.
	Enabled bool // default: true

	// MaxEntries is the maximum number of cached results.
	MaxEntries int // default: 1000
}

// FetchConfig controls direct resource downloads.
type FetchConfig struct {
	// Timeout bounds one download.
	Timeout time.Duration // default: 30s

	// MaxSize caps the downloaded body in bytes.
	MaxSize int64 // default: 25 MiB
}

// WebhookConfig controls job event delivery.
type WebhookConfig struct {
	// Secret signs event payloads (HMAC-SHA256). Empty disables signing.
	Secret string
}

// LLMConfig holds defaults for BYOK schema extraction.
type LLMConfig struct {
	BaseURL string // default: "https://api.openai.com/v1"
	Model   string // default: "gpt-4o-mini"
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// DefaultUserAgent mirrors a current desktop Chrome.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Pool: PoolConfig{
			Size:                   envIntOr("GLEAN_POOL_SIZE", 2),
			ContextsPerBrowser:     envIntOr("GLEAN_CONTEXTS_PER_BROWSER", 4),
			AcquireTimeout:         envDurationOr("GLEAN_ACQUIRE_TIMEOUT", 30*time.Second),
			LaunchFailureThreshold: envIntOr("GLEAN_LAUNCH_FAILURE_THRESHOLD", 3),
			LaunchCooldown:         envDurationOr("GLEAN_LAUNCH_COOLDOWN", 30*time.Second),
			BrowserMaxAge:          envDurationOr("GLEAN_BROWSER_MAX_AGE", 50*time.Minute),
			BrowserMaxContexts:     envIntOr("GLEAN_BROWSER_MAX_CONTEXTS", 500),
			RetireScore:            envFloatOr("GLEAN_BROWSER_RETIRE_SCORE", 3.0),
			Prewarm:                envBoolOr("GLEAN_POOL_PREWARM", false),
		},
		Browser: BrowserConfig{
			Headless:  envBoolOr("GLEAN_HEADLESS", true),
			NoSandbox: envBoolOr("GLEAN_NO_SANDBOX", true),
			Bin:       os.Getenv("GLEAN_CHROME_BIN"),
			Proxy:     os.Getenv("GLEAN_PROXY"),
		},
		Session: SessionConfig{
			UserAgent:      envOr("GLEAN_USER_AGENT", DefaultUserAgent),
			ViewportWidth:  envIntOr("GLEAN_VIEWPORT_WIDTH", 1920),
			ViewportHeight: envIntOr("GLEAN_VIEWPORT_HEIGHT", 1080),
		},
		Navigation: NavigationConfig{
			DefaultTimeout:      envDurationOr("GLEAN_DEFAULT_TIMEOUT", 30*time.Second),
			DefaultRetries:      envIntOr("GLEAN_DEFAULT_RETRIES", 3),
			BackoffBase:         envDurationOr("GLEAN_BACKOFF_BASE", 500*time.Millisecond),
			BackoffMax:          envDurationOr("GLEAN_BACKOFF_MAX", 10*time.Second),
			RedirectLimit:       envIntOr("GLEAN_REDIRECT_LIMIT", 10),
			StabilizeWindow:     envDurationOr("GLEAN_STABILIZE_WINDOW", 300*time.Millisecond),
			WaitSelectorTimeout: envDurationOr("GLEAN_WAIT_SELECTOR_TIMEOUT", 10*time.Second),
			BlockedResourceTypes: envSliceOr("GLEAN_BLOCK_RESOURCES", []string{
				"Font", "Media",
			}),
			RatePerHost: envFloatOr("GLEAN_RATE_PER_HOST", 0),
			RateBurst:   envIntOr("GLEAN_RATE_BURST", 1),
		},
		Jobs: JobsConfig{
			JobTimeout: envDurationOr("GLEAN_JOB_TIMEOUT", 180*time.Second),
			MaxQueue:   envIntOr("GLEAN_MAX_QUEUE", 100),
			Workers:    envIntOr("GLEAN_WORKERS", 0),
			JobTTL:     envDurationOr("GLEAN_JOB_TTL", time.Hour),
		},
		Cache: CacheConfig{
			Enabled:    envBoolOr("GLEAN_CACHE_ENABLED", true),
			MaxEntries: envIntOr("GLEAN_CACHE_MAX_ENTRIES", 1000),
		},
		Fetch: FetchConfig{
			Timeout: envDurationOr("GLEAN_FETCH_TIMEOUT", 30*time.Second),
			MaxSize: envInt64Or("GLEAN_FETCH_MAX_SIZE", 25<<20),
		},
		Webhook: WebhookConfig{
			Secret: os.Getenv("GLEAN_WEBHOOK_SECRET"),
		},
		LLM: LLMConfig{
			BaseURL: envOr("GLEAN_LLM_BASE_URL", "https://api.openai.com/v1"),
			Model:   envOr("GLEAN_LLM_MODEL", "gpt-4o-mini"),
		},
		Log: LogConfig{
			Level:  envOr("GLEAN_LOG_LEVEL", "info"),
			Format: envOr("GLEAN_LOG_FORMAT", "json"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64Or(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
