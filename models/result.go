package models

import (
	"encoding/json"
	"time"
)

// Field is one extracted value. Fields preserve rule declaration order.
type Field struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Provenance records where and how a result was produced.
type Provenance struct {
	// Locator is the URL the job was submitted with.
	Locator string `json:"locator"`

	// FinalURL is the URL after redirects.
	FinalURL string `json:"final_url"`

	// StatusCode is the HTTP status of the final navigation response.
	StatusCode int `json:"status_code"`

	// Redirects is the redirect hop count observed during navigation.
	Redirects int `json:"redirects,omitempty"`

	// FetchedAt is when navigation completed.
	FetchedAt time.Time `json:"fetched_at"`

	// NavigationMs and ExtractionMs are stage durations.
	NavigationMs int64 `json:"navigation_ms"`
	ExtractionMs int64 `json:"extraction_ms"`

	// Fingerprint is a 64-bit simhash of the page text, hex encoded.
	// Callers polling the same locator can compare fingerprints to detect
	// content change.
	Fingerprint string `json:"fingerprint,omitempty"`

	// StructureFingerprint is a simhash of the markup's tag sequence. It
	// moves on template changes, warning that selector rules may rot even
	// when the text fingerprint holds steady.
	StructureFingerprint string `json:"structure_fingerprint,omitempty"`

	// CacheHit marks results served from the result cache.
	CacheHit bool `json:"cache_hit,omitempty"`
}

// ExtractionResult is the structured output of a completed job.
type ExtractionResult struct {
	// Fields are the extracted values in rule declaration order.
	Fields []Field `json:"fields"`

	// Partial is set when optional rules missed; Missing lists their names.
	Partial bool     `json:"partial,omitempty"`
	Missing []string `json:"missing,omitempty"`

	// Screenshot is a base64 PNG of the full page, when requested.
	Screenshot string `json:"screenshot,omitempty"`

	// Structured is the LLM schema extraction output, when requested.
	Structured json.RawMessage `json:"structured,omitempty"`

	// Usage reports LLM token consumption for schema extraction.
	Usage *LLMUsage `json:"usage,omitempty"`

	Provenance Provenance `json:"provenance"`
}

// Get returns the value for a field name, honoring first-match order.
func (r *ExtractionResult) Get(name string) (any, bool) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			return r.Fields[i].Value, true
		}
	}
	return nil, false
}

// LLMUsage reports token consumption of a schema extraction call.
type LLMUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Download is the outcome of a direct resource fetch.
type Download struct {
	// Data is the raw resource body.
	Data []byte `json:"-"`

	// ContentType is the server-reported MIME type.
	ContentType string `json:"content_type"`

	// Filename is derived from Content-Disposition or the URL path.
	Filename string `json:"filename,omitempty"`

	// Size is len(Data).
	Size int64 `json:"size"`

	// SourceURL is the URL the resource was fetched from.
	SourceURL string `json:"source_url"`
}

// PoolStats is a point-in-time snapshot of the browser pool.
type PoolStats struct {
	// Browsers is the number of live browser processes.
	Browsers int `json:"browsers"`

	// Starting is how many launches are in flight.
	Starting int `json:"starting"`

	// Ready is how many live browsers are healthy and accepting contexts.
	Ready int `json:"ready"`

	// OpenContexts is the number of browsing contexts currently open.
	OpenContexts int `json:"open_contexts"`

	// Capacity is the fleet size times the per-browser context limit.
	Capacity int `json:"capacity"`

	// Exhausted is set while the launch-failure breaker is open.
	Exhausted bool `json:"exhausted,omitempty"`
}

// JobStats counts jobs by state.
type JobStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Health is the engine health surface.
type Health struct {
	// Status is "ok" or "degraded".
	Status string `json:"status"`

	UptimeSeconds int64     `json:"uptime_seconds"`
	Pool          PoolStats `json:"pool"`
	Jobs          JobStats  `json:"jobs"`
	QueueDepth    int       `json:"queue_depth"`
}
