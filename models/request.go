package models

import (
	"fmt"
	"net/url"
)

// Action is one post-load page step executed before extraction,
// in declared order.
type Action struct {
	// Type is one of "wait", "click", "scroll", "evaluate".
	Type string `json:"type"`

	// Selector is the target element for wait/click actions.
	Selector string `json:"selector,omitempty"`

	// Script is a JavaScript function expression for evaluate actions.
	Script string `json:"script,omitempty"`

	// Pixels is the vertical scroll distance for scroll actions.
	// 0 scrolls to the bottom of the page.
	Pixels int `json:"pixels,omitempty"`
}

// ExtractRequest is the unit of work submitted to the orchestrator.
type ExtractRequest struct {
	// Locator is the target page URL. Required.
	Locator string `json:"locator"`

	// Rules is the extraction rule set applied to the loaded page. Required.
	Rules RuleSet `json:"rules"`

	// TimeoutMs bounds one navigation attempt, in milliseconds.
	// Default: configured default timeout.
	TimeoutMs int `json:"timeout_ms,omitempty"`

	// MaxRetries is the retry budget for transient navigation failures.
	// Default: configured default retry budget.
	MaxRetries *int `json:"max_retries,omitempty"`

	// JobTimeoutMs bounds the whole job including retries and backoff.
	// Default: configured job timeout.
	JobTimeoutMs int `json:"job_timeout_ms,omitempty"`

	// WaitSelector is a CSS selector the page must render before
	// extraction begins (own timeout, configured separately).
	WaitSelector string `json:"wait_selector,omitempty"`

	// Actions run in order after load, before extraction.
	Actions []Action `json:"actions,omitempty"`

	// Stealth enables anti-bot-detection evasions for the session.
	Stealth bool `json:"stealth,omitempty"`

	// Screenshot captures a full-page PNG returned base64 in the result.
	Screenshot bool `json:"screenshot,omitempty"`

	// BlockImages blocks image loading for this job in addition to the
	// configured blocked resource types.
	BlockImages bool `json:"block_images,omitempty"`

	// Headers are extra HTTP headers sent with every request the page makes.
	Headers map[string]string `json:"headers,omitempty"`

	// Cookies are set on the session before navigation.
	Cookies []Cookie `json:"cookies,omitempty"`

	// UserAgent overrides the configured user agent for this session.
	UserAgent string `json:"user_agent,omitempty"`

	// CacheMaxAgeMs serves a cached result no older than this instead of
	// fetching. 0 disables cache lookup for the job.
	CacheMaxAgeMs int `json:"cache_max_age_ms,omitempty"`

	// WebhookURL receives a signed job.completed/job.failed event when the
	// job reaches a terminal state.
	WebhookURL string `json:"webhook_url,omitempty"`

	// Schema, when set, runs LLM structured extraction over the page
	// content after rule extraction. BYOK via LLMAPIKey.
	Schema    string `json:"schema,omitempty"`
	LLMAPIKey string `json:"llm_api_key,omitempty"`
	LLMModel  string `json:"llm_model,omitempty"`
}

// Cookie is one cookie set on the session before navigation.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Validate checks the request shape. Engine defaults are applied later by
// the orchestrator, so only structural problems are rejected here.
func (r *ExtractRequest) Validate() error {
	if r.Locator == "" {
		return NewEngineError(ErrCodeInvalidInput, "locator is required", nil)
	}
	u, err := url.Parse(r.Locator)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return NewEngineError(ErrCodeInvalidInput,
			fmt.Sprintf("locator %q is not an http(s) URL", r.Locator), err)
	}
	if err := r.Rules.Validate(); err != nil {
		return err
	}
	if r.TimeoutMs < 0 || r.JobTimeoutMs < 0 || r.CacheMaxAgeMs < 0 {
		return NewEngineError(ErrCodeInvalidInput, "timeouts cannot be negative", nil)
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return NewEngineError(ErrCodeInvalidInput, "max_retries cannot be negative", nil)
	}
	for i := range r.Actions {
		if err := r.Actions[i].validate(); err != nil {
			return err
		}
	}
	if r.Schema != "" && r.LLMAPIKey == "" {
		return NewEngineError(ErrCodeInvalidInput, "schema extraction needs llm_api_key", nil)
	}
	return nil
}

func (a *Action) validate() error {
	switch a.Type {
	case "wait", "click":
		if a.Selector == "" {
			return NewEngineError(ErrCodeInvalidInput,
				fmt.Sprintf("%s action needs a selector", a.Type), nil)
		}
	case "evaluate":
		if a.Script == "" {
			return NewEngineError(ErrCodeInvalidInput, "evaluate action needs a script", nil)
		}
	case "scroll":
		if a.Pixels < 0 {
			return NewEngineError(ErrCodeInvalidInput, "scroll pixels cannot be negative", nil)
		}
	default:
		return NewEngineError(ErrCodeInvalidInput,
			fmt.Sprintf("unknown action type %q", a.Type), nil)
	}
	return nil
}
