package models

import (
	"errors"
	"fmt"
)

// Error codes returned to callers and used in internal error handling.
const (
	// Pool and context lifecycle.
	ErrCodePoolExhausted = "POOL_EXHAUSTED"
	ErrCodeContextLimit  = "CONTEXT_LIMIT_EXCEEDED"
	ErrCodeBrowserCrash  = "BROWSER_CRASH"

	// Navigation.
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNetwork           = "NETWORK_ERROR"
	ErrCodeNavigationAborted = "NAVIGATION_ABORTED"
	ErrCodeRedirectLoop      = "REDIRECT_LOOP"

	// Extraction and job control.
	ErrCodeExtractionRule = "EXTRACTION_RULE_ERROR"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeFetchFailed    = "FETCH_FAILED"
	ErrCodeInternal       = "INTERNAL_ERROR"

	// LLM schema extraction.
	ErrCodeLLMFailure     = "LLM_FAILURE"
	ErrCodeLLMAuthFailure = "LLM_AUTH_FAILURE"
	ErrCodeLLMRateLimited = "LLM_RATE_LIMITED"
)

// ErrorDetail is the structured error handed across the engine boundary.
// It never carries internal state (process ids, stack traces, wrapped causes).
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EngineError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type EngineError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError.
func NewEngineError(code, message string, err error) *EngineError {
	return &EngineError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to a caller-facing ErrorDetail.
func (e *EngineError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// CodeOf extracts the engine error code from err, walking the wrap chain.
// Non-engine errors map to INTERNAL_ERROR; nil maps to "".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given engine error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// DetailOf projects any error into a boundary-safe ErrorDetail.
func DetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.ToDetail()
	}
	return &ErrorDetail{Code: ErrCodeInternal, Message: err.Error()}
}

// Retryable reports whether the error kind is transient and may be retried
// by the navigation executor. Only network errors qualify.
func Retryable(err error) bool {
	return IsCode(err, ErrCodeNetwork)
}
