package navigator

import (
	"context"
	"errors"
	"strings"

	"github.com/gleanhq/glean/models"
)

// networkErrFragments are the Chromium net error strings that mean the
// target could not be reached. These are the only failures worth
// retrying; everything else fails the attempt for good.
var networkErrFragments = []string{
	"net::ERR_NAME_NOT_RESOLVED",
	"net::ERR_NAME_RESOLUTION_FAILED",
	"net::ERR_CONNECTION_REFUSED",
	"net::ERR_CONNECTION_RESET",
	"net::ERR_CONNECTION_CLOSED",
	"net::ERR_CONNECTION_TIMED_OUT",
	"net::ERR_CONNECTION_FAILED",
	"net::ERR_ADDRESS_UNREACHABLE",
	"net::ERR_INTERNET_DISCONNECTED",
	"net::ERR_NETWORK_CHANGED",
	"net::ERR_EMPTY_RESPONSE",
	"net::ERR_SSL_PROTOCOL_ERROR",
	"net::ERR_PROXY_CONNECTION_FAILED",
	"net::ERR_TIMED_OUT",
}

func isNetworkErr(s string) bool {
	for _, frag := range networkErrFragments {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}

// classifyNav wraps a raw navigation error with the engine error code
// the rest of the pipeline dispatches on.
func classifyNav(err error, msg string) *models.EngineError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewEngineError(models.ErrCodeTimeout, msg+": deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return models.NewEngineError(models.ErrCodeCancelled, msg+": cancelled", err)
	}
	s := err.Error()
	switch {
	case strings.Contains(s, "net::ERR_TOO_MANY_REDIRECTS"):
		return models.NewEngineError(models.ErrCodeRedirectLoop, msg+": too many redirects", err)
	case isNetworkErr(s):
		return models.NewEngineError(models.ErrCodeNetwork, msg, err)
	default:
		return models.NewEngineError(models.ErrCodeNavigationAborted, msg, err)
	}
}

// classifyCtx maps a context error observed at a suspension point.
// Cancellation is the caller's doing; a hit deadline means the job
// budget ran out.
func classifyCtx(err error) *models.EngineError {
	if errors.Is(err, context.Canceled) {
		return models.NewEngineError(models.ErrCodeCancelled, "navigation cancelled", err)
	}
	return models.NewEngineError(models.ErrCodeTimeout, "job budget exhausted during navigation", err)
}
