package httpapi

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/itinerd/internal/broadcast"
	"pkt.systems/itinerd/internal/lockmgr"
	"pkt.systems/itinerd/internal/pipeline"
	"pkt.systems/itinerd/internal/resilience"
)

// toHTTPError maps domain errors onto the wire taxonomy. Anything not
// recognised becomes a 500.
func toHTTPError(err error) httpError {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var failure *resilience.Failure
	if errors.As(err, &failure) {
		out := httpError{Status: failure.Status, Code: failure.Code, Detail: failure.Error()}
		if out.Status == 0 {
			out.Status = http.StatusBadGateway
		}
		if failure.Retryable() {
			out.RetryAfter = 1
		}
		return out
	}
	var lockTimeout *pipeline.LockTimeoutError
	switch {
	case errors.Is(err, lockmgr.ErrInvalidRequest):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_request", Detail: err.Error()}
	case errors.Is(err, lockmgr.ErrContention):
		return httpError{Status: http.StatusServiceUnavailable, Code: "lock_contention", Detail: err.Error(), RetryAfter: 1}
	case errors.Is(err, broadcast.ErrInvalidEvent):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_event", Detail: err.Error()}
	case errors.Is(err, broadcast.ErrHubClosed), errors.Is(err, pipeline.ErrRunnerClosed):
		return httpError{Status: http.StatusServiceUnavailable, Code: "shutting_down", Detail: err.Error()}
	case errors.Is(err, broadcast.ErrSubscriberFailed):
		return httpError{Status: http.StatusInternalServerError, Code: "subscribe_failed", Detail: err.Error()}
	case errors.Is(err, pipeline.ErrNoAgents):
		return httpError{Status: http.StatusConflict, Code: "no_agents", Detail: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return httpError{Status: http.StatusGatewayTimeout, Code: "timeout", Detail: err.Error(), RetryAfter: 1}
	case errors.As(err, &lockTimeout):
		return httpError{Status: http.StatusConflict, Code: "lock_timeout", Detail: err.Error(), RetryAfter: 1}
	}
	return httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: "internal server error"}
}

// storeError reports a lock store failure. Lock operations fail closed, so
// the caller learns the outcome is unknown rather than that it succeeded.
func storeError(err error) error {
	mapped := toHTTPError(err)
	if mapped.Status != http.StatusInternalServerError {
		return mapped
	}
	return httpError{Status: http.StatusServiceUnavailable, Code: "store_unavailable", Detail: err.Error(), RetryAfter: 1}
}
