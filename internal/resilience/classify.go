package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Class is the retry/breaker classification of an error.
type Class int

const (
	// Transient errors count against the breaker and may be retried.
	Transient Class = iota
	// Permanent errors are surfaced immediately and leave the breaker alone.
	Permanent
	// Canceled means the caller gave up.
	Canceled
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classifier maps an error to a Class.
type Classifier func(error) Class

// StatusError is a remote failure carrying an HTTP-style status.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("status %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("status %d: %s", e.Status, msg)
}

func (e *StatusError) Unwrap() error { return e.Err }

type classified struct {
	class Class
	err   error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// MarkPermanent forces err to classify as permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: Permanent, err: err}
}

// MarkTransient forces err to classify as transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: Transient, err: err}
}

// Classify is the default Classifier. Anything it does not recognise is
// treated as transient.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	var marked *classified
	if errors.As(err, &marked) {
		return marked.class
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var status *StatusError
	if errors.As(err, &status) {
		return classifyStatus(status.Status)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Transient
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Permanent
	}
	return Transient
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Transient
	case status >= 400:
		return Permanent
	default:
		return Transient
	}
}
