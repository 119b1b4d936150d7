// Package httpapi exposes the lock manager, the broadcast hub and the
// generation pipeline over HTTP, including a Server-Sent Events stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/itinerd/api"
	"pkt.systems/itinerd/internal/broadcast"
	"pkt.systems/itinerd/internal/ids"
	"pkt.systems/itinerd/internal/lockmgr"
	"pkt.systems/itinerd/internal/lsf"
	"pkt.systems/itinerd/internal/pipeline"
	"pkt.systems/itinerd/internal/qrf"
	"pkt.systems/itinerd/internal/resilience"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	headerRequestID = "X-Request-Id"

	// DefaultJSONMaxBytes caps lock and run request bodies.
	DefaultJSONMaxBytes = 64 << 10
	// DefaultPublishMaxBytes caps publish request bodies.
	DefaultPublishMaxBytes = 256 << 10
	// DefaultLockTTL applies when an acquire omits ttlMs.
	DefaultLockTTL = 30 * time.Second
	// DefaultMaxLockTTL bounds requested leases.
	DefaultMaxLockTTL = time.Hour
	// DefaultSSEIdleTimeout ends a stream with no traffic.
	DefaultSSEIdleTimeout = 5 * time.Minute
	// DefaultSSEHeartbeat is the comment-frame cadence on open streams.
	DefaultSSEHeartbeat = 15 * time.Second
	// DefaultSSEQueueSize bounds frames waiting for a slow client.
	DefaultSSEQueueSize = 64
)

// Config wires a Handler.
type Config struct {
	Locks    *lockmgr.Manager
	Hub      *broadcast.Hub
	Runner   *pipeline.Runner
	Registry *pipeline.Registry
	Invoker  *resilience.Invoker
	Logger   pslog.Logger
	// Observer counts inflight requests and Throttle paces them under
	// load. Both are optional.
	Observer *lsf.Observer
	Throttle *qrf.Controller

	JSONMaxBytes    int64
	PublishMaxBytes int64
	DefaultLockTTL  time.Duration
	MaxLockTTL      time.Duration
	SSEIdleTimeout  time.Duration
	SSEHeartbeat    time.Duration
	SSEQueueSize    int
	TracingEnabled  bool
	// Ready, when set, gates /readyz.
	Ready func(context.Context) error
}

// Handler serves the itinerd HTTP API.
type Handler struct {
	cfg    Config
	locks  *lockmgr.Manager
	hub    *broadcast.Hub
	runner *pipeline.Runner
	logger pslog.Logger
	tracer trace.Tracer
}

// New builds a Handler. Locks and Hub are required.
func New(cfg Config) (*Handler, error) {
	if cfg.Locks == nil || cfg.Hub == nil {
		return nil, errors.New("httpapi: lock manager and hub are required")
	}
	if cfg.JSONMaxBytes <= 0 {
		cfg.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if cfg.PublishMaxBytes <= 0 {
		cfg.PublishMaxBytes = DefaultPublishMaxBytes
	}
	if cfg.DefaultLockTTL <= 0 {
		cfg.DefaultLockTTL = DefaultLockTTL
	}
	if cfg.MaxLockTTL <= 0 {
		cfg.MaxLockTTL = DefaultMaxLockTTL
	}
	if cfg.SSEIdleTimeout <= 0 {
		cfg.SSEIdleTimeout = DefaultSSEIdleTimeout
	}
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = DefaultSSEHeartbeat
	}
	if cfg.SSEQueueSize <= 0 {
		cfg.SSEQueueSize = DefaultSSEQueueSize
	}
	return &Handler{
		cfg:    cfg,
		locks:  cfg.Locks,
		hub:    cfg.Hub,
		runner: cfg.Runner,
		logger: svcfields.Ensure(cfg.Logger),
		tracer: otel.Tracer("pkt.systems/itinerd/httpapi"),
	}, nil
}

// Register installs every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/events/subscribe", h.wrap("events.subscribe", h.handleSubscribe))
	mux.Handle("POST /v1/events/publish", h.wrap("events.publish", h.handlePublish))
	mux.Handle("POST /v1/locks/acquire", h.wrap("locks.acquire", h.handleAcquire))
	mux.Handle("POST /v1/locks/release", h.wrap("locks.release", h.handleRelease))
	mux.Handle("POST /v1/locks/extend", h.wrap("locks.extend", h.handleExtend))
	mux.Handle("POST /v1/locks/release-all", h.wrap("locks.release_all", h.handleReleaseAll))
	mux.Handle("GET /v1/locks/status", h.wrap("locks.status", h.handleLockStatus))
	mux.Handle("POST /v1/resources/close", h.wrap("resources.close", h.handleCloseResource))
	mux.Handle("POST /v1/runs", h.wrap("runs.start", h.handleStartRun))
	mux.Handle("GET /v1/agents", h.wrap("agents", h.handleAgents))
	mux.Handle("GET /v1/stats", h.wrap("stats", h.handleStats))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	return svcfields.Subsystem(append([]string{"api.http.router"}, parts...)...)
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	txSpanName := "itinerd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := strings.TrimSpace(r.Header.Get(headerRequestID))
		if reqID == "" || len(reqID) > 128 {
			reqID = ids.NewRequestID()
		}
		w.Header().Set(headerRequestID, reqID)

		ctx, span := h.tracer.Start(ctx, txSpanName,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("itinerd.sys", sys),
				attribute.String("itinerd.operation", operation),
				attribute.String("itinerd.route", r.URL.Path),
			),
		)
		defer span.End()

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		err := fn(w, r)
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
			logger.Trace("http.request.complete", "elapsed", time.Since(start))
			return
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			// Client went away; nobody is left to read a response.
			span.SetStatus(codes.Error, "context_canceled")
			logger.Trace("http.request.canceled", "elapsed", time.Since(start))
			return
		}
		span.RecordError(err)
		httpErr := toHTTPError(err)
		span.SetAttributes(
			attribute.String("itinerd.error_code", httpErr.Code),
			attribute.Int("itinerd.error_status", httpErr.Status),
		)
		span.SetStatus(codes.Error, httpErr.Code)
		logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
		h.handleError(ctx, w, httpErr, err)
	})

	if !h.cfg.TracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, "itinerd.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

// admit paces the request when the server is under pressure and counts it
// as inflight. The returned closure must run once the request completes.
func (h *Handler) admit(ctx context.Context, kind qrf.Kind) (func(), error) {
	if err := throttleError(h.cfg.Throttle.Wait(ctx, kind)); err != nil {
		return nil, err
	}
	return h.cfg.Observer.Begin(kind), nil
}

func throttleError(err error) error {
	if err == nil {
		return nil
	}
	var waitErr *qrf.WaitError
	if errors.As(err, &waitErr) {
		retry := int64((waitErr.Delay + time.Second - 1) / time.Second)
		return httpError{
			Status:     http.StatusTooManyRequests,
			Code:       "throttled",
			Detail:     waitErr.Error(),
			RetryAfter: max(retry, 1),
		}
	}
	return err
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, httpErr httpError, cause error) {
	logger := svcfields.FromContext(ctx, h.logger)
	if httpErr.Status >= http.StatusInternalServerError {
		logger.Warn("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "error", cause)
	} else {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	}
	headers := map[string]string{}
	if httpErr.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
	}
	h.writeJSON(w, httpErr.Status, api.ErrorResponse{
		ErrorCode:         httpErr.Code,
		Detail:            httpErr.Detail,
		RetryAfterSeconds: httpErr.RetryAfter,
	}, headers)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return errors.New("unexpected trailing JSON value")
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	defer body.Close()
	if err := decodeJSONBody(body, dst, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{
				Status: http.StatusRequestEntityTooLarge,
				Code:   "body_too_large",
				Detail: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_body",
			Detail: fmt.Sprintf("failed to parse request: %v", err),
		}
	}
	return nil
}
