package httpapi

import (
	"bufio"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/itinerd/internal/broadcast"
	"pkt.systems/itinerd/internal/qrf"
	"pkt.systems/itinerd/internal/svcfields"
)

var (
	errStreamClosed = errors.New("httpapi: stream closed")
	errStreamFull   = errors.New("httpapi: stream queue full")
)

type sseFrame struct {
	name string
	id   string
	data []byte
}

// sseChannel is the broadcast.Channel behind one event stream. Send only
// enqueues; the request goroutine owns the connection and writes frames.
// A full queue means the client is not keeping up and is reported as a
// failed send so the hub prunes it.
type sseChannel struct {
	frames chan sseFrame
	closed chan struct{}
	once   sync.Once
}

func newSSEChannel(size int) *sseChannel {
	return &sseChannel{
		frames: make(chan sseFrame, size),
		closed: make(chan struct{}),
	}
}

func (c *sseChannel) Send(name, id string, data []byte) error {
	select {
	case <-c.closed:
		return errStreamClosed
	default:
	}
	select {
	case c.frames <- sseFrame{name: name, id: id, data: data}:
		return nil
	default:
		return errStreamFull
	}
}

func (c *sseChannel) Close(broadcast.CloseReason) {
	c.once.Do(func() { close(c.closed) })
}

func writeFrame(w *bufio.Writer, f sseFrame) error {
	if f.id != "" {
		w.WriteString("id: ")
		w.WriteString(f.id)
		w.WriteByte('\n')
	}
	w.WriteString("event: ")
	w.WriteString(f.name)
	w.WriteByte('\n')
	for _, line := range strings.Split(string(f.data), "\n") {
		w.WriteString("data: ")
		w.WriteString(line)
		w.WriteByte('\n')
	}
	w.WriteByte('\n')
	return w.Flush()
}

// handleSubscribe godoc
// @Summary      Subscribe to resource events
// @Description  Opens a Server-Sent Events stream. Buffered events visible to the session are replayed first, followed by a connection-established event, then live events. Each frame carries the event sequence id as its SSE id. The stream ends after the idle timeout, when the resource is closed, or when the client falls behind.
// @Tags         events
// @Produce      text/event-stream
// @Param        resource  query     string  true   "Resource identifier"
// @Param        session   query     string  false  "Session (run) identifier"
// @Success      200       {string}  string  "event stream"
// @Failure      400       {object}  api.ErrorResponse
// @Router       /v1/events/subscribe [get]
func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	resource := strings.TrimSpace(query.Get("resource"))
	if resource == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_resource", Detail: "resource query parameter required"}
	}
	done, err := h.admit(r.Context(), qrf.KindStream)
	if err != nil {
		return err
	}
	defer done()
	session := broadcast.StrPtr(strings.TrimSpace(query.Get("session")))
	rc := http.NewResponseController(w)

	ch := newSSEChannel(h.cfg.SSEQueueSize)
	sub, err := h.hub.Subscribe(resource, session, ch)
	if err != nil {
		return err
	}
	ctx := r.Context()
	logger := svcfields.FromContext(ctx, h.logger).With("resource", resource, "subscriber", sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	out := bufio.NewWriter(w)

	reason := broadcast.CloseCompleted
	defer func() {
		sub.Close(reason)
		logger.Debug("events.stream.closed", "reason", sub.Reason())
	}()

	send := func(f sseFrame) bool {
		if err := writeFrame(out, f); err != nil {
			reason = broadcast.CloseError
			logger.Debug("events.stream.write_failed", "error", err)
			return false
		}
		if err := rc.Flush(); err != nil {
			reason = broadcast.CloseError
			logger.Debug("events.stream.flush_failed", "error", err)
			return false
		}
		return true
	}

	idle := time.NewTimer(h.cfg.SSEIdleTimeout)
	defer idle.Stop()
	heartbeat := time.NewTicker(h.cfg.SSEHeartbeat)
	defer heartbeat.Stop()
	logger.Debug("events.stream.open", "session", derefOrEmpty(session))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch.closed:
			// Flush whatever the hub queued before closing us.
			for {
				select {
				case f := <-ch.frames:
					if !send(f) {
						return nil
					}
				default:
					return nil
				}
			}
		case f := <-ch.frames:
			if !send(f) {
				return nil
			}
			idle.Reset(h.cfg.SSEIdleTimeout)
		case <-heartbeat.C:
			out.WriteString(": keepalive\n\n")
			if err := out.Flush(); err != nil {
				reason = broadcast.CloseError
				return nil
			}
			if err := rc.Flush(); err != nil {
				reason = broadcast.CloseError
				return nil
			}
		case <-idle.C:
			reason = broadcast.CloseTimeout
			return nil
		}
	}
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
