package httpapi

import (
	"net/http"
	"strings"
	"time"

	"pkt.systems/itinerd/api"
	"pkt.systems/itinerd/internal/broadcast"
	"pkt.systems/itinerd/internal/ids"
	"pkt.systems/itinerd/internal/lockmgr"
	"pkt.systems/itinerd/internal/pipeline"
	"pkt.systems/itinerd/internal/qrf"
	"pkt.systems/itinerd/internal/resilience"
	"pkt.systems/itinerd/internal/storage"
)

func toAPILock(l lockmgr.NodeLock) api.Lock {
	return api.Lock{
		ResourceID: l.ResourceID,
		LockType:   string(l.Type),
		OwnerID:    l.Owner,
		CreatedAt:  l.CreatedAt.UnixMilli(),
		UpdatedAt:  l.UpdatedAt.UnixMilli(),
		ExpiresAt:  l.ExpiresAt.UnixMilli(),
		Metadata:   l.Metadata,
	}
}

func toAPILockPtr(l *lockmgr.NodeLock) *api.Lock {
	if l == nil {
		return nil
	}
	out := toAPILock(*l)
	return &out
}

func toAPIEvent(ev broadcast.Event) api.Event {
	return api.Event{
		EventType:  ev.EventType,
		ResourceID: ev.ResourceID,
		SessionID:  ev.SessionID,
		Payload:    ev.Payload,
		SequenceID: ev.SequenceID,
		Timestamp:  ev.Timestamp,
	}
}

func (h *Handler) resolveTTL(requested time.Duration) (time.Duration, error) {
	switch {
	case requested == 0:
		return h.cfg.DefaultLockTTL, nil
	case requested < 0:
		return 0, httpError{Status: http.StatusBadRequest, Code: "invalid_ttl", Detail: "ttlMs must be positive"}
	case requested > h.cfg.MaxLockTTL:
		return 0, httpError{Status: http.StatusBadRequest, Code: "invalid_ttl", Detail: "ttlMs exceeds " + h.cfg.MaxLockTTL.String()}
	}
	return requested, nil
}

// handleAcquire godoc
// @Summary      Acquire a lock
// @Description  Single-shot attempt to lock a resource. Never waits for a competitor: an incompatible holder yields 409 with ok=false, reason "conflict" and the blocking lock. The same owner re-acquiring renews the lease and may upgrade its type.
// @Tags         locks
// @Accept       json
// @Produce      json
// @Param        request  body      api.AcquireRequest  true  "Lock parameters"
// @Success      200      {object}  api.AcquireResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      409      {object}  api.AcquireResponse
// @Failure      503      {object}  api.ErrorResponse
// @Router       /v1/locks/acquire [post]
func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) error {
	done, err := h.admit(r.Context(), qrf.KindLock)
	if err != nil {
		return err
	}
	defer done()
	var payload api.AcquireRequest
	if err := h.decode(w, r, h.cfg.JSONMaxBytes, &payload); err != nil {
		return err
	}
	lockType, err := storage.ParseLockType(payload.LockType)
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_lock_type", Detail: err.Error()}
	}
	ttl, err := h.resolveTTL(payload.TTL())
	if err != nil {
		return err
	}
	res, err := h.locks.Acquire(r.Context(), lockmgr.AcquireRequest{
		ResourceID: strings.TrimSpace(payload.ResourceID),
		Type:       lockType,
		Owner:      strings.TrimSpace(payload.OwnerID),
		TTL:        ttl,
		Metadata:   payload.Metadata,
	})
	if err != nil {
		return storeError(err)
	}
	resp := api.AcquireResponse{
		OK:     res.OK,
		Reason: res.Reason,
		Lock:   toAPILockPtr(res.Lock),
		Holder: toAPILockPtr(res.Holder),
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	h.writeJSON(w, status, resp, nil)
	return nil
}

// handleRelease godoc
// @Summary      Release a lock
// @Description  Releases the caller's lock. Succeeds when no lock exists; fails with 409 not_owner when another owner holds it.
// @Tags         locks
// @Accept       json
// @Produce      json
// @Param        request  body      api.ReleaseRequest  true  "Release parameters"
// @Success      200      {object}  api.ResultResponse
// @Failure      409      {object}  api.ErrorResponse
// @Router       /v1/locks/release [post]
func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) error {
	done, err := h.admit(r.Context(), qrf.KindLock)
	if err != nil {
		return err
	}
	defer done()
	var payload api.ReleaseRequest
	if err := h.decode(w, r, h.cfg.JSONMaxBytes, &payload); err != nil {
		return err
	}
	ok, err := h.locks.Release(r.Context(), strings.TrimSpace(payload.ResourceID), strings.TrimSpace(payload.OwnerID))
	if err != nil {
		return storeError(err)
	}
	if !ok {
		return httpError{Status: http.StatusConflict, Code: "not_owner", Detail: "lock is held by another owner"}
	}
	h.writeJSON(w, http.StatusOK, api.ResultResponse{OK: true}, nil)
	return nil
}

// handleExtend godoc
// @Summary      Extend a lock
// @Description  Adds additionalMs to the current expiry of the caller's lock. Extensions are additive.
// @Tags         locks
// @Accept       json
// @Produce      json
// @Param        request  body      api.ExtendRequest  true  "Extend parameters"
// @Success      200      {object}  api.ResultResponse
// @Failure      409      {object}  api.ErrorResponse
// @Router       /v1/locks/extend [post]
func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request) error {
	done, err := h.admit(r.Context(), qrf.KindLock)
	if err != nil {
		return err
	}
	defer done()
	var payload api.ExtendRequest
	if err := h.decode(w, r, h.cfg.JSONMaxBytes, &payload); err != nil {
		return err
	}
	if payload.AdditionalMillis <= 0 {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_ttl", Detail: "additionalMs must be positive"}
	}
	ok, err := h.locks.Extend(r.Context(), strings.TrimSpace(payload.ResourceID), strings.TrimSpace(payload.OwnerID), payload.Additional())
	if err != nil {
		return storeError(err)
	}
	if !ok {
		return httpError{Status: http.StatusConflict, Code: "not_owner", Detail: "no live lock held by this owner"}
	}
	h.writeJSON(w, http.StatusOK, api.ResultResponse{OK: true}, nil)
	return nil
}

// handleReleaseAll godoc
// @Summary      Release every lock of an owner
// @Tags         locks
// @Accept       json
// @Produce      json
// @Param        request  body      api.ReleaseAllRequest  true  "Owner"
// @Success      200      {object}  api.ResultResponse
// @Router       /v1/locks/release-all [post]
func (h *Handler) handleReleaseAll(w http.ResponseWriter, r *http.Request) error {
	done, err := h.admit(r.Context(), qrf.KindLock)
	if err != nil {
		return err
	}
	defer done()
	var payload api.ReleaseAllRequest
	if err := h.decode(w, r, h.cfg.JSONMaxBytes, &payload); err != nil {
		return err
	}
	count, err := h.locks.ReleaseAllFor(r.Context(), strings.TrimSpace(payload.OwnerID))
	if err != nil {
		return storeError(err)
	}
	h.writeJSON(w, http.StatusOK, api.ResultResponse{OK: true, Count: count}, nil)
	return nil
}

// handleLockStatus godoc
// @Summary      Lock status
// @Tags         locks
// @Produce      json
// @Param        resource  query     string  true  "Resource identifier"
// @Success      200       {object}  api.LockStatusResponse
// @Router       /v1/locks/status [get]
func (h *Handler) handleLockStatus(w http.ResponseWriter, r *http.Request) error {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_resource", Detail: "resource query parameter required"}
	}
	locks, err := h.locks.Get(r.Context(), resource)
	if err != nil {
		return storeError(err)
	}
	resp := api.LockStatusResponse{ResourceID: resource, Locked: len(locks) > 0, Holders: make([]api.Lock, 0, len(locks))}
	for _, l := range locks {
		resp.Holders = append(resp.Holders, toAPILock(l))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// handlePublish godoc
// @Summary      Publish an event
// @Description  Fans the event out to every subscriber of the resource and buffers it for replay. Subscriber failures are never reported to the publisher.
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        request  body      api.PublishRequest  true  "Event"
// @Success      200      {object}  api.Event
// @Failure      413      {object}  api.ErrorResponse
// @Router       /v1/events/publish [post]
func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) error {
	done, err := h.admit(r.Context(), qrf.KindPublish)
	if err != nil {
		return err
	}
	defer done()
	var payload api.PublishRequest
	if err := h.decode(w, r, h.cfg.PublishMaxBytes, &payload); err != nil {
		return err
	}
	ev, err := h.hub.Publish(r.Context(), strings.TrimSpace(payload.ResourceID), broadcast.Message{
		EventType: strings.TrimSpace(payload.EventType),
		SessionID: payload.SessionID,
		Payload:   payload.Payload,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toAPIEvent(ev), nil)
	return nil
}

// handleCloseResource godoc
// @Summary      Close a resource stream
// @Description  Completes every subscriber of the resource and clears its replay buffer.
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        request  body      api.CloseResourceRequest  true  "Resource"
// @Success      200      {object}  api.CloseResourceResponse
// @Router       /v1/resources/close [post]
func (h *Handler) handleCloseResource(w http.ResponseWriter, r *http.Request) error {
	var payload api.CloseResourceRequest
	if err := h.decode(w, r, h.cfg.JSONMaxBytes, &payload); err != nil {
		return err
	}
	resource := strings.TrimSpace(payload.ResourceID)
	if resource == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_resource", Detail: "resourceId required"}
	}
	closed := h.hub.ForceCloseAll(resource)
	h.writeJSON(w, http.StatusOK, api.CloseResourceResponse{ResourceID: resource, Closed: closed}, nil)
	return nil
}

// handleStartRun godoc
// @Summary      Start a generation run
// @Description  Runs the registered agents against the itinerary in the background. Progress is published on the resource stream scoped to the returned session.
// @Tags         runs
// @Accept       json
// @Produce      json
// @Param        request  body      api.RunRequest  true  "Run parameters"
// @Success      202      {object}  api.RunResponse
// @Failure      409      {object}  api.ErrorResponse
// @Router       /v1/runs [post]
func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) error {
	if h.runner == nil || h.cfg.Registry == nil {
		return httpError{Status: http.StatusNotImplemented, Code: "runs_disabled", Detail: "no pipeline configured"}
	}
	done, err := h.admit(r.Context(), qrf.KindRun)
	if err != nil {
		return err
	}
	defer done()
	var payload api.RunRequest
	if err := h.decode(w, r, h.cfg.JSONMaxBytes, &payload); err != nil {
		return err
	}
	session := strings.TrimSpace(payload.SessionID)
	if session == "" {
		session = ids.NewSessionID()
	}
	owner := strings.TrimSpace(payload.OwnerID)
	if owner == "" {
		owner = "run/" + session
	}
	req := pipeline.RunRequest{
		ResourceID: strings.TrimSpace(payload.ResourceID),
		SessionID:  session,
		Owner:      owner,
		Input:      payload.Input,
	}
	if err := h.runner.Start(r.Context(), req); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusAccepted, api.RunResponse{
		ResourceID: req.ResourceID,
		SessionID:  session,
		OwnerID:    owner,
		Stages:     h.cfg.Registry.Len(),
	}, nil)
	return nil
}

// handleAgents godoc
// @Summary      List agents
// @Tags         runs
// @Produce      json
// @Success      200  {array}  pipeline.Capability
// @Router       /v1/agents [get]
func (h *Handler) handleAgents(w http.ResponseWriter, _ *http.Request) error {
	caps := []pipeline.Capability{}
	if h.cfg.Registry != nil {
		caps = h.cfg.Registry.Capabilities()
	}
	h.writeJSON(w, http.StatusOK, caps, nil)
	return nil
}

type statsResponse struct {
	Locks     lockmgr.Stats            `json:"locks"`
	Broadcast broadcast.Stats          `json:"broadcast"`
	Upstream  *resilience.InvokerStats `json:"upstream,omitempty"`
	Runs      int                      `json:"runsInFlight"`
	Throttle  *qrf.Status              `json:"throttle,omitempty"`
}

// handleStats godoc
// @Summary      Service statistics
// @Description  Lock counts, subscriber and buffer counts per resource, circuit breaker state and throttle posture.
// @Tags         system
// @Produce      json
// @Router       /v1/stats [get]
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) error {
	resp := statsResponse{
		Locks:     h.locks.Stats(r.Context()),
		Broadcast: h.hub.Stats(),
	}
	if h.cfg.Invoker != nil {
		stats := h.cfg.Invoker.Stats()
		resp.Upstream = &stats
	}
	if h.runner != nil {
		resp.Runs = h.runner.InFlight()
	}
	if h.cfg.Throttle.Enabled() {
		status := h.cfg.Throttle.Status()
		resp.Throttle = &status
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// handleHealth godoc
// @Summary      Liveness probe
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

// handleReady godoc
// @Summary      Readiness probe
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /readyz [get]
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if h.cfg.Ready != nil {
		if err := h.cfg.Ready(r.Context()); err != nil {
			return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: err.Error(), RetryAfter: 1}
		}
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ready"}, nil)
	return nil
}
