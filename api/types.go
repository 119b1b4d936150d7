// Package api holds the JSON request and response types served by itinerd.
package api

import "time"

// Lock types accepted by the lock endpoints.
const (
	LockRead      = "READ"
	LockWrite     = "WRITE"
	LockExclusive = "EXCLUSIVE"
)

// Lock is one holder's lock on a resource.
type Lock struct {
	// ResourceID identifies the locked entity.
	ResourceID string `json:"resourceId"`
	// LockType is READ, WRITE or EXCLUSIVE.
	LockType string `json:"lockType"`
	// OwnerID identifies the holder.
	OwnerID string `json:"ownerId"`
	// CreatedAt is the grant time in unix milliseconds.
	CreatedAt int64 `json:"createdAt"`
	// UpdatedAt is the last renewal in unix milliseconds.
	UpdatedAt int64 `json:"updatedAt"`
	// ExpiresAt is the lease deadline in unix milliseconds.
	ExpiresAt int64 `json:"expiresAt"`
	// Metadata carries diagnostic context supplied by the holder.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AcquireRequest models POST /v1/locks/acquire.
type AcquireRequest struct {
	// ResourceID identifies the entity to lock.
	ResourceID string `json:"resourceId"`
	// LockType is READ, WRITE or EXCLUSIVE.
	LockType string `json:"lockType"`
	// OwnerID identifies the caller.
	OwnerID string `json:"ownerId"`
	// TTLMillis is the lease length in milliseconds.
	TTLMillis int64 `json:"ttlMs"`
	// Metadata is merged into the holder's metadata.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TTL returns the requested lease length.
func (r AcquireRequest) TTL() time.Duration {
	return time.Duration(r.TTLMillis) * time.Millisecond
}

// AcquireResponse reports the outcome of an acquire attempt. A conflict is
// not an error: OK is false, Reason is "conflict" and Holder carries the
// blocking lock.
type AcquireResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Lock   *Lock  `json:"lock,omitempty"`
	Holder *Lock  `json:"holder,omitempty"`
}

// ReleaseRequest models POST /v1/locks/release.
type ReleaseRequest struct {
	ResourceID string `json:"resourceId"`
	OwnerID    string `json:"ownerId"`
}

// ExtendRequest models POST /v1/locks/extend.
type ExtendRequest struct {
	ResourceID string `json:"resourceId"`
	OwnerID    string `json:"ownerId"`
	// AdditionalMillis is added to the current expiry.
	AdditionalMillis int64 `json:"additionalMs"`
}

// Additional returns the requested extension.
func (r ExtendRequest) Additional() time.Duration {
	return time.Duration(r.AdditionalMillis) * time.Millisecond
}

// ReleaseAllRequest models POST /v1/locks/release-all.
type ReleaseAllRequest struct {
	OwnerID string `json:"ownerId"`
}

// ResultResponse is the boolean outcome of release and extend.
type ResultResponse struct {
	OK bool `json:"ok"`
	// Count is set by bulk operations.
	Count int `json:"count,omitempty"`
}

// LockStatusResponse is returned by GET /v1/locks/status.
type LockStatusResponse struct {
	ResourceID string `json:"resourceId"`
	Locked     bool   `json:"locked"`
	Holders    []Lock `json:"holders"`
}

// PublishRequest models POST /v1/events/publish.
type PublishRequest struct {
	ResourceID string  `json:"resourceId"`
	EventType  string  `json:"eventType"`
	SessionID  *string `json:"sessionId,omitempty"`
	Payload    any     `json:"payload,omitempty"`
}

// Event is the stable envelope pushed to subscribers.
type Event struct {
	EventType  string  `json:"eventType"`
	ResourceID string  `json:"resourceId"`
	SessionID  *string `json:"sessionId"`
	Payload    any     `json:"payload"`
	SequenceID string  `json:"sequenceId"`
	Timestamp  int64   `json:"timestamp"`
}

// CloseResourceRequest models POST /v1/resources/close.
type CloseResourceRequest struct {
	ResourceID string `json:"resourceId"`
}

// CloseResourceResponse reports how many subscribers were completed.
type CloseResourceResponse struct {
	ResourceID string `json:"resourceId"`
	Closed     int    `json:"closed"`
}

// RunRequest models POST /v1/runs.
type RunRequest struct {
	// ResourceID is the itinerary to generate.
	ResourceID string `json:"resourceId"`
	// SessionID scopes progress events; generated when empty.
	SessionID string `json:"sessionId,omitempty"`
	// OwnerID is the lock owner used by the run; defaults to the session.
	OwnerID string `json:"ownerId,omitempty"`
	// Input is handed to every agent.
	Input map[string]any `json:"input,omitempty"`
}

// RunResponse acknowledges an accepted run.
type RunResponse struct {
	ResourceID string `json:"resourceId"`
	SessionID  string `json:"sessionId"`
	OwnerID    string `json:"ownerId"`
	Stages     int    `json:"stages"`
}

// AgentCall is the body posted to a remote agent.
type AgentCall struct {
	Kind       string         `json:"kind"`
	ResourceID string         `json:"resourceId"`
	SessionID  string         `json:"sessionId"`
	Input      map[string]any `json:"input,omitempty"`
	// Previous holds the outputs of earlier stages keyed by agent kind.
	Previous map[string]any `json:"previous,omitempty"`
}

// AgentResult is the body returned by a remote agent.
type AgentResult struct {
	Output any `json:"output"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retryAfterSeconds,omitempty"`
}

// HealthResponse is returned by /healthz and /readyz.
type HealthResponse struct {
	Status string `json:"status"`
}
