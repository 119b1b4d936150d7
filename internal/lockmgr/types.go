package lockmgr

import (
	"errors"
	"time"

	"pkt.systems/itinerd/internal/storage"
)

// LockType re-exports the stored lock modes.
type LockType = storage.LockType

// Lock modes.
const (
	Read      = storage.LockRead
	Write     = storage.LockWrite
	Exclusive = storage.LockExclusive
)

// ReasonConflict is reported when a competing holder blocks an acquire.
const ReasonConflict = "conflict"

var (
	// ErrInvalidRequest flags malformed caller input.
	ErrInvalidRequest = errors.New("lockmgr: invalid request")
	// ErrContention is returned when CAS retries are exhausted.
	ErrContention = errors.New("lockmgr: store contention")
)

// NodeLock is one holder's view of a lock on a resource.
type NodeLock struct {
	ResourceID string            `json:"resourceId"`
	Type       LockType          `json:"lockType"`
	Owner      string            `json:"ownerId"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether now is past the lock's expiry.
func (l NodeLock) Expired(now time.Time) bool {
	return now.UnixMilli() > l.ExpiresAt.UnixMilli()
}

func lockFromHolder(resourceID string, h storage.Holder) NodeLock {
	return NodeLock{
		ResourceID: resourceID,
		Type:       h.Type,
		Owner:      h.Owner,
		CreatedAt:  time.UnixMilli(h.CreatedAtMillis).UTC(),
		UpdatedAt:  time.UnixMilli(h.UpdatedAtMillis).UTC(),
		ExpiresAt:  time.UnixMilli(h.ExpiresAtMillis).UTC(),
		Metadata:   h.Metadata,
	}
}

// AcquireRequest describes a single acquire attempt.
type AcquireRequest struct {
	ResourceID string
	Type       LockType
	Owner      string
	TTL        time.Duration
	Metadata   map[string]string
}

func (r AcquireRequest) validate() error {
	switch {
	case r.ResourceID == "":
		return errors.Join(ErrInvalidRequest, errors.New("resource id required"))
	case r.Owner == "":
		return errors.Join(ErrInvalidRequest, errors.New("owner required"))
	case !r.Type.Valid():
		return errors.Join(ErrInvalidRequest, errors.New("unknown lock type "+string(r.Type)))
	case r.TTL < time.Millisecond:
		return errors.Join(ErrInvalidRequest, errors.New("ttl must be at least 1ms"))
	}
	return nil
}

// AcquireResult is the outcome of Acquire. A conflict is reported with OK
// false, Reason ReasonConflict and the blocking holder in Holder.
type AcquireResult struct {
	OK     bool      `json:"ok"`
	Reason string    `json:"reason,omitempty"`
	Lock   *NodeLock `json:"lock,omitempty"`
	Holder *NodeLock `json:"holder,omitempty"`
}

// Stats summarises lock manager activity.
type Stats struct {
	Resources      int    `json:"resources"`
	ActiveLocks    int    `json:"activeLocks"`
	ExpiredLocks   int    `json:"expiredLocks"`
	InventoryError string `json:"inventoryError,omitempty"`
	CachedEntries  int    `json:"cachedEntries"`
	Acquired       uint64 `json:"acquired"`
	Conflicts      uint64 `json:"conflicts"`
	Released       uint64 `json:"released"`
	Extended       uint64 `json:"extended"`
	Sweeps         uint64 `json:"sweeps"`
	Swept          uint64 `json:"swept"`
}
