// Package storage defines the LockStore contract: a keyed document store with
// conditional writes that holds one LockDocument per resource.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the requested document is absent.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a compare-and-swap precondition failed.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented indicates the backend lacks an optional capability.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// LockType enumerates the supported lock modes.
type LockType string

const (
	// LockRead may be shared with other READ holders.
	LockRead LockType = "READ"
	// LockWrite is exclusive of every other holder.
	LockWrite LockType = "WRITE"
	// LockExclusive is exclusive of every other holder and outranks WRITE.
	LockExclusive LockType = "EXCLUSIVE"
)

// ParseLockType normalises s into a LockType.
func ParseLockType(s string) (LockType, error) {
	switch LockType(strings.ToUpper(strings.TrimSpace(s))) {
	case LockRead:
		return LockRead, nil
	case LockWrite:
		return LockWrite, nil
	case LockExclusive:
		return LockExclusive, nil
	}
	return "", fmt.Errorf("storage: unknown lock type %q", s)
}

// Valid reports whether t is one of the known lock types.
func (t LockType) Valid() bool {
	return t == LockRead || t == LockWrite || t == LockExclusive
}

// Rank orders lock types by strength.
func (t LockType) Rank() int {
	switch t {
	case LockRead:
		return 1
	case LockWrite:
		return 2
	case LockExclusive:
		return 3
	}
	return 0
}

// Shared reports whether t may coexist with other shared holders.
func (t LockType) Shared() bool { return t == LockRead }

// Holder is a single lease on a resource.
type Holder struct {
	Owner           string            `json:"owner"`
	Type            LockType          `json:"type"`
	CreatedAtMillis int64             `json:"created_at_ms"`
	UpdatedAtMillis int64             `json:"updated_at_ms"`
	ExpiresAtMillis int64             `json:"expires_at_ms"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether now is past the holder's expiry.
func (h Holder) Expired(now time.Time) bool {
	return now.UnixMilli() > h.ExpiresAtMillis
}

// LockDocument is the stored lock record for one resource. Shared READ
// holders live side by side in Holders; WRITE and EXCLUSIVE holders are
// always alone among the valid holders.
type LockDocument struct {
	ResourceID      string   `json:"resource_id"`
	Holders         []Holder `json:"holders"`
	UpdatedAtMillis int64    `json:"updated_at_ms"`
}

// Clone returns a deep copy of d.
func (d *LockDocument) Clone() *LockDocument {
	if d == nil {
		return nil
	}
	out := &LockDocument{
		ResourceID:      d.ResourceID,
		UpdatedAtMillis: d.UpdatedAtMillis,
		Holders:         make([]Holder, len(d.Holders)),
	}
	for i, h := range d.Holders {
		if h.Metadata != nil {
			meta := make(map[string]string, len(h.Metadata))
			for k, v := range h.Metadata {
				meta[k] = v
			}
			h.Metadata = meta
		}
		out.Holders[i] = h
	}
	return out
}

// Valid returns the holders that have not expired at now.
func (d *LockDocument) Valid(now time.Time) []Holder {
	if d == nil {
		return nil
	}
	out := make([]Holder, 0, len(d.Holders))
	for _, h := range d.Holders {
		if !h.Expired(now) {
			out = append(out, h)
		}
	}
	return out
}

// HasExpired reports whether any holder expired before now.
func (d *LockDocument) HasExpired(now time.Time) bool {
	if d == nil {
		return false
	}
	for _, h := range d.Holders {
		if h.ExpiresAtMillis < now.UnixMilli() {
			return true
		}
	}
	return false
}

// HasOwner reports whether owner appears among the holders, expired or not.
func (d *LockDocument) HasOwner(owner string) bool {
	if d == nil {
		return false
	}
	for _, h := range d.Holders {
		if h.Owner == owner {
			return true
		}
	}
	return false
}

// MarshalDocument encodes doc for storage.
func MarshalDocument(doc *LockDocument) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("storage: nil lock document")
	}
	return json.Marshal(doc)
}

// UnmarshalDocument decodes a stored lock document.
func UnmarshalDocument(data []byte) (*LockDocument, error) {
	var doc LockDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("storage: decode lock document: %w", err)
	}
	return &doc, nil
}

// LoadResult carries a document and the etag it was read at.
type LoadResult struct {
	Doc  *LockDocument
	ETag string
}

// LockStore is the cross-process source of truth for locks.
type LockStore interface {
	// Load returns the document for resourceID or ErrNotFound.
	Load(ctx context.Context, resourceID string) (LoadResult, error)
	// Store writes doc. An empty expectedETag creates the document and fails
	// with ErrCASMismatch when it already exists.
	Store(ctx context.Context, resourceID string, doc *LockDocument, expectedETag string) (string, error)
	// Delete removes the document, enforcing expectedETag when non-empty.
	Delete(ctx context.Context, resourceID string, expectedETag string) error
	// ListExpired returns resources holding at least one lease that expired before now.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	// ListByOwner returns resources with a holder owned by owner.
	ListByOwner(ctx context.Context, owner string) ([]string, error)
	Close() error
}

// Inventory summarises the documents held by a store.
type Inventory struct {
	Resources      int
	ActiveHolders  int
	ExpiredHolders int
}

// Inventorier is implemented by stores that can summarise their contents.
type Inventorier interface {
	Inventory(ctx context.Context, now time.Time) (Inventory, error)
}

// Tally adds doc to inv.
func (inv *Inventory) Tally(doc *LockDocument, now time.Time) {
	if doc == nil {
		return
	}
	inv.Resources++
	for _, h := range doc.Holders {
		if h.Expired(now) {
			inv.ExpiredHolders++
		} else {
			inv.ActiveHolders++
		}
	}
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable by callers that choose to retry.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
