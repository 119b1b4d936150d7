// Package ids generates the identifiers itinerd hands out: time-ordered
// UUIDv7 values for store etags and request ids, and compact xids for
// subscribers.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewUUID returns a UUIDv7 and panics when the runtime entropy source fails.
func NewUUID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewETag returns an opaque, time-ordered etag.
func NewETag() string {
	return NewUUID().String()
}

// NewRequestID returns an identifier for an inbound request.
func NewRequestID() string {
	return NewUUID().String()
}

// NewSubscriberID returns a short sortable identifier for a push subscriber.
func NewSubscriberID() string {
	return xid.New().String()
}

// NewSessionID returns an identifier for a generation run.
func NewSessionID() string {
	return xid.New().String()
}
