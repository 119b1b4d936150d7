package broadcast

import (
	"sort"
	"sync"
	"time"
)

// Subscription is a live registration of a Channel under a resource.
type Subscription struct {
	ID          string
	ResourceID  string
	SessionID   *string
	ConnectedAt time.Time

	ch     Channel
	hub    *Hub
	once   sync.Once
	done   chan struct{}
	reason CloseReason
}

// Close unregisters the subscription. Only the first call has an effect.
func (s *Subscription) Close(reason CloseReason) {
	s.hub.Unsubscribe(s, reason)
}

// Done is closed once the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason returns why the subscription ended; valid after Done is closed.
func (s *Subscription) Reason() CloseReason {
	<-s.done
	return s.reason
}

// finish closes the transport and marks the subscription done.
func (s *Subscription) finish(reason CloseReason) bool {
	fired := false
	s.once.Do(func() {
		fired = true
		s.reason = reason
		close(s.done)
		s.ch.Close(reason)
	})
	return fired
}

// topic is the per-resource state. mu serialises fan-out, replay and
// membership changes for one resource only.
type topic struct {
	mu         sync.Mutex
	resourceID string
	subs       map[string]*Subscription
	buffer     *RecoveryBuffer
	lastActive time.Time
	removed    bool
}

// registry maps resources to topics. Its own lock is only held for lookups.
type registry struct {
	mu       sync.RWMutex
	topics   map[string]*topic
	capacity int
}

func newRegistry(capacity int) *registry {
	return &registry{topics: make(map[string]*topic), capacity: capacity}
}

// acquire returns the locked topic for resourceID, creating it when create
// is set. The caller must unlock t.mu. A nil topic means none exists.
func (r *registry) acquire(resourceID string, create bool, now time.Time) *topic {
	for {
		r.mu.RLock()
		t := r.topics[resourceID]
		r.mu.RUnlock()
		if t == nil {
			if !create {
				return nil
			}
			r.mu.Lock()
			if t = r.topics[resourceID]; t == nil {
				t = &topic{
					resourceID: resourceID,
					subs:       make(map[string]*Subscription),
					buffer:     NewRecoveryBuffer(r.capacity),
					lastActive: now,
				}
				r.topics[resourceID] = t
			}
			r.mu.Unlock()
		}
		t.mu.Lock()
		if !t.removed {
			return t
		}
		// Lost a race with drop; look again.
		t.mu.Unlock()
	}
}

// drop removes t from the registry. t.mu must be held.
func (r *registry) drop(t *topic) {
	t.removed = true
	r.mu.Lock()
	if r.topics[t.resourceID] == t {
		delete(r.topics, t.resourceID)
	}
	r.mu.Unlock()
}

func (r *registry) resources() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.topics))
	for id := range r.topics {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
