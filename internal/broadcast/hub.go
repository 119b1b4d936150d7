// Package broadcast fans progress events out to push subscribers per
// resource, isolates subscriber failures, and replays a bounded backlog to
// late joiners.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pkt.systems/itinerd/internal/clock"
	"pkt.systems/itinerd/internal/ids"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultRetention is how long buffered events stay replayable.
	DefaultRetention = time.Hour
	// DefaultMaintenanceInterval is the cadence of buffer purges.
	DefaultMaintenanceInterval = time.Minute
)

// Config wires a Hub.
type Config struct {
	BufferCapacity      int
	Retention           time.Duration
	MaintenanceInterval time.Duration
	Clock               clock.Clock
	Logger              pslog.Logger
}

// Hub ties the connection registry and the recovery buffers together.
type Hub struct {
	cfg      Config
	clock    clock.Clock
	logger   pslog.Logger
	registry *registry
	metrics  *metrics
	seq      atomic.Uint64
	closed   atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
	pruned    atomic.Uint64
}

// NewHub builds a Hub, applying defaults for zero values.
func NewHub(cfg Config) *Hub {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultBufferCapacity
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "broadcast.hub")
	return &Hub{
		cfg:      cfg,
		clock:    clock.OrReal(cfg.Clock),
		logger:   logger,
		registry: newRegistry(cfg.BufferCapacity),
		metrics:  newMetrics(logger),
	}
}

func (h *Hub) stamp(resourceID, eventType string, session *string, payload any) Event {
	now := h.clock.Now()
	return Event{
		EventType:  eventType,
		ResourceID: resourceID,
		SessionID:  session,
		Payload:    payload,
		SequenceID: sequenceID(resourceID, eventType, now, h.seq.Add(1)),
		Timestamp:  now.UnixMilli(),
	}
}

// Subscribe registers ch under resourceID. Buffered events visible to
// sessionID are replayed in publish order, then a connection-established
// event is sent, and only then does the channel start receiving live events.
func (h *Hub) Subscribe(resourceID string, sessionID *string, ch Channel) (*Subscription, error) {
	if resourceID == "" || ch == nil {
		return nil, fmt.Errorf("broadcast: resource id and channel required")
	}
	if h.closed.Load() {
		ch.Close(CloseShutdown)
		return nil, ErrHubClosed
	}
	now := h.clock.Now()
	sub := &Subscription{
		ID:          ids.NewSubscriberID(),
		ResourceID:  resourceID,
		SessionID:   sessionID,
		ConnectedAt: now,
		ch:          ch,
		hub:         h,
		done:        make(chan struct{}),
	}

	t := h.registry.acquire(resourceID, true, now)
	if h.closed.Load() {
		// Shutdown started after the check above; it may already have
		// passed this topic.
		if len(t.subs) == 0 {
			h.registry.drop(t)
		}
		t.mu.Unlock()
		ch.Close(CloseShutdown)
		return nil, ErrHubClosed
	}
	replayed := 0
	var sendErr error
	for _, ev := range t.buffer.Snapshot() {
		if !ev.visibleTo(sessionID) {
			continue
		}
		if sendErr = ch.Send(ev.EventType, ev.SequenceID, ev.Data); sendErr != nil {
			break
		}
		replayed++
	}
	if sendErr == nil {
		hello, err := encode(h.stamp(resourceID, EventConnectionEstablished, sessionID, map[string]any{
			"subscriberId": sub.ID,
			"replayed":     replayed,
		}))
		if err != nil {
			sendErr = err
		} else {
			sendErr = ch.Send(hello.EventType, hello.SequenceID, hello.Data)
		}
	}
	if sendErr == nil {
		t.subs[sub.ID] = sub
		t.lastActive = now
	}
	subscribers := len(t.subs)
	t.mu.Unlock()

	if sendErr != nil {
		sub.finish(CloseError)
		h.logger.Debug("broadcast.subscribe.replay_failed", "resource", resourceID, "subscriber", sub.ID, "replayed", replayed, "error", sendErr)
		return nil, errors.Join(ErrSubscriberFailed, sendErr)
	}
	h.metrics.subscriberDelta(1)
	h.logger.Debug("broadcast.subscribe",
		"resource", resourceID,
		"subscriber", sub.ID,
		"session", derefOrEmpty(sessionID),
		"replayed", replayed,
		"subscribers", subscribers,
	)
	return sub, nil
}

// Unsubscribe removes sub. Repeated calls are harmless.
func (h *Hub) Unsubscribe(sub *Subscription, reason CloseReason) {
	if sub == nil {
		return
	}
	if t := h.registry.acquire(sub.ResourceID, false, time.Time{}); t != nil {
		if t.subs[sub.ID] == sub {
			delete(t.subs, sub.ID)
		}
		t.mu.Unlock()
	}
	if sub.finish(reason) {
		h.metrics.subscriberDelta(-1)
		h.logger.Debug("broadcast.unsubscribe", "resource", sub.ResourceID, "subscriber", sub.ID, "reason", reason)
	}
}

// Publish delivers msg to every subscriber of resourceID, prunes channels
// whose send fails, and buffers the event for replay. Subscriber failures
// are never reported to the publisher; the only errors are for malformed
// input.
func (h *Hub) Publish(ctx context.Context, resourceID string, msg Message) (Event, error) {
	if resourceID == "" || msg.EventType == "" {
		return Event{}, ErrInvalidEvent
	}
	logger := svcfields.FromContext(ctx, h.logger)
	now := h.clock.Now()
	t := h.registry.acquire(resourceID, true, now)
	stored, err := encode(h.stamp(resourceID, msg.EventType, msg.SessionID, msg.Payload))
	if err != nil {
		t.mu.Unlock()
		return Event{}, errors.Join(ErrInvalidEvent, err)
	}
	var dead []*Subscription
	delivered := 0
	for id, sub := range t.subs {
		if err := sub.ch.Send(stored.EventType, stored.SequenceID, stored.Data); err != nil {
			delete(t.subs, id)
			dead = append(dead, sub)
			logger.Debug("broadcast.subscriber.pruned", "resource", resourceID, "subscriber", id, "error", err)
			continue
		}
		delivered++
	}
	t.buffer.Append(stored)
	t.lastActive = now
	t.mu.Unlock()

	for _, sub := range dead {
		if sub.finish(CloseError) {
			h.metrics.subscriberDelta(-1)
		}
	}
	h.published.Add(1)
	h.delivered.Add(uint64(delivered))
	h.pruned.Add(uint64(len(dead)))
	h.metrics.recordPublish(ctx, delivered, len(dead))
	logger.Trace("broadcast.publish",
		"resource", resourceID,
		"event", stored.EventType,
		"sequence", stored.SequenceID,
		"delivered", delivered,
		"pruned", len(dead),
	)
	return stored.Event, nil
}

// ForceCloseAll completes every subscriber of resourceID and clears its
// buffer. It returns the number of subscribers closed.
func (h *Hub) ForceCloseAll(resourceID string) int {
	return h.closeTopic(resourceID, CloseForced)
}

func (h *Hub) closeTopic(resourceID string, reason CloseReason) int {
	t := h.registry.acquire(resourceID, false, time.Time{})
	if t == nil {
		return 0
	}
	subs := make([]*Subscription, 0, len(t.subs))
	for id, sub := range t.subs {
		subs = append(subs, sub)
		delete(t.subs, id)
	}
	t.buffer.Clear()
	h.registry.drop(t)
	t.mu.Unlock()

	closed := 0
	for _, sub := range subs {
		if sub.finish(reason) {
			closed++
		}
	}
	h.metrics.subscriberDelta(-int64(closed))
	h.logger.Info("broadcast.resource.closed", "resource", resourceID, "subscribers", closed, "reason", reason)
	return closed
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Resources        int            `json:"resources"`
	TotalSubscribers int            `json:"totalSubscribers"`
	Subscribers      map[string]int `json:"subscribers"`
	BufferedEvents   map[string]int `json:"bufferedEvents"`
	TotalBuffered    int            `json:"totalBuffered"`
	Published        uint64         `json:"published"`
	Delivered        uint64         `json:"delivered"`
	Pruned           uint64         `json:"pruned"`
}

// Stats returns live counts per resource.
func (h *Hub) Stats() Stats {
	stats := Stats{
		Subscribers:    make(map[string]int),
		BufferedEvents: make(map[string]int),
		Published:      h.published.Load(),
		Delivered:      h.delivered.Load(),
		Pruned:         h.pruned.Load(),
	}
	for _, id := range h.registry.resources() {
		t := h.registry.acquire(id, false, time.Time{})
		if t == nil {
			continue
		}
		subs, buffered := len(t.subs), t.buffer.Len()
		t.mu.Unlock()
		stats.Resources++
		stats.Subscribers[id] = subs
		stats.BufferedEvents[id] = buffered
		stats.TotalSubscribers += subs
		stats.TotalBuffered += buffered
	}
	return stats
}

// MaintenanceResult reports what a maintenance pass did.
type MaintenanceResult struct {
	Purged  int
	Dropped int
}

// Maintain purges events older than the retention window and drops
// resources with neither subscribers nor buffered events.
func (h *Hub) Maintain(now time.Time) MaintenanceResult {
	var res MaintenanceResult
	cutoff := now.Add(-h.cfg.Retention)
	for _, id := range h.registry.resources() {
		t := h.registry.acquire(id, false, time.Time{})
		if t == nil {
			continue
		}
		res.Purged += t.buffer.PurgeBefore(cutoff)
		if len(t.subs) == 0 && t.buffer.Len() == 0 {
			h.registry.drop(t)
			res.Dropped++
		}
		t.mu.Unlock()
	}
	if res.Purged > 0 || res.Dropped > 0 {
		h.logger.Debug("broadcast.maintenance", "purged", res.Purged, "dropped", res.Dropped)
	}
	return res
}

// Run performs maintenance on the configured interval until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.clock.After(h.cfg.MaintenanceInterval):
		}
		h.Maintain(h.clock.Now())
	}
}

// Shutdown closes every subscriber and rejects further subscriptions.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	closed := 0
	for _, id := range h.registry.resources() {
		if err := ctx.Err(); err != nil {
			return err
		}
		closed += h.closeTopic(id, CloseShutdown)
	}
	h.logger.Info("broadcast.shutdown", "subscribers", closed)
	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
