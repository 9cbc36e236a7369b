package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/safezone/internal/geo"
	"github.com/banshee-data/safezone/internal/monitoring"
	"github.com/banshee-data/safezone/internal/zonesync"
)

// Transition is a zone event delivered to listeners together with the
// update that produced it.
type Transition struct {
	zonesync.Event
	Position   geo.Position `json:"position"`
	ReceivedAt time.Time    `json:"received_at"`
}

// Listener receives zone transitions in the order the service reported
// them. Calls are made from the tracking loop; a slow listener delays the
// next cycle. Implementations must not call Start, Stop or Refresh
// synchronously.
type Listener interface {
	OnZoneTransition(Transition)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Transition)

func (f ListenerFunc) OnZoneTransition(t Transition) { f(t) }

type listenerEntry struct {
	id string
	l  Listener
}

// listenerSet keeps listeners in registration order.
type listenerSet struct {
	mu      sync.RWMutex
	entries []listenerEntry
}

func (s *listenerSet) add(l Listener) string {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, listenerEntry{id: id, l: l})
	return id
}

func (s *listenerSet) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (s *listenerSet) snapshot() []listenerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]listenerEntry(nil), s.entries...)
}

func (s *listenerSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// AddListener registers l and returns an ID for RemoveListener.
func (c *Controller) AddListener(l Listener) string {
	return c.listeners.add(l)
}

// RemoveListener unregisters the listener with the given ID.
func (c *Controller) RemoveListener(id string) bool {
	return c.listeners.remove(id)
}

// dispatch hands events to every listener, stopping early if the session
// ends part way through.
func (c *Controller) dispatch(ctx context.Context, s *session, events []zonesync.Event, pos geo.Position) {
	if len(events) == 0 {
		return
	}
	entries := c.listeners.snapshot()
	received := c.clock.Now()
	s.dispatching.Store(true)
	defer s.dispatching.Store(false)

	for _, ev := range events {
		if !s.active.Load() {
			monitoring.Logf("tracking: stopped during dispatch, dropping remaining events")
			return
		}
		monitoring.Logf("tracking: zone %s %q (alert=%t) at %s", ev.Type, ev.Zone, ev.AlertTriggered, pos)
		c.metrics.transition(ctx, ev)

		tr := Transition{Event: ev, Position: pos, ReceivedAt: received}
		for _, e := range entries {
			c.deliver(e, tr)
		}

		c.mu.Lock()
		c.stats.counters.Transitions++
		c.mu.Unlock()
	}
}

// deliver calls one listener, containing any panic.
func (c *Controller) deliver(e listenerEntry, tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("tracking: listener %s panicked on %s %q: %v", e.id, tr.Type, tr.Zone, r)
			c.mu.Lock()
			c.stats.counters.ListenerPanics++
			c.mu.Unlock()
		}
	}()
	e.l.OnZoneTransition(tr)
}
