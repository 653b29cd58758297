package webhook

import (
	"sync"
	"time"
)

// dedupeWindow remembers event IDs for a bounded time so replayed
// deliveries can be acknowledged without re-running the handlers. It is a
// performance shortcut only: handlers stay idempotent and a restart that
// empties the window is harmless.
type dedupeWindow struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func newDedupeWindow(ttl time.Duration) *dedupeWindow {
	return &dedupeWindow{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen records the event ID and reports whether it was already in the
// window.
func (d *dedupeWindow) Seen(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[eventID]; ok && now.Sub(at) < d.ttl {
		return true
	}

	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
		}
	}

	d.seen[eventID] = now
	return false
}

// Forget releases an event ID so a redelivery is processed again.
func (d *dedupeWindow) Forget(eventID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, eventID)
}
