package services

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// debouncer keeps one timer per region id. Rescheduling an id replaces its
// pending timer, so a burst of updates fires once.
type debouncer struct {
	clock clockwork.Clock

	mu      sync.Mutex
	timers  map[string]*debounceEntry
	nextTok uint64
	stopped bool
}

type debounceEntry struct {
	timer clockwork.Timer
	token uint64
}

func newDebouncer(clock clockwork.Clock) *debouncer {
	return &debouncer{clock: clock, timers: map[string]*debounceEntry{}}
}

func (d *debouncer) Schedule(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if existing, ok := d.timers[key]; ok {
		existing.timer.Stop()
	}

	d.nextTok++
	token := d.nextTok
	entry := &debounceEntry{token: token}
	entry.timer = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		current, ok := d.timers[key]
		// A timer that lost the race with Stop/Schedule must not fire.
		if !ok || current.token != token {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
	d.timers[key] = entry
}

// Cancel drops the pending timer for key and reports whether one existed.
func (d *debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(d.timers, key)
	return true
}

func (d *debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[key]
	return ok
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, entry := range d.timers {
		entry.timer.Stop()
		delete(d.timers, key)
	}
}
