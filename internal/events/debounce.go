package events

import (
	"sync"
	"time"
)

// debounceInterval coalesces bursts of progress updates. Terminal values
// always go out immediately.
const debounceInterval = 200 * time.Millisecond

// Debouncer rate-limits publishes on one high-volume topic. The latest
// pending payload wins when the timer fires.
type Debouncer struct {
	bus      *Bus
	topic    Topic
	interval time.Duration

	mu       sync.Mutex
	lastSent time.Time
	pending  string
	hasPend  bool
	timer    *time.Timer
}

// NewDebouncer creates a debouncer for a topic.
func NewDebouncer(bus *Bus, topic Topic) *Debouncer {
	return &Debouncer{bus: bus, topic: topic, interval: debounceInterval}
}

// Publish forwards the payload, coalescing bursts. A terminal payload
// (completion, failure) flushes at once and drops anything pending.
func (d *Debouncer) Publish(payload string, terminal bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if terminal {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		d.hasPend = false
		d.lastSent = time.Now()
		d.bus.Publish(d.topic, payload)
		return
	}

	now := time.Now()
	if now.Sub(d.lastSent) >= d.interval && d.timer == nil {
		d.lastSent = now
		d.bus.Publish(d.topic, payload)
		return
	}

	d.pending = payload
	d.hasPend = true
	if d.timer == nil {
		wait := d.interval - now.Sub(d.lastSent)
		if wait < 0 {
			wait = 0
		}
		d.timer = time.AfterFunc(wait, d.flush)
	}
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.timer = nil
	if !d.hasPend {
		return
	}
	d.hasPend = false
	d.lastSent = time.Now()
	d.bus.Publish(d.topic, d.pending)
}

// Stop cancels any pending flush.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.hasPend = false
}
