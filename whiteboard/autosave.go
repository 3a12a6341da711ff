package whiteboard

import (
	"log"
	"sync"
	"time"

	"mathtutor/stores"
)

// DefaultSaveDelay is how long the board must stay quiet before a save fires.
const DefaultSaveDelay = 2 * time.Second

// Debouncer coalesces bursts of change notifications into a single callback
// after a quiet period. Every notification resets the timer, so a student
// drawing continuously produces one save when they pause, not one per stroke.
type Debouncer struct {
	delay time.Duration
	fn    func(snapshot string)

	mu      sync.Mutex
	timer   *time.Timer
	pending string
	stopped bool
}

// NewDebouncer creates a debouncer invoking fn with the latest snapshot
func NewDebouncer(delay time.Duration, fn func(snapshot string)) *Debouncer {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	return &Debouncer{delay: delay, fn: fn}
}

// Notify records a new snapshot and restarts the quiet-period timer
func (d *Debouncer) Notify(snapshot string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = snapshot
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	snapshot := d.pending
	d.timer = nil
	d.mu.Unlock()
	d.fn(snapshot)
}

// Flush fires the pending callback immediately, if any
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.stopped || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer.Stop()
	d.timer = nil
	snapshot := d.pending
	d.mu.Unlock()
	d.fn(snapshot)
}

// Stop cancels any pending callback. The debouncer cannot be reused.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// AutoSaver persists whiteboard snapshots to the store after each quiet
// period. One per open board.
type AutoSaver struct {
	ConversationID string

	debouncer *Debouncer
}

// NewAutoSaver creates an auto-saver writing to the given store
func NewAutoSaver(store stores.MessageStore, conversationID string, delay time.Duration) *AutoSaver {
	saver := &AutoSaver{ConversationID: conversationID}
	saver.debouncer = NewDebouncer(delay, func(snapshot string) {
		if err := store.SaveWhiteboardState(conversationID, snapshot); err != nil {
			log.Printf("[WHITEBOARD] Failed to save state for %s: %v", conversationID, err)
		}
	})
	return saver
}

// Changed reports a board edit
func (a *AutoSaver) Changed(snapshot string) {
	a.debouncer.Notify(snapshot)
}

// Close flushes any pending save and stops the saver
func (a *AutoSaver) Close() {
	a.debouncer.Flush()
	a.debouncer.Stop()
}
