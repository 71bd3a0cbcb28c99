package processor

import (
	"time"

	"gridsync/internal/models"
)

// Default debounce windows
const (
	DefaultDataChangeDebounce = 200 * time.Millisecond
	DefaultRowAddDebounce     = 500 * time.Millisecond
)

// pendingBatch accumulates a run of one batchable event type. The run is
// flushed when its debounce window expires, when an event with a different
// scope (or replay origin) arrives, or when a non-batchable event arrives.
type pendingBatch struct {
	typ    models.EventType
	window time.Duration

	batch  models.Batch
	replay bool

	timer  *time.Timer
	timerC <-chan time.Time // nil when no window is running
}

func newPendingBatch(typ models.EventType, window time.Duration) *pendingBatch {
	return &pendingBatch{typ: typ, window: window}
}

// accepts reports whether ev may join the current run
func (b *pendingBatch) accepts(ev models.ChangeEvent, replay bool) bool {
	if b.batch.IsEmpty() {
		return true
	}
	return b.replay == replay && b.batch.Scope.Equal(ev.Scope)
}

// add appends ev to the run and restarts the debounce window
func (b *pendingBatch) add(ev models.ChangeEvent, replay bool) {
	if b.batch.IsEmpty() {
		b.batch.Scope = ev.Scope
		b.replay = replay
	}
	b.batch.Events = append(b.batch.Events, ev)

	b.stopTimer()
	b.timer = time.NewTimer(b.window)
	b.timerC = b.timer.C
}

// expired marks the running window as fired
func (b *pendingBatch) expired() {
	b.timer = nil
	b.timerC = nil
}

// waiting reports whether a debounce window is running
func (b *pendingBatch) waiting() bool {
	return b.timerC != nil
}

// take returns the run and resets the batch to empty
func (b *pendingBatch) take() (models.Batch, bool) {
	batch, replay := b.batch, b.replay
	b.batch = models.Batch{}
	b.replay = false
	b.stopTimer()
	return batch, replay
}

func (b *pendingBatch) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = nil
	b.timerC = nil
}
