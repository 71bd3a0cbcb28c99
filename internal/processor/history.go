package processor

import (
	"fmt"

	"gridsync/internal/models"
)

// History is the undo/redo log of one table session. It is owned by the
// consumption loop and is not safe for concurrent use.
type History struct {
	entries []models.ChangeEvent
	seqs    []uint64 // seqs[i] identifies entries[i]
	index   int
	lastSeq uint64

	// 0 means unlimited
	maxEntries int
}

// NewHistory creates an empty history. maxEntries <= 0 keeps every entry.
func NewHistory(maxEntries int) *History {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &History{index: -1, maxEntries: maxEntries}
}

// Append records an event. Entries past the current position are discarded
// first.
func (h *History) Append(ev models.ChangeEvent) error {
	_, err := h.Record(ev)
	return err
}

// Record appends ev like Append and returns the sequence number that
// identifies the entry for Remove
func (h *History) Record(ev models.ChangeEvent) (uint64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}

	h.lastSeq++
	h.entries = append(h.entries[:h.index+1], ev)
	h.seqs = append(h.seqs[:h.index+1], h.lastSeq)
	h.index++

	if h.maxEntries > 0 && len(h.entries) > h.maxEntries {
		excess := len(h.entries) - h.maxEntries
		h.entries = append([]models.ChangeEvent(nil), h.entries[excess:]...)
		h.seqs = append([]uint64(nil), h.seqs[excess:]...)
		h.index -= excess
	}
	return h.lastSeq, nil
}

// Remove drops the entry recorded under seq, keeping the cursor on the same
// logical position. It reports false when the entry is no longer in the log.
func (h *History) Remove(seq uint64) bool {
	for i, s := range h.seqs {
		if s != seq {
			continue
		}
		h.entries = append(h.entries[:i], h.entries[i+1:]...)
		h.seqs = append(h.seqs[:i], h.seqs[i+1:]...)
		if i <= h.index {
			h.index--
		}
		return true
	}
	return false
}

// Backward returns the inverse of the current entry and steps back. The
// boolean is false when there is nothing to undo.
func (h *History) Backward() (models.ChangeEvent, bool, error) {
	if err := h.check(); err != nil {
		return models.ChangeEvent{}, false, err
	}
	if h.index < 0 {
		return models.ChangeEvent{}, false, nil
	}

	entry := h.entries[h.index]
	inverse, err := models.Invert(entry.Payload)
	if err != nil {
		return models.ChangeEvent{}, false, fmt.Errorf("%w: entry %d: %v", ErrCorruptHistory, h.index, err)
	}
	h.index--
	return models.ChangeEvent{Payload: inverse, Scope: entry.Scope}, true, nil
}

// Forward returns the next undone entry unchanged and steps forward. The
// boolean is false when there is nothing to redo.
func (h *History) Forward() (models.ChangeEvent, bool, error) {
	if err := h.check(); err != nil {
		return models.ChangeEvent{}, false, err
	}
	if h.index+1 >= len(h.entries) {
		return models.ChangeEvent{}, false, nil
	}

	h.index++
	return h.entries[h.index], true, nil
}

// Resolve turns a history marker into the event to replay
func (h *History) Resolve(m models.HistoryMarker) (models.ChangeEvent, bool, error) {
	switch m.Direction {
	case models.Forward:
		return h.Forward()
	case models.Backward:
		return h.Backward()
	default:
		return models.ChangeEvent{}, false, fmt.Errorf("%w: %q", ErrInvalidMarker, m.Direction)
	}
}

func (h *History) CanUndo() bool { return h.index >= 0 }

func (h *History) CanRedo() bool { return h.index+1 < len(h.entries) }

// Snapshot returns a copy of the log
func (h *History) Snapshot() models.HistoryLog {
	return models.HistoryLog{
		Entries: append([]models.ChangeEvent(nil), h.entries...),
		Index:   h.index,
	}
}

func (h *History) check() error {
	if h.index < -1 || h.index >= len(h.entries) {
		return fmt.Errorf("%w: index %d with %d entries", ErrCorruptHistory, h.index, len(h.entries))
	}
	return nil
}
