package processor

import (
	"errors"
	"reflect"
	"testing"

	"gridsync/internal/models"
)

func insertEvent(id string) models.ChangeEvent {
	return models.ChangeEvent{
		Payload: models.RowInsert{Rows: []models.PositionedRow{{RowID: id, Index: 0}}},
		Scope:   models.Scope{"table": "orders"},
	}
}

func TestHistoryEmpty(t *testing.T) {
	h := NewHistory(0)
	if h.CanUndo() || h.CanRedo() {
		t.Error("empty history should not undo or redo")
	}
	if _, ok, err := h.Backward(); ok || err != nil {
		t.Errorf("Backward() = %v, %v", ok, err)
	}
	if _, ok, err := h.Forward(); ok || err != nil {
		t.Errorf("Forward() = %v, %v", ok, err)
	}
	if log := h.Snapshot(); log.Index != -1 || len(log.Entries) != 0 {
		t.Errorf("Snapshot() = %+v", log)
	}
}

func TestHistoryUndoRedo(t *testing.T) {
	h := NewHistory(0)
	e := insertEvent("r1")
	if err := h.Append(e); err != nil {
		t.Fatal(err)
	}

	undo, ok, err := h.Backward()
	if err != nil || !ok {
		t.Fatalf("Backward() = %v, %v", ok, err)
	}
	if undo.Type() != models.TypeRowDelete {
		t.Errorf("undo type = %s", undo.Type())
	}
	if !undo.Scope.Equal(e.Scope) {
		t.Errorf("undo scope = %v", undo.Scope)
	}
	if h.Snapshot().Index != -1 {
		t.Errorf("index after undo = %d", h.Snapshot().Index)
	}

	redo, ok, err := h.Forward()
	if err != nil || !ok {
		t.Fatalf("Forward() = %v, %v", ok, err)
	}
	if !reflect.DeepEqual(redo, e) {
		t.Errorf("redo = %+v, want %+v", redo, e)
	}

	log := h.Snapshot()
	if log.Index != 0 || len(log.Entries) != 1 {
		t.Errorf("Snapshot() = %+v", log)
	}
}

func TestHistoryTruncation(t *testing.T) {
	h := NewHistory(0)
	a, b, c, d := insertEvent("a"), insertEvent("b"), insertEvent("c"), insertEvent("d")
	for _, ev := range []models.ChangeEvent{a, b, c} {
		if err := h.Append(ev); err != nil {
			t.Fatal(err)
		}
	}

	if _, _, err := h.Backward(); err != nil {
		t.Fatal(err)
	}
	if err := h.Append(d); err != nil {
		t.Fatal(err)
	}

	log := h.Snapshot()
	if log.Index != 2 {
		t.Errorf("index = %d, want 2", log.Index)
	}
	if !reflect.DeepEqual(log.Entries, []models.ChangeEvent{a, b, d}) {
		t.Errorf("entries = %+v", log.Entries)
	}
	if h.CanRedo() {
		t.Error("redo should be gone after a new append")
	}
}

func TestHistoryResolve(t *testing.T) {
	h := NewHistory(0)
	_ = h.Append(insertEvent("a"))

	ev, ok, err := h.Resolve(models.HistoryMarker{Direction: models.Backward})
	if err != nil || !ok || ev.Type() != models.TypeRowDelete {
		t.Fatalf("Resolve(backward) = %v, %v, %v", ev, ok, err)
	}
	ev, ok, err = h.Resolve(models.HistoryMarker{Direction: models.Forward})
	if err != nil || !ok || ev.Type() != models.TypeRowInsert {
		t.Fatalf("Resolve(forward) = %v, %v, %v", ev, ok, err)
	}
}

func TestHistoryLimit(t *testing.T) {
	h := NewHistory(2)
	for _, id := range []string{"a", "b", "c"} {
		if err := h.Append(insertEvent(id)); err != nil {
			t.Fatal(err)
		}
	}
	log := h.Snapshot()
	if len(log.Entries) != 2 || log.Index != 1 {
		t.Fatalf("Snapshot() = %+v", log)
	}
	first := log.Entries[0].Payload.(models.RowInsert).Rows[0].RowID
	if first != "b" {
		t.Errorf("oldest entry = %s, want b", first)
	}
}

func TestHistoryCorrupted(t *testing.T) {
	h := NewHistory(0)
	h.index = 3

	if _, _, err := h.Backward(); !errors.Is(err, ErrCorruptHistory) {
		t.Errorf("Backward() error = %v", err)
	}
	if _, _, err := h.Forward(); !errors.Is(err, ErrCorruptHistory) {
		t.Errorf("Forward() error = %v", err)
	}
	if err := h.Append(insertEvent("a")); !errors.Is(err, ErrCorruptHistory) {
		t.Errorf("Append() error = %v", err)
	}
}

func TestHistoryUninvertibleEntry(t *testing.T) {
	h := NewHistory(0)
	_ = h.Append(models.ChangeEvent{Payload: models.HistoryMarker{}})
	if _, _, err := h.Backward(); !errors.Is(err, ErrCorruptHistory) {
		t.Errorf("Backward() error = %v", err)
	}
}

func TestHistoryRemove(t *testing.T) {
	h := NewHistory(0)
	a, b, c := insertEvent("a"), insertEvent("b"), insertEvent("c")
	seqA, _ := h.Record(a)
	seqB, _ := h.Record(b)
	_, _ = h.Record(c)

	if !h.Remove(seqB) {
		t.Fatal("Remove() = false")
	}
	log := h.Snapshot()
	if log.Index != 1 || !reflect.DeepEqual(log.Entries, []models.ChangeEvent{a, c}) {
		t.Errorf("Snapshot() = %+v", log)
	}

	// an undone entry sits past the cursor
	_, _, _ = h.Backward()
	seqD, _ := h.Record(insertEvent("d"))
	if h.Remove(seqB) {
		t.Error("Remove() of a removed entry = true")
	}
	_, _, _ = h.Backward()
	if !h.Remove(seqD) {
		t.Fatal("Remove() = false")
	}
	log = h.Snapshot()
	if log.Index != 0 || !reflect.DeepEqual(log.Entries, []models.ChangeEvent{a}) {
		t.Errorf("Snapshot() = %+v", log)
	}

	if !h.Remove(seqA) || h.Snapshot().Index != -1 || h.CanUndo() {
		t.Errorf("Snapshot() after removing the last entry = %+v", h.Snapshot())
	}
}

func TestHistoryRemoveAfterLimit(t *testing.T) {
	h := NewHistory(1)
	seqA, _ := h.Record(insertEvent("a"))
	_, _ = h.Record(insertEvent("b"))
	if h.Remove(seqA) {
		t.Error("evicted entry should not be removable")
	}
	if log := h.Snapshot(); len(log.Entries) != 1 || log.Index != 0 {
		t.Errorf("Snapshot() = %+v", log)
	}
}

func TestHistoryResolveInvalidDirection(t *testing.T) {
	h := NewHistory(0)
	_ = h.Append(insertEvent("a"))
	if _, _, err := h.Resolve(models.HistoryMarker{Direction: "sideways"}); !errors.Is(err, ErrInvalidMarker) {
		t.Errorf("Resolve() error = %v, want ErrInvalidMarker", err)
	}
	if h.Snapshot().Index != 0 {
		t.Error("invalid marker moved the cursor")
	}
}
