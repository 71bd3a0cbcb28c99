package processor

import (
	"errors"
	"reflect"
	"testing"

	"gridsync/internal/models"
)

func TestConsolidateDataChange(t *testing.T) {
	scope := models.Scope{"table": "orders"}
	events := []models.ChangeEvent{
		dataEvent(scope, "r1", "qty", 1, 2),
		dataEvent(scope, "r2", "name", "a", "b"),
		dataEvent(scope, "r1", "qty", 2, 3),
		dataEvent(scope, "r1", "price", 10, 11),
	}

	ev, ok := ConsolidateDataChange(events)
	if !ok {
		t.Fatal("expected a consolidated event")
	}
	dc := ev.Payload.(models.DataChange)

	want := []models.RowChange{
		{RowID: "r1", Changes: map[string]models.FieldChange{
			"qty":   {Old: 1, New: 3},
			"price": {Old: 10, New: 11},
		}},
		{RowID: "r2", Changes: map[string]models.FieldChange{
			"name": {Old: "a", New: "b"},
		}},
	}
	if !reflect.DeepEqual(dc.Rows, want) {
		t.Errorf("rows = %#v, want %#v", dc.Rows, want)
	}
	if !ev.Scope.Equal(scope) {
		t.Errorf("scope = %v", ev.Scope)
	}
}

func TestConsolidateDataChangeDropsNoOps(t *testing.T) {
	scope := models.Scope{"table": "orders"}

	t.Run("single field restored", func(t *testing.T) {
		events := []models.ChangeEvent{
			dataEvent(scope, "r1", "qty", 1, 2),
			dataEvent(scope, "r1", "qty", 2, 1),
		}
		if _, ok := ConsolidateDataChange(events); ok {
			t.Error("expected no consolidated event")
		}
	})

	t.Run("one row restored, one changed", func(t *testing.T) {
		events := []models.ChangeEvent{
			dataEvent(scope, "r1", "qty", 1, 2),
			dataEvent(scope, "r2", "qty", 5, 6),
			dataEvent(scope, "r1", "qty", 2, 1),
		}
		ev, ok := ConsolidateDataChange(events)
		if !ok {
			t.Fatal("expected a consolidated event")
		}
		rows := ev.Payload.(models.DataChange).Rows
		if len(rows) != 1 || rows[0].RowID != "r2" {
			t.Errorf("rows = %+v", rows)
		}
	})

	t.Run("numeric types compare by value", func(t *testing.T) {
		events := []models.ChangeEvent{
			dataEvent(scope, "r1", "qty", 1, 2.5),
			dataEvent(scope, "r1", "qty", 2.5, float64(1)),
		}
		if _, ok := ConsolidateDataChange(events); ok {
			t.Error("expected no consolidated event")
		}
	})

	t.Run("large integers are not a no-op", func(t *testing.T) {
		events := []models.ChangeEvent{
			dataEvent(scope, "r1", "budget", int64(9007199254740992), int64(9007199254740993)),
		}
		ev, ok := ConsolidateDataChange(events)
		if !ok {
			t.Fatal("expected a consolidated event")
		}
		if got := ev.Payload.(models.DataChange).Rows[0].Changes["budget"].New; got != int64(9007199254740993) {
			t.Errorf("new value = %v", got)
		}
	})

	t.Run("empty run", func(t *testing.T) {
		if _, ok := ConsolidateDataChange(nil); ok {
			t.Error("expected no consolidated event")
		}
	})
}

func TestConsolidateRowAdd(t *testing.T) {
	scope := models.Scope{"table": "orders"}
	events := []models.ChangeEvent{
		{Payload: models.RowAdd{PlaceholderIDs: []string{"p1"}, Rows: []models.Row{{"n": 1}}}, Scope: scope},
		{Payload: models.RowAdd{PlaceholderIDs: []string{"p2", "p3"}, Rows: []models.Row{{"n": 2}, {"n": 3}}}, Scope: scope},
	}

	ev, err := ConsolidateRowAdd(events)
	if err != nil {
		t.Fatalf("ConsolidateRowAdd() error = %v", err)
	}
	ra := ev.Payload.(models.RowAdd)
	if !reflect.DeepEqual(ra.PlaceholderIDs, []string{"p1", "p2", "p3"}) {
		t.Errorf("placeholders = %v", ra.PlaceholderIDs)
	}
	if len(ra.Rows) != 3 || ra.Rows[2]["n"] != 3 {
		t.Errorf("rows = %v", ra.Rows)
	}
}

func TestConsolidateRowAddMismatch(t *testing.T) {
	events := []models.ChangeEvent{{
		Payload: models.RowAdd{PlaceholderIDs: []string{"p1", "p2"}, Rows: []models.Row{{}, {}, {}}},
	}}
	_, err := ConsolidateRowAdd(events)
	if !errors.Is(err, ErrPlaceholderMismatch) {
		t.Errorf("expected ErrPlaceholderMismatch, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		payload models.Payload
		want    Class
	}{
		{models.DataChange{}, ClassData},
		{models.RowAdd{}, ClassData},
		{models.RowInsert{}, ClassStructural},
		{models.RowDelete{}, ClassStructural},
		{models.RowPositionChanged{}, ClassStructural},
		{models.GroupUpdate{}, ClassStructural},
		{models.MarkupAdd{}, ClassStructural},
		{models.HistoryMarker{Direction: models.Forward}, ClassHistory},
		{models.HistoryMarker{Direction: models.Backward}, ClassHistory},
	}
	for _, tt := range tests {
		t.Run(string(tt.payload.EventType()), func(t *testing.T) {
			if got := Classify(models.ChangeEvent{Payload: tt.payload}); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}
