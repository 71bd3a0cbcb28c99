package processor

import (
	"fmt"

	"gridsync/internal/models"
)

// ConsolidateDataChange merges a run of dataChange events into one event with
// a single RowChange per affected row. For every field the earliest old value
// and the latest new value are kept. Fields whose merged old and new values
// are equal are dropped, and so are rows left without fields. The boolean is
// false when nothing remains, in which case nothing should be dispatched.
func ConsolidateDataChange(events []models.ChangeEvent) (models.ChangeEvent, bool) {
	if len(events) == 0 {
		return models.ChangeEvent{}, false
	}

	var order []string
	merged := make(map[string]map[string]models.FieldChange)

	for _, ev := range events {
		dc, ok := ev.Payload.(models.DataChange)
		if !ok {
			continue
		}
		for _, row := range dc.Rows {
			fields, seen := merged[row.RowID]
			if !seen {
				fields = make(map[string]models.FieldChange)
				merged[row.RowID] = fields
				order = append(order, row.RowID)
			}
			for field, change := range row.Changes {
				if prev, ok := fields[field]; ok {
					change.Old = prev.Old
				}
				fields[field] = change
			}
		}
	}

	rows := make([]models.RowChange, 0, len(order))
	for _, id := range order {
		changes := make(map[string]models.FieldChange)
		for field, c := range merged[id] {
			if models.Equal(c.Old, c.New) {
				continue
			}
			changes[field] = c
		}
		if len(changes) == 0 {
			continue
		}
		rows = append(rows, models.RowChange{RowID: id, Changes: changes})
	}

	if len(rows) == 0 {
		return models.ChangeEvent{}, false
	}
	return models.ChangeEvent{
		Payload: models.DataChange{Rows: rows},
		Scope:   events[len(events)-1].Scope,
	}, true
}

// ConsolidateRowAdd concatenates the rows and placeholder ids of a run of
// rowAdd events in arrival order. A placeholder count that differs from the
// row count is a programming error: responses are matched to placeholders
// by position.
func ConsolidateRowAdd(events []models.ChangeEvent) (models.ChangeEvent, error) {
	var out models.RowAdd
	for _, ev := range events {
		ra, ok := ev.Payload.(models.RowAdd)
		if !ok {
			continue
		}
		out.PlaceholderIDs = append(out.PlaceholderIDs, ra.PlaceholderIDs...)
		out.Rows = append(out.Rows, ra.Rows...)
	}

	if len(out.PlaceholderIDs) != len(out.Rows) {
		return models.ChangeEvent{}, fmt.Errorf("%w: %d placeholder ids for %d rows",
			ErrPlaceholderMismatch, len(out.PlaceholderIDs), len(out.Rows))
	}

	var scope models.Scope
	if len(events) > 0 {
		scope = events[len(events)-1].Scope
	}
	return models.ChangeEvent{Payload: out, Scope: scope}, nil
}
