package models

import (
	"errors"
	"fmt"
)

// ErrNotInvertible is returned for payloads that have no inverse
var ErrNotInvertible = errors.New("payload is not invertible")

// Invert returns the payload that reverts p
func Invert(p Payload) (Payload, error) {
	switch v := p.(type) {
	case DataChange:
		rows := make([]RowChange, len(v.Rows))
		for i, row := range v.Rows {
			rows[i] = RowChange{RowID: row.RowID, Changes: swapChanges(row.Changes)}
		}
		return DataChange{Rows: rows}, nil
	case RowAdd:
		rows := make([]PositionedRow, len(v.Rows))
		for i, data := range v.Rows {
			var id string
			if i < len(v.PlaceholderIDs) {
				id = v.PlaceholderIDs[i]
			}
			rows[i] = PositionedRow{RowID: id, Index: -1, Data: data}
		}
		return RowDelete{Rows: rows}, nil
	case RowInsert:
		return RowDelete{Rows: copyPositioned(v.Rows)}, nil
	case RowDelete:
		return RowInsert{Rows: copyPositioned(v.Rows)}, nil
	case RowPositionChanged:
		return RowPositionChanged{RowID: v.RowID, From: v.To, To: v.From}, nil
	case RowAddToGroup:
		return RowRemoveFromGroup{GroupID: v.GroupID, RowIDs: append([]string(nil), v.RowIDs...)}, nil
	case RowRemoveFromGroup:
		return RowAddToGroup{GroupID: v.GroupID, RowIDs: append([]string(nil), v.RowIDs...)}, nil
	case GroupAdd:
		return GroupDelete{GroupID: v.GroupID, Data: v.Data}, nil
	case GroupDelete:
		return GroupAdd{GroupID: v.GroupID, Data: v.Data}, nil
	case GroupUpdate:
		return GroupUpdate{GroupID: v.GroupID, Changes: swapChanges(v.Changes)}, nil
	case MarkupAdd:
		return MarkupDelete{MarkupID: v.MarkupID, Data: v.Data}, nil
	case MarkupDelete:
		return MarkupAdd{MarkupID: v.MarkupID, Data: v.Data}, nil
	case MarkupUpdate:
		return MarkupUpdate{MarkupID: v.MarkupID, Changes: swapChanges(v.Changes)}, nil
	case nil:
		return nil, fmt.Errorf("%w: nil payload", ErrNotInvertible)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotInvertible, p.EventType())
	}
}

func swapChanges(changes map[string]FieldChange) map[string]FieldChange {
	out := make(map[string]FieldChange, len(changes))
	for field, c := range changes {
		out[field] = FieldChange{Old: c.New, New: c.Old}
	}
	return out
}

func copyPositioned(rows []PositionedRow) []PositionedRow {
	return append([]PositionedRow(nil), rows...)
}
