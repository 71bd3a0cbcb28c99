package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is published after a change has been applied remotely
type Notification struct {
	ID        string                   `json:"id"`
	Session   string                   `json:"session,omitempty"`
	Type      EventType                `json:"type"`
	Table     string                   `json:"table,omitempty"`
	Context   Scope                    `json:"context,omitempty"`
	Replay    bool                     `json:"replay,omitempty"` // produced by undo/redo
	Timestamp int64                    `json:"timestamp"`
	Rows      []map[string]interface{} `json:"rows"`
	OldRows   []map[string]interface{} `json:"old_rows,omitempty"` // for dataChange and update events
	Error     string                   `json:"error,omitempty"`    // set when the remote operation failed

	// Set when a script transformation returned extra fields
	RawJSON []byte `json:"-"`
}

// NewNotification flattens an applied event into row maps. Row ids are
// stored under the "rowId" key.
func NewNotification(session string, ev ChangeEvent, replay bool) *Notification {
	n := &Notification{
		ID:        uuid.NewString(),
		Session:   session,
		Type:      ev.Type(),
		Table:     ev.Scope.Table(),
		Context:   ev.Scope,
		Replay:    replay,
		Timestamp: time.Now().Unix(),
		Rows:      make([]map[string]interface{}, 0),
	}

	switch p := ev.Payload.(type) {
	case DataChange:
		for _, rc := range p.Rows {
			row := map[string]interface{}{"rowId": rc.RowID}
			old := map[string]interface{}{"rowId": rc.RowID}
			for field, c := range rc.Changes {
				row[field] = c.New
				old[field] = c.Old
			}
			n.Rows = append(n.Rows, row)
			n.OldRows = append(n.OldRows, old)
		}
	case RowAdd:
		for i, data := range p.Rows {
			row := copyRow(data)
			if i < len(p.PlaceholderIDs) {
				row["rowId"] = p.PlaceholderIDs[i]
			}
			n.Rows = append(n.Rows, row)
		}
	case RowInsert:
		n.Rows = positionedRows(p.Rows)
	case RowDelete:
		n.Rows = positionedRows(p.Rows)
	case GroupUpdate:
		n.Rows, n.OldRows = changeRows("groupId", p.GroupID, p.Changes)
	case MarkupUpdate:
		n.Rows, n.OldRows = changeRows("markupId", p.MarkupID, p.Changes)
	default:
		// remaining payloads are flat: publish their JSON form as one row
		var row map[string]interface{}
		if data, err := json.Marshal(p); err == nil && json.Unmarshal(data, &row) == nil {
			n.Rows = append(n.Rows, row)
		}
	}
	return n
}

// NewFailureNotification describes an event whose remote operation failed
func NewFailureNotification(session string, ev ChangeEvent, replay bool, err error) *Notification {
	n := NewNotification(session, ev, replay)
	n.Error = err.Error()
	return n
}

func copyRow(r Row) map[string]interface{} {
	out := make(map[string]interface{}, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

func positionedRows(rows []PositionedRow) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, pr := range rows {
		row := copyRow(pr.Data)
		row["rowId"] = pr.RowID
		row["index"] = pr.Index
		out = append(out, row)
	}
	return out
}

func changeRows(key, id string, changes map[string]FieldChange) ([]map[string]interface{}, []map[string]interface{}) {
	row := map[string]interface{}{key: id}
	old := map[string]interface{}{key: id}
	for field, c := range changes {
		row[field] = c.New
		old[field] = c.Old
	}
	return []map[string]interface{}{row}, []map[string]interface{}{old}
}
