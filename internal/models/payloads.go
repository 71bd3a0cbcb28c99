package models

// FieldChange is the before/after value of one field
type FieldChange struct {
	Old interface{} `json:"oldValue"`
	New interface{} `json:"newValue"`
}

// Row is the field data of one row
type Row map[string]interface{}

// RowChange holds the field changes of a single row
type RowChange struct {
	RowID   string                 `json:"rowId"`
	Changes map[string]FieldChange `json:"changes"`
}

// PositionedRow is a row together with its position in the grid. Index -1
// means the end of the grid.
type PositionedRow struct {
	RowID string `json:"rowId"`
	Index int    `json:"index"`
	Data  Row    `json:"data,omitempty"`
}

// DataChange edits cell values
type DataChange struct {
	Rows []RowChange `json:"rows"`
}

// RowAdd appends rows that do not have a server id yet. PlaceholderIDs[i]
// identifies Rows[i].
type RowAdd struct {
	PlaceholderIDs []string `json:"placeholderIds"`
	Rows           []Row    `json:"rows"`
}

// RowInsert inserts rows at explicit positions
type RowInsert struct {
	Rows []PositionedRow `json:"rows"`
}

// RowDelete removes rows. Data is kept so the deletion can be undone.
type RowDelete struct {
	Rows []PositionedRow `json:"rows"`
}

// RowPositionChanged moves a row
type RowPositionChanged struct {
	RowID string `json:"rowId"`
	From  int    `json:"from"`
	To    int    `json:"to"`
}

// RowAddToGroup puts rows into a group
type RowAddToGroup struct {
	GroupID string   `json:"groupId"`
	RowIDs  []string `json:"rowIds"`
}

// RowRemoveFromGroup takes rows out of a group
type RowRemoveFromGroup struct {
	GroupID string   `json:"groupId"`
	RowIDs  []string `json:"rowIds"`
}

type GroupAdd struct {
	GroupID string `json:"groupId"`
	Data    Row    `json:"data,omitempty"`
}

type GroupDelete struct {
	GroupID string `json:"groupId"`
	Data    Row    `json:"data,omitempty"`
}

type GroupUpdate struct {
	GroupID string                 `json:"groupId"`
	Changes map[string]FieldChange `json:"changes"`
}

type MarkupAdd struct {
	MarkupID string `json:"markupId"`
	Data     Row    `json:"data,omitempty"`
}

type MarkupDelete struct {
	MarkupID string `json:"markupId"`
	Data     Row    `json:"data,omitempty"`
}

type MarkupUpdate struct {
	MarkupID string                 `json:"markupId"`
	Changes  map[string]FieldChange `json:"changes"`
}

// Direction of a history marker
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// HistoryMarker requests a redo (Forward) or an undo (Backward). It is
// resolved against the history log when it is taken from the queue.
type HistoryMarker struct {
	Direction Direction `json:"-"`
}

func (DataChange) EventType() EventType         { return TypeDataChange }
func (RowAdd) EventType() EventType             { return TypeRowAdd }
func (RowInsert) EventType() EventType          { return TypeRowInsert }
func (RowDelete) EventType() EventType          { return TypeRowDelete }
func (RowPositionChanged) EventType() EventType { return TypeRowPositionChanged }
func (RowAddToGroup) EventType() EventType      { return TypeRowAddToGroup }
func (RowRemoveFromGroup) EventType() EventType { return TypeRowRemoveFromGroup }
func (GroupAdd) EventType() EventType           { return TypeGroupAdd }
func (GroupDelete) EventType() EventType        { return TypeGroupDelete }
func (GroupUpdate) EventType() EventType        { return TypeGroupUpdate }
func (MarkupAdd) EventType() EventType          { return TypeMarkupAdd }
func (MarkupDelete) EventType() EventType       { return TypeMarkupDelete }
func (MarkupUpdate) EventType() EventType       { return TypeMarkupUpdate }

func (m HistoryMarker) EventType() EventType {
	if m.Direction == Forward {
		return TypeForward
	}
	return TypeBackward
}
