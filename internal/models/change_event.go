package models

import (
	"github.com/google/uuid"
)

// EventType identifies the kind of a change event
type EventType string

const (
	// Batchable
	TypeDataChange EventType = "dataChange"
	TypeRowAdd     EventType = "rowAdd"

	// Structural
	TypeRowInsert          EventType = "rowInsert"
	TypeRowDelete          EventType = "rowDelete"
	TypeRowPositionChanged EventType = "rowPositionChanged"
	TypeRowAddToGroup      EventType = "rowAddToGroup"
	TypeRowRemoveFromGroup EventType = "rowRemoveFromGroup"
	TypeGroupAdd           EventType = "groupAdd"
	TypeGroupUpdate        EventType = "groupUpdate"
	TypeGroupDelete        EventType = "groupDelete"
	TypeMarkupAdd          EventType = "markupAdd"
	TypeMarkupUpdate       EventType = "markupUpdate"
	TypeMarkupDelete       EventType = "markupDelete"

	// History markers
	TypeForward  EventType = "forward"  // redo
	TypeBackward EventType = "backward" // undo
)

// IsBatchable reports whether consecutive events of this type may be consolidated
func (t EventType) IsBatchable() bool {
	return t == TypeDataChange || t == TypeRowAdd
}

// IsMarker reports whether the type is an undo/redo request
func (t EventType) IsMarker() bool {
	return t == TypeForward || t == TypeBackward
}

// Payload is the type-specific body of a change event. The concrete type
// determines the event type.
type Payload interface {
	EventType() EventType
}

// ChangeEvent represents a single grid mutation together with the scope it applies to
type ChangeEvent struct {
	Payload Payload `json:"payload"`
	Scope   Scope   `json:"context,omitempty"`
}

// Type returns the event type of the payload
func (e ChangeEvent) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Batch is a run of same-typed events sharing one scope. An empty batch has a
// nil scope and no events.
type Batch struct {
	Scope  Scope
	Events []ChangeEvent
}

// IsEmpty reports whether the batch holds no events
func (b Batch) IsEmpty() bool {
	return len(b.Events) == 0
}

// HistoryLog is the undo/redo log of a table session. Index points at the last
// applied entry, -1 when nothing is applied.
type HistoryLog struct {
	Entries []ChangeEvent `json:"entries"`
	Index   int           `json:"index"`
}

// NewPlaceholderID returns a temporary client-side row id
func NewPlaceholderID() string {
	return "tmp-" + uuid.NewString()
}
