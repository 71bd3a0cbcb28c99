package processor

import "gridsync/internal/models"

// Class is the routing category of an event
type Class int

const (
	// ClassStructural events are dispatched individually and in order
	ClassStructural Class = iota
	// ClassData events may be consolidated with neighbours of the same type
	ClassData
	// ClassHistory events are undo/redo markers
	ClassHistory
)

func (c Class) String() string {
	switch c {
	case ClassData:
		return "data"
	case ClassHistory:
		return "history"
	default:
		return "structural"
	}
}

// Classify returns the routing category of an event
func Classify(ev models.ChangeEvent) Class {
	switch ev.Payload.(type) {
	case models.DataChange, models.RowAdd:
		return ClassData
	case models.HistoryMarker:
		return ClassHistory
	default:
		return ClassStructural
	}
}
