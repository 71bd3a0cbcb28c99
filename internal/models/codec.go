package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEventType is returned when decoding an envelope with an unsupported type
var ErrUnknownEventType = errors.New("unknown event type")

// envelope is the wire form of a change event
type envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Context Scope           `json:"context,omitempty"`
}

// EncodeEvent encodes an event as {"type", "payload", "context"}
func EncodeEvent(ev ChangeEvent) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("failed to encode event: nil payload")
	}
	env := envelope{Type: ev.Type(), Context: ev.Scope}
	if !ev.Type().IsMarker() {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", ev.Type(), err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// DecodeEvent decodes an envelope produced by EncodeEvent (or by the grid UI)
func DecodeEvent(data []byte) (ChangeEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to parse event envelope: %w", err)
	}

	var p Payload
	var err error
	switch env.Type {
	case TypeForward:
		p = HistoryMarker{Direction: Forward}
	case TypeBackward:
		p = HistoryMarker{Direction: Backward}
	case TypeDataChange:
		p, err = decodeAs[DataChange](env.Payload)
	case TypeRowAdd:
		p, err = decodeAs[RowAdd](env.Payload)
	case TypeRowInsert:
		p, err = decodeAs[RowInsert](env.Payload)
	case TypeRowDelete:
		p, err = decodeAs[RowDelete](env.Payload)
	case TypeRowPositionChanged:
		p, err = decodeAs[RowPositionChanged](env.Payload)
	case TypeRowAddToGroup:
		p, err = decodeAs[RowAddToGroup](env.Payload)
	case TypeRowRemoveFromGroup:
		p, err = decodeAs[RowRemoveFromGroup](env.Payload)
	case TypeGroupAdd:
		p, err = decodeAs[GroupAdd](env.Payload)
	case TypeGroupUpdate:
		p, err = decodeAs[GroupUpdate](env.Payload)
	case TypeGroupDelete:
		p, err = decodeAs[GroupDelete](env.Payload)
	case TypeMarkupAdd:
		p, err = decodeAs[MarkupAdd](env.Payload)
	case TypeMarkupUpdate:
		p, err = decodeAs[MarkupUpdate](env.Payload)
	case TypeMarkupDelete:
		p, err = decodeAs[MarkupDelete](env.Payload)
	default:
		return ChangeEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to parse %s payload: %w", env.Type, err)
	}

	return ChangeEvent{Payload: p, Scope: env.Context}, nil
}

func decodeAs[T Payload](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errors.New("missing payload")
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
