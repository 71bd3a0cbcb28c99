package models

import (
	"bytes"
	"encoding/json"
	"math/big"
	"reflect"
)

// Scope identifies the logical parent of an event (table, parent record, ...).
// Its content has no meaning to the pipeline beyond equality.
type Scope map[string]interface{}

// Equal reports whether two scopes are structurally equal. A nil scope equals
// an empty one.
func (s Scope) Equal(other Scope) bool {
	if len(s) == 0 || len(other) == 0 {
		return len(s) == len(other)
	}
	return Equal(map[string]interface{}(s), map[string]interface{}(other))
}

// String returns the canonical form of the scope, usable as a map key
func (s Scope) String() string {
	if len(s) == 0 {
		return "{}"
	}
	b, err := json.Marshal(map[string]interface{}(s))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Table returns the "table" entry of the scope, if it is a string
func (s Scope) Table() string {
	v, _ := s["table"].(string)
	return v
}

// Equal compares two values by their canonical JSON encoding. Map keys are
// sorted by encoding/json and numbers compare by exact value, so int(1),
// float64(1) and 1e0 are equal while integers beyond float64 precision stay
// distinct. Values that cannot be encoded fall back to reflect.DeepEqual.
func Equal(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	if bytes.Equal(ab, bb) {
		return true
	}
	av, errA := decodeExact(ab)
	bv, errB := decodeExact(bb)
	if errA != nil || errB != nil {
		return false
	}
	return jsonEqual(av, bv)
}

func decodeExact(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	err := dec.Decode(&v)
	return v, err
}

func jsonEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case json.Number:
		bv, ok := b.(json.Number)
		return ok && numberEqual(av, bv)
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !jsonEqual(x, y) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func numberEqual(a, b json.Number) bool {
	if a == b {
		return true
	}
	x, okA := new(big.Rat).SetString(a.String())
	y, okB := new(big.Rat).SetString(b.String())
	return okA && okB && x.Cmp(y) == 0
}
