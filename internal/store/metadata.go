package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/lazypower/karmagraph/internal/memerr"
)

// Kind tags the variant held by a metadata Value.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindNumber
	KindBool
	KindMap
)

// Value is a metadata value: a string, a number, a boolean or a nested
// string-keyed map. Arrays and nulls are not representable.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    Metadata
}

// Metadata is the free-form key/value map attached to nodes and edges.
type Metadata map[string]Value

// String, Number, Bool and Map construct metadata values.
func String(s string) Value  { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Map(m Metadata) Value   { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsZero() bool    { return v.kind == 0 }
func (v Value) AsMap() Metadata { return v.m }

func (v Value) AsString() (string, bool)  { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindMap:
		return v.m.Equal(o.m)
	}
	return true
}

// Equal reports deep equality of two metadata maps.
func (m Metadata) Equal(o Metadata) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("metadata number %v is not finite", v.num)
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		return v.m.MarshalJSON()
	}
	return nil, fmt.Errorf("metadata value has no kind")
}

// MarshalJSON writes keys in sorted order so stored documents are stable.
func (m Metadata) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := m[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := fromRaw(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = nil
		return nil
	}
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	if v.kind != KindMap {
		return fmt.Errorf("metadata must be an object")
	}
	*m = v.m
	return nil
}

func fromRaw(raw any) (Value, error) {
	switch x := raw.(type) {
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("metadata number %q: %w", x, err)
		}
		return Number(f), nil
	case map[string]any:
		m := make(Metadata, len(x))
		for k, rv := range x {
			v, err := fromRaw(rv)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = v
		}
		return Map(m), nil
	case nil:
		return Value{}, fmt.Errorf("metadata values cannot be null")
	case []any:
		return Value{}, fmt.Errorf("metadata values cannot be arrays")
	}
	return Value{}, fmt.Errorf("unsupported metadata value %T", raw)
}

// encodeMetadata returns the column value for m: NULL when empty.
func encodeMetadata(m Metadata) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, memerr.Validation("metadata", "%v", err)
	}
	return string(b), nil
}

func decodeMetadata(s *string) (Metadata, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var m Metadata
	if err := m.UnmarshalJSON([]byte(*s)); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
