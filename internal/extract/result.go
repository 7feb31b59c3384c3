package extract

import (
	"bytes"
	"encoding/json"
)

// Value is one validated field. Present is false for an optional field the
// model omitted or set to null, which is distinct from an empty value.
type Value struct {
	Type    FieldType
	Present bool
	String  string
	List    []string
	Int     int64
	Records []*Result
}

// Any returns the value as a plain Go value, or nil when absent. Dates and
// enums are strings; record lists are []*Result.
func (v Value) Any() any {
	if !v.Present {
		return nil
	}
	switch v.Type {
	case TypeListOfString:
		return v.List
	case TypeInteger:
		return v.Int
	case TypeRecordList:
		return v.Records
	default:
		return v.String
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// Result is a validated record. Fields keep schema order.
type Result struct {
	order  []string
	values map[string]Value
}

func newResult(n int) *Result {
	return &Result{order: make([]string, 0, n), values: make(map[string]Value, n)}
}

func (r *Result) set(name string, v Value) {
	if _, ok := r.values[name]; !ok {
		r.order = append(r.order, name)
	}
	r.values[name] = v
}

func (r *Result) Get(name string) (Value, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Fields returns the field names in schema order.
func (r *Result) Fields() []string {
	return append([]string(nil), r.order...)
}

// Map flattens the record; absent fields map to nil.
func (r *Result) Map() map[string]any {
	out := make(map[string]any, len(r.order))
	for _, name := range r.order {
		out[name] = r.values[name].Any()
	}
	return out
}

// MarshalJSON writes the record as an object in schema order.
func (r *Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.values[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
