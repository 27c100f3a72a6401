// Package records holds the ordered JSON record used between the Graph client
// and the transformer.
//
// Graph returns task objects whose key order is meaningful for the flattened
// table: columns are laid out in order of first appearance, the same way a
// data frame built from a list of objects would. encoding/json decodes objects
// into maps and loses that order, so Record keeps an explicit key slice.
package records

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is a JSON object with key order preserved.
//
// Nested objects are decoded into Record as well, arrays into []any and
// numbers into json.Number.
// The zero value is an empty record ready to use.
type Record struct {
	keys []string
	vals map[string]any
}

// New builds a record from alternating key/value pairs. It is meant for tests
// and fixtures; it panics on an odd argument count or a non-string key.
func New(kv ...any) Record {
	if len(kv)%2 != 0 {
		panic("records.New: odd number of arguments")
	}
	var r Record
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("records.New: key %v is not a string", kv[i]))
		}
		r.Set(k, kv[i+1])
	}
	return r
}

// Keys returns the keys in insertion order. The slice must not be modified.
func (r Record) Keys() []string { return r.keys }

// Len returns the number of keys.
func (r Record) Len() int { return len(r.keys) }

// Get returns the value for key and whether it was present.
func (r Record) Get(key string) (any, bool) {
	v, ok := r.vals[key]
	return v, ok
}

// Value returns the value for key, or nil if absent.
func (r Record) Value(key string) any { return r.vals[key] }

// Set stores v under key. New keys are appended; existing keys keep their position.
func (r *Record) Set(key string, v any) {
	if r.vals == nil {
		r.vals = make(map[string]any)
	}
	if _, ok := r.vals[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.vals[key] = v
}

// Delete removes key if present.
func (r *Record) Delete(key string) {
	if _, ok := r.vals[key]; !ok {
		return
	}
	delete(r.vals, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i:i], r.keys[i+1:]...)
			return
		}
	}
}

// Rename moves the value under from to to, keeping from's position.
// If to already exists it is replaced and its old position is dropped.
func (r *Record) Rename(from, to string) {
	if from == to {
		return
	}
	v, ok := r.vals[from]
	if !ok {
		return
	}
	if _, exists := r.vals[to]; exists {
		r.Delete(to)
	}
	delete(r.vals, from)
	r.vals[to] = v
	for i, k := range r.keys {
		if k == from {
			r.keys[i] = to
			return
		}
	}
}

// MoveToFront moves key to the first position. It is a no-op if key is absent.
func (r *Record) MoveToFront(key string) {
	if _, ok := r.vals[key]; !ok {
		return
	}
	out := make([]string, 0, len(r.keys))
	out = append(out, key)
	for _, k := range r.keys {
		if k != key {
			out = append(out, k)
		}
	}
	r.keys = out
}

// Clone returns a shallow copy; nested maps are shared.
func (r Record) Clone() Record {
	out := Record{
		keys: append([]string(nil), r.keys...),
		vals: make(map[string]any, len(r.vals)),
	}
	for k, v := range r.vals {
		out.vals[k] = v
	}
	return out
}

// UnmarshalJSON decodes a JSON object, keeping key order at every level.
// A JSON null yields an empty record.
func (r *Record) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*r = Record{}
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("records: read object start: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("records: expected JSON object, got %v", tok)
	}

	obj, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*r = obj
	return nil
}

// decodeObject reads the members of an object whose '{' was already consumed.
func decodeObject(dec *json.Decoder) (Record, error) {
	r := Record{vals: map[string]any{}}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return Record{}, fmt.Errorf("records: read key: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return Record{}, fmt.Errorf("records: expected string key, got %v", kt)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return Record{}, fmt.Errorf("records: decode %q: %w", key, err)
		}
		r.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return Record{}, fmt.Errorf("records: read object end: %w", err)
	}
	return r, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch d {
	case '{':
		return decodeObject(dec)
	case '[':
		out := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("records: unexpected %v", d)
	}
}

// MarshalJSON encodes the record as a JSON object in key order.
func (r Record) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(r.vals[k])
		if err != nil {
			return nil, fmt.Errorf("records: encode %q: %w", k, err)
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}
