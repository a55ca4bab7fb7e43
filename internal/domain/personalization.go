package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Field is one personalization value. Value holds a string, number, bool
// or nil as decoded from JSON.
type Field struct {
	Key   string
	Value interface{}
}

// String renders the value the way it is substituted into templates.
func (f Field) String() string {
	switch v := f.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Personalization is an ordered mapping of template fields. Order is the
// order keys appeared in the submitted JSON object, so rendering and
// re-serialization are deterministic.
type Personalization []Field

// Get returns the value for key.
func (p Personalization) Get(key string) (Field, bool) {
	for _, f := range p {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// MarshalJSON encodes the fields as a JSON object in order.
func (p Personalization) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat JSON object keeping key order. Nested
// objects and arrays are kept as their decoded Go values.
func (p *Personalization) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("personalization must be a JSON object")
	}

	out := Personalization{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("personalization key must be a string")
		}
		var val interface{}
		if err := dec.Decode(&val); err != nil {
			return err
		}
		out = append(out, Field{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}
