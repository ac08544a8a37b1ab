package variant

import "encoding/json"

// ParseJSON decodes a JSON document into a Value tree.
func ParseJSON(data []byte) (Value, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return Value{}, err
	}
	return Value{normalize(v)}, nil
}

// MarshalJSON encodes a Value tree as JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.data)
}

// UnmarshalJSON decodes a Value tree from JSON, implementing
// json.Unmarshaler so Values can be embedded directly in structs.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.data = normalize(raw)
	return nil
}

// normalize converts the map[string]interface{}/[]interface{} tree
// produced by encoding/json (already native) through unchanged; it
// exists so the xml codec, whose native shapes differ, can share the
// same entry point.
func normalize(v interface{}) interface{} {
	return v
}
