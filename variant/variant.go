// Package variant implements the dynamic any-type used throughout cpn
// for node parameter blobs, the directory wire protocol, and D4R test
// fixtures: a tagged sum of Null, Bool, Int, Float, Str, Array and
// Object, with dot-path accessors modeled on a JSON/XML config tree.
//
// The dot-path Get/Set API and typed accessors are grounded on the
// brunotm/streams Config type, generalized so the backing data is a
// Value instead of a bare map[string]interface{}.
package variant

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Kind identifies the concrete type held by a Value.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Int
	Float
	Str
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case Str:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a dynamic, dot-path addressable configuration or message
// value. The zero Value is Null.
type Value struct {
	data interface{}
}

// New wraps an arbitrary Go value (as produced by encoding/json or
// encoding/xml unmarshaling, or hand-built maps/slices) as a Value.
func New(data interface{}) Value {
	return Value{data: data}
}

// NewObject creates an empty object Value, suitable as the root of a
// configuration tree built up with Set.
func NewObject() Value {
	return Value{data: make(map[string]interface{})}
}

// Kind reports the concrete type carried by this Value.
func (v Value) Kind() Kind {
	switch v.data.(type) {
	case nil:
		return Null
	case bool:
		return Bool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Int
	case float32, float64:
		return Float
	case string:
		return Str
	case []interface{}:
		return Array
	case map[string]interface{}:
		return Object
	default:
		return Null
	}
}

// IsNull reports whether this Value holds no data.
func (v Value) IsNull() bool {
	return v.data == nil
}

// Raw returns the underlying Go value, as produced by a JSON/XML
// decode or by Set.
func (v Value) Raw() interface{} {
	return v.data
}

func splitPath(path []string) []string {
	if len(path) == 1 {
		return strings.Split(path[0], ".")
	}
	return path
}

// IsSet returns true if path resolves to a non-nil Value.
func (v Value) IsSet(path ...string) bool {
	return search(v.data, splitPath(path)) != nil
}

// Get retrieves the Value at the given dot-path, or a Null Value if
// the path does not resolve.
func (v Value) Get(path ...string) Value {
	return Value{search(v.data, splitPath(path))}
}

// Set stores value at the given dot-path, growing intermediate maps
// and arrays as needed. The special path segment "#" appends to an
// array. Set requires the receiver to be (or become) an Object.
func (v *Value) Set(value interface{}, path ...string) {
	if _, ok := v.data.(map[string]interface{}); !ok {
		v.data = make(map[string]interface{})
	}
	set(v.data, value, splitPath(path))
}

// String returns the string value for this Value, or def if it is
// Null or cannot be cast.
func (v Value) String(def string) string {
	if v.data == nil {
		return def
	}
	s, err := cast.ToStringE(v.data)
	if err != nil {
		return def
	}
	return s
}

// Bool returns the bool value for this Value, or def.
func (v Value) Bool(def bool) bool {
	if v.data == nil {
		return def
	}
	b, err := cast.ToBoolE(v.data)
	if err != nil {
		return def
	}
	return b
}

// Int returns the int value for this Value, or def.
func (v Value) Int(def int) int {
	if v.data == nil {
		return def
	}
	i, err := cast.ToIntE(v.data)
	if err != nil {
		return def
	}
	return i
}

// Int64 returns the int64 value for this Value, or def.
func (v Value) Int64(def int64) int64 {
	if v.data == nil {
		return def
	}
	i, err := cast.ToInt64E(v.data)
	if err != nil {
		return def
	}
	return i
}

// Uint64 returns the uint64 value for this Value, or def.
func (v Value) Uint64(def uint64) uint64 {
	if v.data == nil {
		return def
	}
	u, err := cast.ToUint64E(v.data)
	if err != nil {
		return def
	}
	return u
}

// Float64 returns the float64 value for this Value, or def.
func (v Value) Float64(def float64) float64 {
	if v.data == nil {
		return def
	}
	f, err := cast.ToFloat64E(v.data)
	if err != nil {
		return def
	}
	return f
}

// Duration returns the time.Duration value for this Value, or def.
func (v Value) Duration(def time.Duration) time.Duration {
	if v.data == nil {
		return def
	}
	d, err := cast.ToDurationE(v.data)
	if err != nil {
		return def
	}
	return d
}

// Time returns the time.Time value for this Value, or def.
func (v Value) Time(def time.Time) time.Time {
	if v.data == nil {
		return def
	}
	t, err := cast.ToTimeE(v.data)
	if err != nil {
		return def
	}
	return t
}

// Array returns the element Values if this Value holds an array, or
// nil otherwise.
func (v Value) Array() (values []Value) {
	arr, ok := v.data.([]interface{})
	if !ok {
		return nil
	}
	values = make([]Value, len(arr))
	for i := range arr {
		values[i] = Value{arr[i]}
	}
	return values
}

// Map returns the field Values if this Value holds an object, or nil
// otherwise.
func (v Value) Map() (values map[string]Value) {
	m, ok := v.data.(map[string]interface{})
	if !ok {
		return nil
	}
	values = make(map[string]Value, len(m))
	for k, val := range m {
		values[k] = Value{val}
	}
	return values
}

func search(source interface{}, path []string) interface{} {
	data := source
	for _, key := range path {
		switch tmp := data.(type) {
		case map[string]interface{}:
			v, ok := tmp[key]
			if !ok {
				return nil
			}
			data = v
		case []interface{}:
			idx, err := strconv.ParseInt(key, 10, 64)
			if err != nil || int(idx) >= len(tmp) || idx < 0 {
				return nil
			}
			data = tmp[idx]
		default:
			return nil
		}
	}
	return data
}

func set(source, value interface{}, path []string) {
	m, ok := source.(map[string]interface{})
	if !ok || m == nil {
		return
	}

	for i := 0; i < len(path); i++ {
		currentKey := path[i]
		nextKey := ""
		if i < len(path)-1 {
			nextKey = path[i+1]
		}

		if idx, err := strconv.ParseInt(nextKey, 10, 64); err == nil || nextKey == "#" {
			i++ // consume the array index/append marker

			tmp, _ := m[currentKey].([]interface{})

			if nextKey == "#" {
				if i < len(path)-1 {
					next := make(map[string]interface{})
					tmp = append(tmp, next)
					m[currentKey] = tmp
					m = next
					continue
				}
				tmp = append(tmp, value)
				m[currentKey] = tmp
				return
			}

			if len(tmp)-1 < int(idx) {
				tmp = append(tmp, make([]interface{}, int(idx+1)-len(tmp))...)
			}

			if i < len(path)-1 {
				next, ok := tmp[idx].(map[string]interface{})
				if !ok {
					next = make(map[string]interface{})
					tmp[idx] = next
				}
				m[currentKey] = tmp
				m = next
				continue
			}

			tmp[idx] = value
			m[currentKey] = tmp
			return
		}

		if i < len(path)-1 {
			next, ok := m[currentKey].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				m[currentKey] = next
			}
			m = next
			continue
		}

		m[currentKey] = value
	}
}
