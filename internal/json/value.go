// Package json implements the JSON value tree and codec used by the
// object store and the client API. Unlike encoding/json it preserves
// object key order, distinguishes integers from floats, and enforces
// the decode rules the wire protocol requires (surrogate pairing,
// embedded-NUL dropping, no exponent syntax).
package json

import "sort"

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindObject
	KindArray
	KindString
	KindInteger
	KindFloat
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBoolean:
		return "boolean"
	}
	return "invalid"
}

// Value is a tagged variant over the JSON types.
type Value struct {
	kind    Kind
	object  *Object
	array   []*Value
	str     string
	integer int64
	float   float64
	boolean bool
}

// Null returns the null value.
func Null() *Value {
	return &Value{kind: KindNull}
}

// NewObject returns an empty object value.
func NewObject() *Value {
	return &Value{kind: KindObject, object: newObject()}
}

// NewArray returns an empty array value.
func NewArray() *Value {
	return &Value{kind: KindArray}
}

// String returns a string value.
func String(s string) *Value {
	return &Value{kind: KindString, str: s}
}

// Integer returns a 64-bit integer value.
func Integer(i int64) *Value {
	return &Value{kind: KindInteger, integer: i}
}

// Float returns a float value.
func Float(f float64) *Value {
	return &Value{kind: KindFloat, float: f}
}

// Boolean returns a boolean value.
func Boolean(b bool) *Value {
	return &Value{kind: KindBoolean, boolean: b}
}

// Kind returns the variant tag.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether the value is null or absent.
func (v *Value) IsNull() bool {
	return v == nil || v.kind == KindNull
}

// Object returns the object variant, or nil if the value is not an object.
func (v *Value) Object() *Object {
	if v == nil || v.kind != KindObject {
		return nil
	}
	return v.object
}

// Array returns the array elements, or nil if the value is not an array.
func (v *Value) Array() []*Value {
	if v == nil || v.kind != KindArray {
		return nil
	}
	return v.array
}

// Str returns the string variant, or "" for any other kind.
func (v *Value) Str() string {
	if v == nil || v.kind != KindString {
		return ""
	}
	return v.str
}

// Int returns the integer variant. Floats are truncated; other kinds
// yield zero.
func (v *Value) Int() int64 {
	if v == nil {
		return 0
	}
	switch v.kind {
	case KindInteger:
		return v.integer
	case KindFloat:
		return int64(v.float)
	}
	return 0
}

// Float64 returns the numeric value as a float.
func (v *Value) Float64() float64 {
	if v == nil {
		return 0
	}
	switch v.kind {
	case KindFloat:
		return v.float
	case KindInteger:
		return float64(v.integer)
	}
	return 0
}

// Bool returns the boolean variant, or false for any other kind.
func (v *Value) Bool() bool {
	return v != nil && v.kind == KindBoolean && v.boolean
}

// Append adds an element to an array value.
func (v *Value) Append(elem *Value) {
	if v == nil || v.kind != KindArray {
		return
	}
	if elem == nil {
		elem = Null()
	}
	v.array = append(v.array, elem)
}

// Get looks up a key in an object value. Returns nil for missing keys
// and non-objects.
func (v *Value) Get(key string) *Value {
	obj := v.Object()
	if obj == nil {
		return nil
	}
	return obj.Get(key)
}

// Set stores a key in an object value. No-op on non-objects.
func (v *Value) Set(key string, val *Value) {
	if obj := v.Object(); obj != nil {
		obj.Set(key, val)
	}
}

// Delete removes a key from an object value.
func (v *Value) Delete(key string) {
	if obj := v.Object(); obj != nil {
		obj.Delete(key)
	}
}

// String renders the value in compact form. Implements fmt.Stringer.
func (v *Value) String() string {
	return EncodeString(v, ModeCompact)
}

// Clone returns a deep copy of the value.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	c := &Value{kind: v.kind, str: v.str, integer: v.integer, float: v.float, boolean: v.boolean}
	switch v.kind {
	case KindObject:
		c.object = newObject()
		for _, k := range v.object.keys {
			c.object.Set(k, v.object.values[k].Clone())
		}
	case KindArray:
		c.array = make([]*Value, len(v.array))
		for i, e := range v.array {
			c.array[i] = e.Clone()
		}
	}
	return c
}

// Equal reports deep equality of two values. Integer and float values
// of equal magnitude are distinct.
func Equal(a, b *Value) bool {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() && b.IsNull()
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindObject:
		if a.object.Len() != b.object.Len() {
			return false
		}
		for _, k := range a.object.keys {
			bv := b.object.Get(k)
			if bv == nil || !Equal(a.object.values[k], bv) {
				return false
			}
		}
		return true
	case KindArray:
		if len(a.array) != len(b.array) {
			return false
		}
		for i := range a.array {
			if !Equal(a.array[i], b.array[i]) {
				return false
			}
		}
		return true
	case KindString:
		return a.str == b.str
	case KindInteger:
		return a.integer == b.integer
	case KindFloat:
		return a.float == b.float
	case KindBoolean:
		return a.boolean == b.boolean
	}
	return true
}

// Object is an ordered string-keyed map. Keys keep their first
// insertion position; setting an existing key replaces the value in
// place.
type Object struct {
	keys   []string
	values map[string]*Value
}

func newObject() *Object {
	return &Object{values: make(map[string]*Value)}
}

// Get returns the value for key, or nil.
func (o *Object) Get(key string) *Value {
	if o == nil {
		return nil
	}
	return o.values[key]
}

// Has reports whether key is present.
func (o *Object) Has(key string) bool {
	if o == nil {
		return false
	}
	_, ok := o.values[key]
	return ok
}

// Set stores key. A nil value stores JSON null.
func (o *Object) Set(key string, v *Value) {
	if v == nil {
		v = Null()
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

// Delete removes key if present.
func (o *Object) Delete(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// SortedKeys returns the keys in lexicographic order (canonical mode).
func (o *Object) SortedKeys() []string {
	out := o.Keys()
	sort.Strings(out)
	return out
}

// Len returns the number of entries.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}
