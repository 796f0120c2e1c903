package json

import (
	"fmt"
	"sort"
)

// Interface converts a value tree to plain Go types: map[string]interface{}
// for objects (key order is lost), []interface{} for arrays, and the
// obvious scalars. Used where generic map machinery (config merging,
// comparisons) is more convenient than the value tree.
func (v *Value) Interface() interface{} {
	switch v.Kind() {
	case KindNull:
		return nil
	case KindBoolean:
		return v.Bool()
	case KindInteger:
		return v.Int()
	case KindFloat:
		return v.Float64()
	case KindString:
		return v.Str()
	case KindArray:
		out := make([]interface{}, len(v.array))
		for i, e := range v.array {
			out[i] = e.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, v.object.Len())
		for _, k := range v.object.keys {
			out[k] = v.object.values[k].Interface()
		}
		return out
	}
	return nil
}

// FromInterface converts plain Go types back into a value tree.
// Map iteration order determines object key order, so round-tripping
// through Interface is not order-preserving.
func FromInterface(x interface{}) (*Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Boolean(t), nil
	case int:
		return Integer(int64(t)), nil
	case int64:
		return Integer(t), nil
	case float64:
		// Whole floats come back as integers so config round-trips
		// keep their type
		if t == float64(int64(t)) {
			return Integer(int64(t)), nil
		}
		return Float(t), nil
	case string:
		return String(t), nil
	case []interface{}:
		arr := NewArray()
		for _, e := range t {
			ev, err := FromInterface(e)
			if err != nil {
				return nil, err
			}
			arr.Append(ev)
		}
		return arr, nil
	case map[string]interface{}:
		obj := NewObject()
		for _, k := range sortedMapKeys(t) {
			ev, err := FromInterface(t[k])
			if err != nil {
				return nil, err
			}
			obj.Set(k, ev)
		}
		return obj, nil
	}
	return nil, fmt.Errorf("json: cannot convert %T", x)
}

func sortedMapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic order for tests and stable output
	sort.Strings(keys)
	return keys
}
