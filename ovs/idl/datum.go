package idl

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

// Set is a set column value. Optional columns hold a Set of zero or one atom.
type Set []interface{}

// Map is a map column value.
type Map map[interface{}]interface{}

// Optional is the explicit form of an optional column value. It is produced by
// NormalizeOptional and nowhere else.
type Optional struct {
	Value interface{}
	Valid bool
}

// Absent is the Optional holding nothing.
var Absent = Optional{}

// Some returns a present Optional.
func Some(v interface{}) Optional { return Optional{Value: v, Valid: true} }

func (o Optional) String() string {
	if !o.Valid {
		return "[]"
	}
	return Format(o.Value)
}

// NormalizeOptional turns a 0/1-element set, a nil or an Optional into an
// Optional. Anything else is returned as a present Optional of itself.
func NormalizeOptional(v interface{}) Optional {
	switch x := v.(type) {
	case nil:
		return Absent
	case Optional:
		return x
	case Set:
		switch len(x) {
		case 0:
			return Absent
		case 1:
			return Some(x[0])
		}
	}
	return Some(v)
}

// UUIDer is implemented by values that stand for a row, such as *Row and
// *RowView. Canonical replaces them by their UUID.
type UUIDer interface {
	RowUUID() uuid.UUID
}

// Canonical converts a Go value into the representation rows use: string
// kinds become string, integer kinds int64, floats float64, slices Set, maps
// Map and row references uuid.UUID. Nested elements are converted too.
func Canonical(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil, string, int64, float64, bool, uuid.UUID:
		return v, nil
	case int:
		return int64(x), nil
	case Optional:
		if !x.Valid {
			return Set{}, nil
		}
		c, err := Canonical(x.Value)
		if err != nil {
			return nil, err
		}
		return Set{c}, nil
	case UUIDer:
		return x.RowUUID(), nil
	case Set:
		out := make(Set, 0, len(x))
		for _, e := range x {
			c, err := Canonical(e)
			if err != nil {
				return nil, err
			}
			out = appendUnique(out, c)
		}
		return out, nil
	case Map:
		out := make(Map, len(x))
		for k, e := range x {
			ck, err := Canonical(k)
			if err != nil {
				return nil, err
			}
			ce, err := Canonical(e)
			if err != nil {
				return nil, err
			}
			out[ck] = ce
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Slice, reflect.Array:
		s := make(Set, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			s = append(s, rv.Index(i).Interface())
		}
		return Canonical(s)
	case reflect.Map:
		m := make(Map, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().Interface()] = iter.Value().Interface()
		}
		return Canonical(m)
	}
	return nil, errors.Errorf("unsupported column value %v of type %T", v, v)
}

// MustCanonical is Canonical for values known to be valid, such as literals
// in tests and fixtures.
func MustCanonical(v interface{}) interface{} {
	c, err := Canonical(v)
	if err != nil {
		panic(err)
	}
	return c
}

func appendUnique(s Set, v interface{}) Set {
	for _, e := range s {
		if Equal(e, v) {
			return s
		}
	}
	return append(s, v)
}

// Equal compares two canonical values. Sets compare without regard to order.
func Equal(a, b interface{}) bool {
	switch x := a.(type) {
	case Set:
		y, ok := b.(Set)
		if !ok || len(x) != len(y) {
			return false
		}
		for _, e := range x {
			if !Contains(y, e) {
				return false
			}
		}
		return true
	case Map:
		y, ok := b.(Map)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, e := range x {
			f, ok := y[k]
			if !ok || !Equal(e, f) {
				return false
			}
		}
		return true
	case Optional:
		y, ok := b.(Optional)
		if !ok || x.Valid != y.Valid {
			return false
		}
		return !x.Valid || Equal(x.Value, y.Value)
	}
	switch b.(type) {
	case Set, Map, Optional:
		return false
	}
	return a == b
}

// Contains reports whether s holds an element equal to v.
func Contains(s Set, v interface{}) bool {
	for _, e := range s {
		if Equal(e, v) {
			return true
		}
	}
	return false
}

// Key returns a string that is equal for equal canonical values. It is used
// as an index key.
func Key(v interface{}) string {
	var b strings.Builder
	writeKey(&b, v)
	return b.String()
}

func writeKey(b *strings.Builder, v interface{}) {
	switch x := v.(type) {
	case Set:
		keys := make([]string, 0, len(x))
		for _, e := range x {
			keys = append(keys, Key(e))
		}
		sort.Strings(keys)
		b.WriteString("set[")
		b.WriteString(strings.Join(keys, ","))
		b.WriteByte(']')
	case Map:
		keys := make([]string, 0, len(x))
		for k, e := range x {
			keys = append(keys, Key(k)+"="+Key(e))
		}
		sort.Strings(keys)
		b.WriteString("map{")
		b.WriteString(strings.Join(keys, ","))
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, "%T:%v", v, v)
	}
}

// Format renders a canonical value the way ovs-vsctl prints it.
func Format(v interface{}) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case Set:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			parts = append(parts, Format(e))
		}
		sort.Strings(parts)
		return "[" + strings.Join(parts, ", ") + "]"
	case Map:
		parts := make([]string, 0, len(x))
		for k, e := range x {
			parts = append(parts, Format(k)+"="+Format(e))
		}
		sort.Strings(parts)
		return "{" + strings.Join(parts, ", ") + "}"
	case nil:
		return "[]"
	}
	return fmt.Sprint(v)
}

// Clone deep copies a canonical value.
func Clone(v interface{}) interface{} {
	switch x := v.(type) {
	case Set:
		out := make(Set, len(x))
		copy(out, x)
		return out
	case Map:
		out := make(Map, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	}
	return v
}
