package memidl

import (
	"math"
	"strconv"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
	"github.com/pingcap/errors"
)

// convert turns a caller supplied value into the stored form of a column:
// scalars stay bare, sets and optional columns hold an idl.Set, maps an idl.Map.
func convert(col *schema.ColumnSchema, v interface{}) (interface{}, error) {
	c, err := idl.Canonical(v)
	if err != nil {
		return nil, errors.Annotatef(err, "column %s", col.Name)
	}
	t := col.Type
	switch {
	case t.IsMap():
		m, ok := c.(idl.Map)
		if !ok {
			if s, isSet := c.(idl.Set); isSet && len(s) == 0 {
				return idl.Map{}, nil
			}
			return nil, errors.Errorf("column %s expects a map, got %s", col.Name, idl.Format(c))
		}
		out := make(idl.Map, len(m))
		for k, e := range m {
			ck, err := atom(t.Key, k)
			if err != nil {
				return nil, errors.Annotatef(err, "key of column %s", col.Name)
			}
			ce, err := atom(*t.Value, e)
			if err != nil {
				return nil, errors.Annotatef(err, "value of column %s", col.Name)
			}
			out[ck] = ce
		}
		return out, checkSize(col, len(out))
	case t.IsSet():
		var s idl.Set
		switch x := c.(type) {
		case nil:
			s = idl.Set{}
		case idl.Set:
			s = x
		case idl.Map:
			return nil, errors.Errorf("column %s expects a set, got %s", col.Name, idl.Format(c))
		default:
			s = idl.Set{x}
		}
		out := make(idl.Set, 0, len(s))
		for _, e := range s {
			ce, err := atom(t.Key, e)
			if err != nil {
				return nil, errors.Annotatef(err, "column %s", col.Name)
			}
			if !idl.Contains(out, ce) {
				out = append(out, ce)
			}
		}
		return out, checkSize(col, len(out))
	}
	if s, ok := c.(idl.Set); ok && len(s) == 1 {
		c = s[0]
	}
	return atom(t.Key, c)
}

func checkSize(col *schema.ColumnSchema, n int) error {
	if n < col.Type.Min || (col.Type.Max != schema.Unlimited && n > col.Type.Max) {
		return errors.Errorf("column %s holds %d values, allowed are %d to %s", col.Name, n, col.Type.Min, maxString(col.Type.Max))
	}
	return nil
}

func maxString(max int) string {
	if max == schema.Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(max)
}

func atom(bt schema.BaseType, v interface{}) (interface{}, error) {
	switch bt.Type {
	case schema.TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case schema.TypeInteger:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) {
				return int64(x), nil
			}
		}
	case schema.TypeReal:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
	case schema.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case schema.TypeUUID:
		switch x := v.(type) {
		case uuid.UUID:
			return x, nil
		case string:
			if id, err := uuid.Parse(x); err == nil {
				return id, nil
			}
		}
	}
	return nil, errors.Errorf("%s is not a valid %s", idl.Format(v), bt.Type)
}
