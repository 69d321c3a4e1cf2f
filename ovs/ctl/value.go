package ctl

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
	"github.com/pingcap/errors"
)

// ParseValue parses the text form of a value of col. Sets are written
// "[a,b]" or "a,b", maps "{k=v,k2=v2}" or "k=v,k2=v2"; strings may be
// double quoted.
func ParseValue(col *schema.ColumnSchema, text string) (interface{}, error) {
	t := col.Type
	switch {
	case t.IsMap():
		body := strings.TrimSpace(text)
		if strings.HasPrefix(body, "{") && strings.HasSuffix(body, "}") {
			body = body[1 : len(body)-1]
		}
		m := idl.Map{}
		for _, entry := range splitTop(body, ',') {
			k, v, ok := cut(entry, '=')
			if !ok {
				return nil, errors.Errorf("%q is not a key=value pair of column %s", entry, col.Name)
			}
			key, err := ParseAtom(t.Key, k)
			if err != nil {
				return nil, errors.Annotatef(err, "key of column %s", col.Name)
			}
			val, err := ParseAtom(*t.Value, v)
			if err != nil {
				return nil, errors.Annotatef(err, "value of column %s", col.Name)
			}
			m[key] = val
		}
		return m, nil
	case t.IsSet():
		body := strings.TrimSpace(text)
		if strings.HasPrefix(body, "[") && strings.HasSuffix(body, "]") {
			body = body[1 : len(body)-1]
		}
		s := idl.Set{}
		for _, elem := range splitTop(body, ',') {
			a, err := ParseAtom(t.Key, elem)
			if err != nil {
				return nil, errors.Annotatef(err, "column %s", col.Name)
			}
			s = append(s, a)
		}
		return s, nil
	}
	v, err := ParseAtom(t.Key, text)
	return v, errors.Annotatef(err, "column %s", col.Name)
}

// ParseAtom parses a single value of a base type.
func ParseAtom(bt schema.BaseType, text string) (interface{}, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, `"`) {
		s, err := strconv.Unquote(text)
		if err != nil {
			return nil, errors.Errorf("%s is not a valid quoted string", text)
		}
		text = s
	}
	switch bt.Type {
	case schema.TypeInteger:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, errors.Errorf("%q is not a valid integer", text)
		}
		return n, nil
	case schema.TypeReal:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, errors.Errorf("%q is not a valid real", text)
		}
		return f, nil
	case schema.TypeBoolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, errors.Errorf("%q is not a valid boolean", text)
		}
		return b, nil
	case schema.TypeUUID:
		id, err := uuid.Parse(text)
		if err != nil {
			return nil, errors.Errorf("%q is not a valid UUID", text)
		}
		return id, nil
	}
	return text, nil
}

// splitTop splits s on sep outside double quotes and brackets. An empty s
// has no parts.
func splitTop(s string, sep byte) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var (
		parts  []string
		depth  int
		quoted bool
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && quoted:
			i++
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '[' || c == '{':
			depth++
		case c == ']' || c == '}':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// cut splits s around the first sep outside double quotes.
func cut(s string, sep byte) (before, after string, found bool) {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && quoted:
			i++
		case c == '"':
			quoted = !quoted
		case c == sep && !quoted:
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
