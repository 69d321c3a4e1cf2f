// Package condition evaluates (column, operator, value) predicates against
// cached rows, the way ovs-vsctl's find command does.
package condition

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap/errors"
)

// Op is a condition operator.
type Op string

const (
	Equal     Op = "="
	NotEqual  Op = "!="
	Less      Op = "<"
	LessEq    Op = "<="
	Greater   Op = ">"
	GreaterEq Op = ">="
	Includes  Op = "includes"
	Excludes  Op = "excludes"
)

// ParseOp parses an RFC 7047 operator. Only Equal and NotEqual can be
// evaluated; the others parse but make Matches fail with *Unsupported.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case Equal, NotEqual, Less, LessEq, Greater, GreaterEq, Includes, Excludes:
		return op, nil
	case "==":
		return Equal, nil
	}
	return "", errors.Errorf("unknown condition operator %q", s)
}

// Condition is a single predicate on a column.
type Condition struct {
	Column string
	Op     Op
	Value  interface{}
}

// New builds a condition.
func New(column string, op Op, value interface{}) Condition {
	return Condition{Column: column, Op: op, Value: value}
}

func (c Condition) String() string {
	v, err := idl.Canonical(c.Value)
	if err != nil {
		v = c.Value
	}
	return fmt.Sprintf("%s%s%s", c.Column, c.Op, idl.Format(v))
}

// InvalidComparison is returned when the operand cannot be compared with the
// column value.
type InvalidComparison struct {
	Column  string
	Row     interface{}
	Operand interface{}
}

func (e *InvalidComparison) Error() string {
	return fmt.Sprintf("column %s: cannot compare %s value %s with %s operand %s",
		e.Column, kindOf(e.Row), idl.Format(e.Row), kindOf(e.Operand), idl.Format(e.Operand))
}

// Unsupported is returned for operators that are not defined on a value kind.
type Unsupported struct {
	Column string
	Op     Op
	Kind   string
}

func (e *Unsupported) Error() string {
	return fmt.Sprintf("column %s: operator %s is not supported on %s values", e.Column, e.Op, e.Kind)
}

// kindOf names the coarse type compared values must agree on.
func kindOf(v interface{}) string {
	switch v.(type) {
	case nil:
		return "absent"
	case string:
		return "string"
	case int64:
		return "integer"
	case float64:
		return "real"
	case bool:
		return "boolean"
	case uuid.UUID:
		return "uuid"
	case idl.Set:
		return "set"
	case idl.Map:
		return "map"
	case idl.Optional:
		return "optional"
	}
	return fmt.Sprintf("%T", v)
}

// Matches evaluates one condition against a row.
func Matches(rec idl.Record, c Condition) (bool, error) {
	raw, ok := rec.Get(c.Column)
	if !ok {
		return false, errors.Errorf("table %s has no column %s", rec.TableSchema().Name, c.Column)
	}
	operand, err := idl.Canonical(c.Value)
	if err != nil {
		return false, &InvalidComparison{Column: c.Column, Row: raw, Operand: c.Value}
	}
	if col := rec.TableSchema().Column(c.Column); col != nil && col.Type.IsOptional() && !col.Type.IsMap() {
		return matchOptional(c, raw, operand)
	}
	return match(c, raw, operand)
}

// matchOptional compares an optional column after normalizing both sides:
// an empty set or nil is absent, the row's single element set is its element.
// Absence only compares by presence.
func matchOptional(c Condition, raw, operand interface{}) (bool, error) {
	row := idl.NormalizeOptional(raw)
	var op idl.Optional
	switch x := operand.(type) {
	case nil:
		op = idl.Absent
	case idl.Set:
		if len(x) == 0 {
			op = idl.Absent
		} else {
			op = idl.Some(x)
		}
	default:
		op = idl.Some(x)
	}
	if !row.Valid || !op.Valid {
		same := row.Valid == op.Valid
		switch c.Op {
		case Equal:
			return same, nil
		case NotEqual:
			return !same, nil
		}
		return false, &Unsupported{Column: c.Column, Op: c.Op, Kind: "optional"}
	}
	return match(c, row.Value, op.Value)
}

func match(c Condition, row, operand interface{}) (bool, error) {
	if kindOf(row) != kindOf(operand) {
		return false, &InvalidComparison{Column: c.Column, Row: row, Operand: operand}
	}
	switch x := operand.(type) {
	case idl.Map:
		return matchMap(c, row.(idl.Map), x)
	case idl.Set:
		return matchSet(c, row.(idl.Set), x)
	}
	switch c.Op {
	case Equal:
		return row == operand, nil
	case NotEqual:
		return row != operand, nil
	}
	return false, &Unsupported{Column: c.Column, Op: c.Op, Kind: kindOf(row)}
}

// matchMap: = holds when every operand key is present with an equal value,
// != when every operand key is absent or has a different value.
func matchMap(c Condition, row, operand idl.Map) (bool, error) {
	if c.Op != Equal && c.Op != NotEqual {
		return false, &Unsupported{Column: c.Column, Op: c.Op, Kind: "map"}
	}
	for k, want := range operand {
		got, ok := row[k]
		same := ok && idl.Equal(got, want)
		if (c.Op == Equal) != same {
			return false, nil
		}
	}
	return true, nil
}

// matchSet: = is a relaxed subset test, != a disjointness test. When either
// side is empty both degrade to plain equality.
func matchSet(c Condition, row, operand idl.Set) (bool, error) {
	if c.Op != Equal && c.Op != NotEqual {
		return false, &Unsupported{Column: c.Column, Op: c.Op, Kind: "set"}
	}
	if len(row) == 0 || len(operand) == 0 {
		eq := idl.Equal(row, operand)
		return eq == (c.Op == Equal), nil
	}
	for _, e := range operand {
		if idl.Contains(row, e) != (c.Op == Equal) {
			return false, nil
		}
	}
	return true, nil
}

// MatchesAll reports whether every condition holds.
func MatchesAll(rec idl.Record, conds []Condition) (bool, error) {
	for _, c := range conds {
		ok, err := Matches(rec, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// exact reports whether = on the column is plain equality, so an index hit
// agrees with Matches. Set and map columns use subset semantics.
func exact(t idl.Table, column string) bool {
	col := t.Schema().Column(column)
	return col != nil && !col.Type.IsMap() && (col.Type.IsScalar() || col.Type.IsOptional())
}

// indexable reports whether the operand has the column's atomic type. Other
// operands are left to the scan, which reports the mismatch.
func indexable(t idl.Table, c Condition) bool {
	operand, err := idl.Canonical(c.Value)
	if err != nil {
		return false
	}
	return kindOf(operand) == string(t.Schema().Column(c.Column).Type.Key.Type)
}

// IndexCandidates narrows a scan with the indexed = conditions: it returns
// the rows found by every index, in table order. ok is false when no
// condition can use an index. Candidates must still be checked with
// MatchesAll.
func IndexCandidates(t idl.Table, conds []Condition) (rows []*idl.Row, ok bool) {
	var sets [][]*idl.Row
	for _, c := range conds {
		if c.Op != Equal || !exact(t, c.Column) || !indexable(t, c) {
			continue
		}
		hits, indexed := t.Lookup(c.Column, c.Value)
		if !indexed {
			continue
		}
		if len(hits) == 0 {
			return nil, true
		}
		sets = append(sets, hits)
	}
	if len(sets) == 0 {
		return nil, false
	}
	rows = sets[0]
	for _, other := range sets[1:] {
		in := make(map[uuid.UUID]bool, len(other))
		for _, r := range other {
			in[r.UUID] = true
		}
		kept := rows[:0:0]
		for _, r := range rows {
			if in[r.UUID] {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	return rows, true
}
