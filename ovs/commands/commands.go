// Package commands implements the generic database commands: create, destroy,
// set, add, clear, remove, get, list and find.
//
// Records and values may be literals, txn.Arg values or commands of the same
// transaction; they are resolved when the command is staged. Every command
// reads what it needs through the staging transaction, so all of them can be
// replayed after a conflict.
package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/lookup"
	"github.com/pingcap-incubator/tinyovsdb/ovs/txn"
	"github.com/pingcap/errors"
)

// ColumnValue is one column assignment.
type ColumnValue struct {
	Column string
	Value  interface{}
}

// Columns turns a map into assignments ordered by column name.
func Columns(m map[string]interface{}) []ColumnValue {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	cvs := make([]ColumnValue, len(names))
	for i, name := range names {
		cvs[i] = ColumnValue{Column: name, Value: m[name]}
	}
	return cvs
}

type base struct {
	txn.Base
	resolver *lookup.Resolver
	table    string
}

func newBase(r *lookup.Resolver, table string) base {
	if r == nil {
		r = &lookup.Resolver{}
	}
	return base{resolver: r, table: table}
}

func (b *base) resolve(tx idl.Txn, record interface{}) (*idl.Row, error) {
	return b.resolver.Resolve(tx, b.table, txn.ResolveValue(record))
}

func (b *base) column(tx idl.Txn, column string) error {
	t, err := tx.Table(b.table)
	if err != nil {
		return err
	}
	if column != idl.UUIDColumn && t.Schema().Column(column) == nil {
		return errors.Errorf("table %s has no column %s", b.table, column)
	}
	return nil
}

func canonical(v interface{}) (interface{}, error) {
	return idl.Canonical(txn.ResolveValue(v))
}

func describe(name string, args ...interface{}) string {
	parts := make([]string, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		parts = append(parts, fmt.Sprintf("%v=%v", args[i], args[i+1]))
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

// DbCreate inserts a row. Its result is the row's temporary UUID while the
// transaction is staged, usable by later commands, and the real UUID (or a
// RowView with AsRow) once committed.
type DbCreate struct {
	base
	Columns []ColumnValue
	AsRow   bool

	tmp uuid.UUID
}

func NewDbCreate(r *lookup.Resolver, table string, columns ...ColumnValue) *DbCreate {
	return &DbCreate{base: newBase(r, table), Columns: columns}
}

func (c *DbCreate) Stage(tx idl.Txn) error {
	id, err := tx.Insert(c.table)
	if err != nil {
		return err
	}
	c.tmp = id
	c.SetResult(id)
	for _, cv := range c.Columns {
		if err := tx.Set(c.table, id, cv.Column, txn.ResolveValue(cv.Value)); err != nil {
			return errors.Annotatef(err, "set %s", cv.Column)
		}
	}
	return nil
}

func (c *DbCreate) PostCommit(tx idl.Txn) error {
	id, ok := tx.InsertedUUID(c.tmp)
	if !ok {
		return errors.Errorf("no UUID assigned to inserted %s row %s", c.table, c.tmp)
	}
	if !c.AsRow {
		c.SetResult(id)
		return nil
	}
	t, err := tx.Table(c.table)
	if err != nil {
		return err
	}
	row, ok := t.Row(id)
	if !ok {
		return &lookup.RowNotFound{Table: c.table, Column: "uuid", Match: id}
	}
	c.SetResult(idl.NewRowView(row))
	return nil
}

func (c *DbCreate) String() string {
	return describe("DbCreate", "table", c.table, "columns", c.Columns, "row", c.AsRow)
}

// DbDestroy deletes a row.
type DbDestroy struct {
	base
	Record interface{}
}

func NewDbDestroy(r *lookup.Resolver, table string, record interface{}) *DbDestroy {
	return &DbDestroy{base: newBase(r, table), Record: record}
}

func (c *DbDestroy) Stage(tx idl.Txn) error {
	row, err := c.resolve(tx, c.Record)
	if err != nil {
		return err
	}
	return tx.Delete(c.table, row.UUID)
}

func (c *DbDestroy) String() string {
	return describe("DbDestroy", "table", c.table, "record", c.Record)
}

// DbSet assigns columns of a row. Map values are merged into the current
// map, which makes the commit depend on that column.
type DbSet struct {
	base
	Record   interface{}
	Values   []ColumnValue
	IfExists bool
}

func NewDbSet(r *lookup.Resolver, table string, record interface{}, values ...ColumnValue) *DbSet {
	return &DbSet{base: newBase(r, table), Record: record, Values: values}
}

func (c *DbSet) Stage(tx idl.Txn) error {
	row, err := c.resolve(tx, c.Record)
	if err != nil {
		if c.IfExists && lookup.IsNotFound(err) {
			return nil
		}
		return err
	}
	for _, cv := range c.Values {
		val, err := canonical(cv.Value)
		if err != nil {
			return err
		}
		if m, ok := val.(idl.Map); ok {
			existing, _ := row.Fields[cv.Column].(idl.Map)
			merged := make(idl.Map, len(existing)+len(m))
			for k, v := range existing {
				merged[k] = v
			}
			for k, v := range m {
				merged[k] = v
			}
			if err := tx.Verify(c.table, row.UUID, cv.Column); err != nil {
				return err
			}
			val = merged
		}
		if err := tx.Set(c.table, row.UUID, cv.Column, val); err != nil {
			return err
		}
	}
	return nil
}

func (c *DbSet) String() string {
	return describe("DbSet", "table", c.table, "record", c.Record, "values", c.Values, "if_exists", c.IfExists)
}

// DbAdd adds values to a set column, or keys to a map column. Keys already
// present keep their value.
type DbAdd struct {
	base
	Record interface{}
	Column string
	Values []interface{}
}

func NewDbAdd(r *lookup.Resolver, table string, record interface{}, column string, values ...interface{}) *DbAdd {
	return &DbAdd{base: newBase(r, table), Record: record, Column: column, Values: values}
}

func (c *DbAdd) Stage(tx idl.Txn) error {
	row, err := c.resolve(tx, c.Record)
	if err != nil {
		return err
	}
	if err := c.column(tx, c.Column); err != nil {
		return err
	}
	current := idl.Clone(row.Fields[c.Column])
	for _, v := range c.Values {
		val, err := canonical(v)
		if err != nil {
			return err
		}
		switch cur := current.(type) {
		case idl.Map:
			m, ok := val.(idl.Map)
			if !ok {
				return errors.Errorf("cannot add %v to map column %s", v, c.Column)
			}
			for k, e := range m {
				if _, exists := cur[k]; !exists {
					cur[k] = e
				}
			}
		case idl.Set:
			elems, ok := val.(idl.Set)
			if !ok {
				elems = idl.Set{val}
			}
			for _, e := range elems {
				if !idl.Contains(cur, e) {
					cur = append(cur, e)
				}
			}
			current = cur
		default:
			return errors.Errorf("column %s.%s is neither a set nor a map", c.table, c.Column)
		}
	}
	if err := tx.Verify(c.table, row.UUID, c.Column); err != nil {
		return err
	}
	return tx.Set(c.table, row.UUID, c.Column, current)
}

func (c *DbAdd) String() string {
	return describe("DbAdd", "table", c.table, "record", c.Record, "column", c.Column, "values", c.Values)
}

// DbClear sets a column to the empty value of its type.
type DbClear struct {
	base
	Record interface{}
	Column string
}

func NewDbClear(r *lookup.Resolver, table string, record interface{}, column string) *DbClear {
	return &DbClear{base: newBase(r, table), Record: record, Column: column}
}

func (c *DbClear) Stage(tx idl.Txn) error {
	row, err := c.resolve(tx, c.Record)
	if err != nil {
		return err
	}
	col := row.Table.Column(c.Column)
	if col == nil {
		return errors.Errorf("table %s has no column %s", c.table, c.Column)
	}
	return tx.Set(c.table, row.UUID, c.Column, idl.EmptyValue(col.Type))
}

func (c *DbClear) String() string {
	return describe("DbClear", "table", c.table, "record", c.Record, "column", c.Column)
}

// DbRemove removes values from a set column, or keys from a map column.
// KeyValues only removes keys whose value matches. A scalar column is
// cleared.
type DbRemove struct {
	base
	Record    interface{}
	Column    string
	Values    []interface{}
	KeyValues map[string]interface{}
	IfExists  bool
}

func NewDbRemove(r *lookup.Resolver, table string, record interface{}, column string, values ...interface{}) *DbRemove {
	return &DbRemove{base: newBase(r, table), Record: record, Column: column, Values: values}
}

func (c *DbRemove) Stage(tx idl.Txn) error {
	row, err := c.resolve(tx, c.Record)
	if err != nil {
		if c.IfExists && lookup.IsNotFound(err) {
			return nil
		}
		return err
	}
	col := row.Table.Column(c.Column)
	if col == nil {
		return errors.Errorf("table %s has no column %s", c.table, c.Column)
	}
	var values []interface{}
	for _, v := range c.Values {
		val, err := canonical(v)
		if err != nil {
			return err
		}
		values = append(values, val)
	}
	var result interface{}
	switch cur := idl.Clone(row.Fields[c.Column]).(type) {
	case idl.Map:
		for _, k := range values {
			delete(cur, k)
		}
		for k, v := range c.KeyValues {
			val, err := canonical(v)
			if err != nil {
				return err
			}
			if e, ok := cur[k]; ok && idl.Equal(e, val) {
				delete(cur, k)
			}
		}
		result = cur
	case idl.Set:
		kept := idl.Set{}
		for _, e := range cur {
			if !removed(values, e) {
				kept = append(kept, e)
			}
		}
		result = kept
	default:
		result = idl.EmptyValue(col.Type)
	}
	if err := tx.Verify(c.table, row.UUID, c.Column); err != nil {
		return err
	}
	return tx.Set(c.table, row.UUID, c.Column, result)
}

func removed(values []interface{}, e interface{}) bool {
	for _, v := range values {
		if s, ok := v.(idl.Set); ok {
			if idl.Contains(s, e) {
				return true
			}
			continue
		}
		if idl.Equal(v, e) {
			return true
		}
	}
	return false
}

func (c *DbRemove) String() string {
	return describe("DbRemove", "table", c.table, "record", c.Record, "column", c.Column,
		"values", c.Values, "keyvalues", c.KeyValues, "if_exists", c.IfExists)
}
