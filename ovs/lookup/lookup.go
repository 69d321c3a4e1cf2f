// Package lookup resolves the record arguments users pass to commands, a row
// identity or a human readable name, into cached rows.
package lookup

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/condition"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap/errors"
)

// ErrEmptyRecord is returned for the empty string record. A default does not
// suppress it.
var ErrEmptyRecord = errors.New("cannot look up record by empty string")

// RowNotFound is returned when no row matches a record.
type RowNotFound struct {
	Table  string
	Column string
	Match  interface{}
}

func (e *RowNotFound) Error() string {
	return fmt.Sprintf("Cannot find %s with %s=%v", e.Table, e.Column, e.Match)
}

// IsNotFound reports whether err is caused by a *RowNotFound.
func IsNotFound(err error) bool {
	_, ok := errors.Cause(err).(*RowNotFound)
	return ok
}

// RowLookup describes how a record of a table is found: by matching Column
// of Table and, when UUIDColumn is set, following that reference column of
// the matched row. An empty Table means the rows can only be referred to by
// UUID; an empty Column means Table holds a single row.
type RowLookup struct {
	Table      string
	Column     string
	UUIDColumn string
}

// Table maps table names to their RowLookup.
type Table map[string]RowLookup

// OpenVSwitch is the lookup table of the Open_vSwitch database, as ovs-vsctl
// defines it.
var OpenVSwitch = Table{
	"Controller":   {Table: "Bridge", Column: "name", UUIDColumn: "controller"},
	"Flow_Table":   {Table: "Flow_Table", Column: "name"},
	"IPFIX":        {Table: "Bridge", Column: "name", UUIDColumn: "ipfix"},
	"Mirror":       {Table: "Mirror", Column: "name"},
	"NetFlow":      {Table: "Bridge", Column: "name", UUIDColumn: "netflow"},
	"Open_vSwitch": {Table: "Open_vSwitch"},
	"QoS":          {Table: "Port", Column: "name", UUIDColumn: "qos"},
	"Queue":        {},
	"sFlow":        {Table: "Bridge", Column: "name", UUIDColumn: "sflow"},
	"SSL":          {Table: "Open_vSwitch", UUIDColumn: "ssl"},
}

// Resolver resolves records with a lookup table. The zero value uses only
// entries synthesized from schema indexes.
type Resolver struct {
	Entries Table
}

// NewResolver returns a resolver over the given lookup table.
func NewResolver(entries Table) *Resolver {
	return &Resolver{Entries: entries}
}

// entry returns the lookup for a table. Without a configured entry the table
// is looked up by its index column when it has a single one-column index,
// and as a single row table otherwise.
func (r *Resolver) entry(t idl.Table, table string) RowLookup {
	if rl, ok := r.Entries[table]; ok {
		return rl
	}
	col := t.Schema().IndexColumn()
	if col == idl.UUIDColumn {
		col = ""
	}
	return RowLookup{Table: table, Column: col}
}

// Resolve finds the row of table a record refers to. A record is a row
// identity (uuid.UUID, a row or a UUID string) or a value of the table's
// lookup column.
func (r *Resolver) Resolve(view idl.View, table string, record interface{}) (*idl.Row, error) {
	if s, ok := record.(string); ok && s == "" {
		return nil, ErrEmptyRecord
	}
	t, err := view.Table(table)
	if err != nil {
		return nil, err
	}
	if u, ok := record.(idl.UUIDer); ok {
		record = u.RowUUID()
	}
	switch x := record.(type) {
	case uuid.UUID:
		if row, ok := t.Row(x); ok {
			return row, nil
		}
		return nil, &RowNotFound{Table: table, Column: "uuid", Match: record}
	case string:
		if id, err := uuid.Parse(x); err == nil {
			if row, ok := t.Row(id); ok {
				return row, nil
			}
		}
	}

	rl := r.entry(t, table)
	if rl.Table == "" {
		return nil, &RowNotFound{Table: table, Column: "uuid", Match: record}
	}
	var row *idl.Row
	if rl.Column == "" {
		row, err = loneRow(view, rl.Table)
		if err != nil {
			return nil, &RowNotFound{Table: table, Column: "uuid", Match: record}
		}
	} else {
		row, err = RowByValue(view, rl.Table, rl.Column, record)
		if err != nil {
			return nil, err
		}
	}
	if rl.UUIDColumn == "" {
		return row, nil
	}
	return deref(view, table, row, rl.UUIDColumn, record)
}

// loneRow returns the only row of a table. An empty table, or one holding
// several rows, has no lone row.
func loneRow(view idl.View, table string) (*idl.Row, error) {
	t, err := view.Table(table)
	if err != nil {
		return nil, err
	}
	switch rows := t.Rows(); len(rows) {
	case 0:
		return nil, errors.Errorf("table %s is empty", table)
	case 1:
		return rows[0], nil
	}
	return nil, errors.Errorf("table %s does not hold a single row", table)
}

// deref follows a reference column that must point at exactly one row.
func deref(view idl.View, table string, row *idl.Row, column string, record interface{}) (*idl.Row, error) {
	notFound := &RowNotFound{Table: table, Column: "record", Match: record}
	v, ok := row.Get(column)
	if !ok {
		return nil, notFound
	}
	var refs idl.Set
	switch x := v.(type) {
	case uuid.UUID:
		refs = idl.Set{x}
	case idl.Set:
		refs = x
	}
	if len(refs) != 1 {
		return nil, notFound
	}
	id, ok := refs[0].(uuid.UUID)
	if !ok {
		return nil, notFound
	}
	t, err := view.Table(table)
	if err != nil {
		return nil, err
	}
	target, ok := t.Row(id)
	if !ok {
		return nil, notFound
	}
	return target, nil
}

// ResolveDefault is Resolve returning def instead of a *RowNotFound.
func (r *Resolver) ResolveDefault(view idl.View, table string, record interface{}, def *idl.Row) (*idl.Row, error) {
	row, err := r.Resolve(view, table, record)
	if IsNotFound(err) {
		return def, nil
	}
	return row, err
}

// RowsByValue returns the rows of table whose column equals match, using an
// index when the cache has one.
func RowsByValue(view idl.View, table, column string, match interface{}) ([]*idl.Row, error) {
	t, err := view.Table(table)
	if err != nil {
		return nil, err
	}
	if rows, indexed := t.Lookup(column, match); indexed {
		return rows, nil
	}
	cond := condition.New(column, condition.Equal, match)
	var rows []*idl.Row
	for _, row := range t.Rows() {
		ok, err := condition.Matches(row, cond)
		if err != nil {
			if _, invalid := err.(*condition.InvalidComparison); invalid {
				continue
			}
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// RowByValue returns the first row of table whose column equals match.
func RowByValue(view idl.View, table, column string, match interface{}) (*idl.Row, error) {
	rows, err := RowsByValue(view, table, column, match)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &RowNotFound{Table: table, Column: column, Match: match}
	}
	return rows[0], nil
}

// RowByValueDefault is RowByValue returning def when nothing matches.
func RowByValueDefault(view idl.View, table, column string, match interface{}, def *idl.Row) (*idl.Row, error) {
	row, err := RowByValue(view, table, column, match)
	if IsNotFound(err) {
		return def, nil
	}
	return row, err
}
