package idl

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
)

// UUIDColumn is the pseudo column holding a row's identity.
const UUIDColumn = "_uuid"

// Record is a row-shaped value: a table schema plus column values.
type Record interface {
	TableSchema() *schema.TableSchema
	Get(column string) (interface{}, bool)
}

// Row is a cached row. Rows handed out by a View must only be read on the
// connection goroutine; use NewRowView to pass a row anywhere else.
type Row struct {
	UUID   uuid.UUID
	Table  *schema.TableSchema
	Fields map[string]interface{}
}

// NewRow creates a row with every column of the table set to its empty value.
func NewRow(ts *schema.TableSchema, id uuid.UUID) *Row {
	r := &Row{UUID: id, Table: ts, Fields: make(map[string]interface{}, len(ts.Columns))}
	for name, col := range ts.Columns {
		r.Fields[name] = EmptyValue(col.Type)
	}
	return r
}

// EmptyValue returns the default value of a column type.
func EmptyValue(t schema.ColumnType) interface{} {
	if t.IsMap() {
		return Map{}
	}
	if t.IsSet() {
		return Set{}
	}
	switch t.Key.Type {
	case schema.TypeInteger:
		return int64(0)
	case schema.TypeReal:
		return float64(0)
	case schema.TypeBoolean:
		return false
	case schema.TypeUUID:
		return uuid.Nil
	}
	return ""
}

func (r *Row) RowUUID() uuid.UUID                    { return r.UUID }
func (r *Row) TableSchema() *schema.TableSchema { return r.Table }

// Get returns the raw value of a column. "_uuid" yields the row's UUID.
func (r *Row) Get(column string) (interface{}, bool) {
	if column == UUIDColumn {
		return r.UUID, true
	}
	v, ok := r.Fields[column]
	return v, ok
}

// Clone deep copies the row.
func (r *Row) Clone() *Row {
	c := &Row{UUID: r.UUID, Table: r.Table, Fields: make(map[string]interface{}, len(r.Fields))}
	for k, v := range r.Fields {
		c.Fields[k] = Clone(v)
	}
	return c
}

func (r *Row) String() string { return rowString(r) }

// ColumnValue returns a column value the way ovs-vsctl presents it: a set
// value of an optional column is unwrapped to its single element.
func ColumnValue(rec Record, column string) (interface{}, bool) {
	v, ok := rec.Get(column)
	if !ok {
		return nil, false
	}
	if s, isSet := v.(Set); isSet && len(s) > 0 {
		if col := rec.TableSchema().Column(column); col != nil && col.Type.IsOptional() && !col.Type.IsMap() {
			return s[0], true
		}
	}
	return v, true
}

// RowView is a frozen copy of a row that is safe to share between goroutines.
// Two views of the same row compare equal by UUID and table.
type RowView struct {
	row *Row
}

// NewRowView freezes r.
func NewRowView(r *Row) *RowView {
	if r == nil {
		return nil
	}
	return &RowView{row: r.Clone()}
}

func (v *RowView) RowUUID() uuid.UUID                    { return v.row.UUID }
func (v *RowView) TableSchema() *schema.TableSchema { return v.row.Table }
func (v *RowView) Get(column string) (interface{}, bool) { return v.row.Get(column) }

// UUID returns the identity of the row.
func (v *RowView) UUID() uuid.UUID { return v.row.UUID }

// Table returns the table name of the row.
func (v *RowView) Table() string { return v.row.Table.Name }

// Value returns the presented value of a column, see ColumnValue.
func (v *RowView) Value(column string) interface{} {
	val, _ := ColumnValue(v.row, column)
	return val
}

// Same reports whether both views show the same row.
func (v *RowView) Same(o *RowView) bool {
	return o != nil && v.row.UUID == o.row.UUID && v.row.Table == o.row.Table
}

func (v *RowView) String() string { return rowString(v.row) }

func rowString(r *Row) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(uuid=%s", r.Table.Name, r.UUID)
	for _, name := range r.Table.ColumnNames() {
		val, ok := r.Fields[name]
		if !ok {
			continue
		}
		if col := r.Table.Column(name); col.Type.IsOptional() && !col.Type.IsMap() {
			val = NormalizeOptional(val)
		}
		fmt.Fprintf(&b, ", %s=%s", name, Format(val))
	}
	b.WriteByte(')')
	return b.String()
}
