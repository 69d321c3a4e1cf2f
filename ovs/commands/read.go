package commands

import (
	"github.com/pingcap-incubator/tinyovsdb/ovs/condition"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/lookup"
	"github.com/pingcap-incubator/tinyovsdb/ovs/txn"
	"github.com/pingcap/errors"
)

// Values maps column names to presented values. Optional columns are
// unwrapped and "_uuid" holds the row identity.
type Values map[string]interface{}

func rowValues(row *idl.Row, columns []string) Values {
	if len(columns) == 0 {
		columns = append(row.Table.ColumnNames(), idl.UUIDColumn)
	}
	vals := make(Values, len(columns))
	for _, c := range columns {
		v, _ := idl.ColumnValue(row, c)
		vals[c] = idl.Clone(v)
	}
	return vals
}

func (b *base) checkColumns(tx idl.Txn, columns []string) error {
	for _, c := range columns {
		if err := b.column(tx, c); err != nil {
			return err
		}
	}
	return nil
}

func present(rows []*idl.Row, asRows bool, columns []string) interface{} {
	if asRows {
		views := make([]*idl.RowView, len(rows))
		for i, r := range rows {
			views[i] = idl.NewRowView(r)
		}
		return views
	}
	vals := make([]Values, len(rows))
	for i, r := range rows {
		vals[i] = rowValues(r, columns)
	}
	return vals
}

// DbGet reads one column of a row. A set holding a single element yields
// the element.
type DbGet struct {
	base
	txn.ReadOnly
	Record interface{}
	Column string
}

func NewDbGet(r *lookup.Resolver, table string, record interface{}, column string) *DbGet {
	return &DbGet{base: newBase(r, table), Record: record, Column: column}
}

func (c *DbGet) Stage(tx idl.Txn) error {
	row, err := c.resolve(tx, c.Record)
	if err != nil {
		return err
	}
	if err := c.column(tx, c.Column); err != nil {
		return err
	}
	v, _ := idl.ColumnValue(row, c.Column)
	if s, ok := v.(idl.Set); ok && len(s) == 1 {
		v = s[0]
	}
	c.SetResult(idl.Clone(v))
	return nil
}

func (c *DbGet) String() string {
	return describe("DbGet", "table", c.table, "record", c.Record, "column", c.Column)
}

// DbList lists rows of a table, all of them or the given records. The
// result is []Values, or []*idl.RowView with AsRows. Without IfExists a
// missing record fails the command.
type DbList struct {
	base
	txn.ReadOnly
	Records  []interface{}
	Columns  []string
	IfExists bool
	AsRows   bool
}

func NewDbList(r *lookup.Resolver, table string, records []interface{}, columns []string, ifExists bool) *DbList {
	return &DbList{base: newBase(r, table), Records: records, Columns: columns, IfExists: ifExists}
}

func (c *DbList) Stage(tx idl.Txn) error {
	t, err := tx.Table(c.table)
	if err != nil {
		return err
	}
	if err := c.checkColumns(tx, c.Columns); err != nil {
		return err
	}
	records := make([]interface{}, len(c.Records))
	for i, r := range c.Records {
		records[i] = txn.ResolveValue(r)
	}
	idx := t.Schema().IndexColumn()
	if idx == idl.UUIDColumn {
		idx = ""
	}

	var rows []*idl.Row
	switch {
	case len(records) == 0:
		rows = t.Rows()
	case idx == "":
		for _, record := range records {
			row, err := c.resolver.Resolve(tx, c.table, record)
			if err != nil {
				if c.IfExists && lookup.IsNotFound(err) {
					continue
				}
				return err
			}
			rows = append(rows, row)
		}
	default:
		wanted := make([]interface{}, len(records))
		for i, r := range records {
			if wanted[i], err = idl.Canonical(r); err != nil {
				return err
			}
		}
		found := make([]bool, len(records))
		for _, row := range t.Rows() {
			v, _ := idl.ColumnValue(row, idx)
			for i, w := range wanted {
				if idl.Equal(v, w) {
					found[i] = true
					rows = append(rows, row)
					break
				}
			}
		}
		if !c.IfExists {
			for i, ok := range found {
				if !ok {
					return &lookup.RowNotFound{Table: c.table, Column: idx, Match: records[i]}
				}
			}
		}
	}
	c.SetResult(present(rows, c.AsRows, c.Columns))
	return nil
}

func (c *DbList) String() string {
	return describe("DbList", "table", c.table, "records", c.Records, "columns", c.Columns, "if_exists", c.IfExists)
}

// DbFind lists the rows matching every condition. Indexed equality
// conditions narrow the scan.
type DbFind struct {
	base
	txn.ReadOnly
	Conditions []condition.Condition
	Columns    []string
	AsRows     bool
}

func NewDbFind(r *lookup.Resolver, table string, conds ...condition.Condition) *DbFind {
	return &DbFind{base: newBase(r, table), Conditions: conds}
}

func (c *DbFind) Stage(tx idl.Txn) error {
	t, err := tx.Table(c.table)
	if err != nil {
		return err
	}
	if err := c.checkColumns(tx, c.Columns); err != nil {
		return err
	}
	conds := make([]condition.Condition, len(c.Conditions))
	for i, cond := range c.Conditions {
		cond.Value = txn.ResolveValue(cond.Value)
		conds[i] = cond
	}
	rows, ok := condition.IndexCandidates(t, conds)
	if !ok {
		rows = t.Rows()
	}
	var matched []*idl.Row
	for _, row := range rows {
		ok, err := condition.MatchesAll(row, conds)
		if err != nil {
			return errors.Annotatef(err, "find in %s", c.table)
		}
		if ok {
			matched = append(matched, row)
		}
	}
	c.SetResult(present(matched, c.AsRows, c.Columns))
	return nil
}

func (c *DbFind) String() string {
	return describe("DbFind", "table", c.table, "conditions", c.Conditions, "columns", c.Columns)
}

// GetRow resolves a record to a frozen row.
type GetRow struct {
	base
	txn.ReadOnly
	Record interface{}
}

func NewGetRow(r *lookup.Resolver, table string, record interface{}) *GetRow {
	return &GetRow{base: newBase(r, table), Record: record}
}

func (c *GetRow) Stage(tx idl.Txn) error {
	row, err := c.resolve(tx, c.Record)
	if err != nil {
		return err
	}
	c.SetResult(idl.NewRowView(row))
	return nil
}

func (c *GetRow) String() string {
	return describe("GetRow", "table", c.table, "record", c.Record)
}
