package memidl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
	"github.com/pingcap/errors"
)

type rowKey struct {
	table string
	id    uuid.UUID
}

// stagedTxn collects changes on top of the cache. Rows it writes are copied
// on first touch; the versions seen at that point are checked again on commit.
type stagedTxn struct {
	c *Cache

	rows     map[rowKey]*idl.Row
	inserted map[rowKey]bool
	order    []rowKey
	deleted  map[rowKey]bool
	// read holds the version of every row the commit depends on.
	read map[rowKey]uint64

	assigned map[uuid.UUID]uuid.UUID
	done     bool
	err      string
}

func newTxn(c *Cache) *stagedTxn {
	return &stagedTxn{
		c:        c,
		rows:     make(map[rowKey]*idl.Row),
		inserted: make(map[rowKey]bool),
		deleted:  make(map[rowKey]bool),
		read:     make(map[rowKey]uint64),
		assigned: make(map[uuid.UUID]uuid.UUID),
	}
}

func (t *stagedTxn) Schema() *schema.DatabaseSchema { return t.c.schema }

func (t *stagedTxn) Table(name string) (idl.Table, error) {
	base, ok := t.c.tables[name]
	if !ok {
		return nil, errors.Errorf("no table named %s", name)
	}
	return &stagedTable{txn: t, base: base}, nil
}

func (t *stagedTxn) table(name string) (*table, error) {
	if t.done {
		return nil, errors.New("transaction is already complete")
	}
	base, ok := t.c.tables[name]
	if !ok {
		return nil, errors.Errorf("no table named %s", name)
	}
	return base, nil
}

func (t *stagedTxn) Insert(name string) (uuid.UUID, error) {
	base, err := t.table(name)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	k := rowKey{name, id}
	t.rows[k] = idl.NewRow(base.schema, id)
	t.inserted[k] = true
	t.order = append(t.order, k)
	return id, nil
}

// writable returns the staged copy of a row, creating it on first touch.
func (t *stagedTxn) writable(name string, id uuid.UUID) (*table, *idl.Row, error) {
	base, err := t.table(name)
	if err != nil {
		return nil, nil, err
	}
	k := rowKey{name, id}
	if t.deleted[k] {
		return nil, nil, errors.Errorf("%s row %s was deleted in this transaction", name, id)
	}
	if row, ok := t.rows[k]; ok {
		return base, row, nil
	}
	row, ok := base.Row(id)
	if !ok {
		return nil, nil, errors.Errorf("no %s row %s", name, id)
	}
	t.depend(k, base)
	row = row.Clone()
	t.rows[k] = row
	return base, row, nil
}

func (t *stagedTxn) depend(k rowKey, base *table) {
	if _, ok := t.read[k]; !ok {
		t.read[k] = base.version(k.id)
	}
}

func (t *stagedTxn) Set(name string, id uuid.UUID, column string, value interface{}) error {
	base, row, err := t.writable(name, id)
	if err != nil {
		return err
	}
	col := base.schema.Column(column)
	if col == nil {
		return errors.Errorf("table %s has no column %s", name, column)
	}
	if !col.IsMutable() && !t.inserted[rowKey{name, id}] {
		return errors.Errorf("column %s.%s is not mutable", name, column)
	}
	v, err := convert(col, value)
	if err != nil {
		return err
	}
	row.Fields[column] = v
	return nil
}

func (t *stagedTxn) Verify(name string, id uuid.UUID, column string) error {
	base, err := t.table(name)
	if err != nil {
		return err
	}
	k := rowKey{name, id}
	if t.inserted[k] {
		return nil
	}
	if _, ok := base.Row(id); !ok {
		return errors.Errorf("no %s row %s", name, id)
	}
	if base.schema.Column(column) == nil && column != idl.UUIDColumn {
		return errors.Errorf("table %s has no column %s", name, column)
	}
	t.depend(k, base)
	return nil
}

func (t *stagedTxn) Delete(name string, id uuid.UUID) error {
	base, err := t.table(name)
	if err != nil {
		return err
	}
	k := rowKey{name, id}
	if t.deleted[k] {
		return nil
	}
	if t.inserted[k] {
		delete(t.inserted, k)
		delete(t.rows, k)
		return nil
	}
	if _, ok := base.Row(id); !ok {
		return errors.Errorf("no %s row %s", name, id)
	}
	t.depend(k, base)
	delete(t.rows, k)
	t.deleted[k] = true
	return nil
}

func (t *stagedTxn) Abort() {
	t.done = true
	t.rows, t.inserted, t.deleted, t.order = nil, nil, nil, nil
}

func (t *stagedTxn) Error() string { return t.err }

func (t *stagedTxn) InsertedUUID(tmp uuid.UUID) (uuid.UUID, bool) {
	id, ok := t.assigned[tmp]
	return id, ok
}

func (t *stagedTxn) Commit() idl.Status {
	if t.done {
		t.err = "transaction is already complete"
		return idl.Error
	}
	t.done = true
	c := t.c
	if s, ok := c.popForced(); ok {
		switch s {
		case idl.TryAgain:
			c.Inject()
			return s
		case idl.Error, idl.NotLocked:
			t.err = "forced " + s.String()
			return s
		case idl.Aborted:
			return s
		}
	}
	if c.lockName != "" && !c.lockHeld.Load() {
		t.err = fmt.Sprintf("lock %s is not held", c.lockName)
		return idl.NotLocked
	}
	if len(t.rows) == 0 && len(t.deleted) == 0 {
		return idl.Unchanged
	}
	for k, v := range t.read {
		if c.tables[k.table].version(k.id) != v {
			return idl.TryAgain
		}
	}
	if c.pendingTouches(t.read) {
		return idl.TryAgain
	}
	if err := t.checkConstraints(); err != nil {
		t.err = err.Error()
		return idl.Error
	}
	t.apply()
	return idl.Success
}

// final returns the rows a table would hold after commit.
func (t *stagedTxn) final(name string, base *table) []*idl.Row {
	var rows []*idl.Row
	for _, r := range base.Rows() {
		k := rowKey{name, r.UUID}
		if t.deleted[k] {
			continue
		}
		if staged, ok := t.rows[k]; ok {
			r = staged
		}
		rows = append(rows, r)
	}
	for _, k := range t.order {
		if k.table == name && t.inserted[k] {
			rows = append(rows, t.rows[k])
		}
	}
	return rows
}

func (t *stagedTxn) touchedTables() []string {
	seen := make(map[string]bool)
	for k := range t.rows {
		seen[k.table] = true
	}
	for k := range t.deleted {
		seen[k.table] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *stagedTxn) checkConstraints() error {
	for _, name := range t.touchedTables() {
		base := t.c.tables[name]
		rows := t.final(name, base)
		ts := base.schema
		if ts.MaxRows > 0 && len(rows) > ts.MaxRows {
			return errors.Errorf("constraint violation: transaction causes %q table to contain %d rows, greater than the schema-defined limit of %d row(s)", name, len(rows), ts.MaxRows)
		}
		for _, idx := range ts.Indexes {
			seen := make(map[string]bool, len(rows))
			for _, r := range rows {
				key := indexKey(r, idx)
				if seen[key] {
					return errors.Errorf("constraint violation: transaction causes multiple rows in %q table to have identical values (%s) for index on %s", name, indexValues(r, idx), indexColumns(idx))
				}
				seen[key] = true
			}
		}
	}
	return nil
}

func indexKey(r *idl.Row, columns []string) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		v, _ := r.Get(col)
		parts[i] = idl.Key(v)
	}
	return strings.Join(parts, "\x00")
}

func indexValues(r *idl.Row, columns []string) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		v, _ := r.Get(col)
		parts[i] = idl.Format(v)
	}
	return strings.Join(parts, ", ")
}

func indexColumns(columns []string) string {
	if len(columns) == 1 {
		return fmt.Sprintf("column %q", columns[0])
	}
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = fmt.Sprintf("%q", col)
	}
	return "columns " + strings.Join(quoted, ", ")
}

func (t *stagedTxn) apply() {
	c := t.c
	for _, k := range t.order {
		if t.inserted[k] {
			t.assigned[k.id] = uuid.New()
		}
	}
	seqno := c.seqno.Inc()
	var deleted []rowKey
	for k := range t.deleted {
		deleted = append(deleted, k)
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i].table < deleted[j].table })
	for _, k := range deleted {
		if old, ok := c.tables[k.table].remove(k.id); ok {
			c.notify(idl.EventDelete, old, nil)
		}
	}
	for k, row := range t.rows {
		if t.inserted[k] {
			continue
		}
		t.rewriteRefs(row)
		base := c.tables[k.table]
		old, _ := base.Row(k.id)
		base.put(row, seqno)
		c.notify(idl.EventUpdate, row, old)
	}
	for _, k := range t.order {
		if !t.inserted[k] {
			continue
		}
		row := t.rows[k]
		row.UUID = t.assigned[k.id]
		t.rewriteRefs(row)
		c.tables[k.table].put(row, seqno)
		c.notify(idl.EventCreate, row, nil)
	}
}

func (t *stagedTxn) rewriteRefs(row *idl.Row) {
	for name, v := range row.Fields {
		row.Fields[name] = t.rewrite(v)
	}
}

func (t *stagedTxn) rewrite(v interface{}) interface{} {
	switch x := v.(type) {
	case uuid.UUID:
		if id, ok := t.assigned[x]; ok {
			return id
		}
	case idl.Set:
		out := make(idl.Set, len(x))
		for i, e := range x {
			out[i] = t.rewrite(e)
		}
		return out
	case idl.Map:
		out := make(idl.Map, len(x))
		for k, e := range x {
			out[t.rewrite(k)] = t.rewrite(e)
		}
		return out
	}
	return v
}

// stagedTable is the view of a table through a staging transaction.
type stagedTable struct {
	txn  *stagedTxn
	base *table
}

func (s *stagedTable) Schema() *schema.TableSchema { return s.base.schema }

func (s *stagedTable) Row(id uuid.UUID) (*idl.Row, bool) {
	k := rowKey{s.base.schema.Name, id}
	if s.txn.deleted[k] {
		return nil, false
	}
	if r, ok := s.txn.rows[k]; ok {
		return r, true
	}
	return s.base.Row(id)
}

func (s *stagedTable) Rows() []*idl.Row {
	return s.txn.final(s.base.schema.Name, s.base)
}

func (s *stagedTable) Lookup(column string, value interface{}) ([]*idl.Row, bool) {
	hits, indexed := s.base.Lookup(column, value)
	if !indexed {
		return nil, false
	}
	key, ok := s.base.lookupKey(column, value)
	if !ok {
		return nil, true
	}
	name := s.base.schema.Name
	var rows []*idl.Row
	for _, r := range hits {
		k := rowKey{name, r.UUID}
		if s.txn.deleted[k] {
			continue
		}
		if _, staged := s.txn.rows[k]; staged {
			continue
		}
		rows = append(rows, r)
	}
	for _, r := range s.txn.final(name, s.base) {
		if _, staged := s.txn.rows[rowKey{name, r.UUID}]; staged && idl.Key(r.Fields[column]) == key {
			rows = append(rows, r)
		}
	}
	return rows, true
}
