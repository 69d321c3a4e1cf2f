package memidl

import (
	"bytes"
	"sort"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
	"github.com/pingcap/errors"
)

const indexDegree = 16

type entry struct {
	row *idl.Row
	// seq orders rows by insertion.
	seq uint64
	// version is the change sequence of the last modification.
	version uint64
}

type indexItem struct {
	key string
	id  uuid.UUID
}

func (i indexItem) Less(than btree.Item) bool {
	o := than.(indexItem)
	if i.key != o.key {
		return i.key < o.key
	}
	return bytes.Compare(i.id[:], o.id[:]) < 0
}

type table struct {
	schema  *schema.TableSchema
	rows    map[uuid.UUID]*entry
	indexes map[string]*btree.BTree
	nextSeq uint64
}

func newTable(ts *schema.TableSchema) *table {
	t := &table{
		schema:  ts,
		rows:    make(map[uuid.UUID]*entry),
		indexes: make(map[string]*btree.BTree),
	}
	for _, idx := range ts.Indexes {
		if len(idx) == 1 && idx[0] != idl.UUIDColumn {
			t.indexes[idx[0]] = btree.New(indexDegree)
		}
	}
	return t
}

func (t *table) Schema() *schema.TableSchema { return t.schema }

func (t *table) Row(id uuid.UUID) (*idl.Row, bool) {
	e, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	return e.row, true
}

func (t *table) Rows() []*idl.Row {
	entries := make([]*entry, 0, len(t.rows))
	for _, e := range t.rows {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	rows := make([]*idl.Row, len(entries))
	for i, e := range entries {
		rows[i] = e.row
	}
	return rows
}

func (t *table) Lookup(column string, value interface{}) ([]*idl.Row, bool) {
	idx, ok := t.indexes[column]
	if !ok {
		return nil, false
	}
	key, ok := t.lookupKey(column, value)
	if !ok {
		return nil, true
	}
	var rows []*idl.Row
	idx.AscendGreaterOrEqual(indexItem{key: key}, func(it btree.Item) bool {
		item := it.(indexItem)
		if item.key != key {
			return false
		}
		rows = append(rows, t.rows[item.id].row)
		return true
	})
	sort.Slice(rows, func(i, j int) bool { return t.rows[rows[i].UUID].seq < t.rows[rows[j].UUID].seq })
	return rows, true
}

// lookupKey converts a lookup value to the index key of the column. It fails
// when the value cannot be stored in the column, so nothing can match.
func (t *table) lookupKey(column string, value interface{}) (string, bool) {
	col := t.schema.Column(column)
	if col == nil {
		return "", false
	}
	v, err := convert(col, value)
	if err != nil {
		return "", false
	}
	return idl.Key(v), true
}

func (t *table) createIndex(column string) error {
	if t.schema.Column(column) == nil {
		return errors.Errorf("table %s has no column %s", t.schema.Name, column)
	}
	if _, ok := t.indexes[column]; ok {
		return nil
	}
	idx := btree.New(indexDegree)
	for id, e := range t.rows {
		idx.ReplaceOrInsert(indexItem{key: idl.Key(e.row.Fields[column]), id: id})
	}
	t.indexes[column] = idx
	return nil
}

// put inserts or replaces a row and keeps the indexes current.
func (t *table) put(row *idl.Row, version uint64) {
	if old, ok := t.rows[row.UUID]; ok {
		t.unindex(old.row)
		old.row, old.version = row, version
	} else {
		t.nextSeq++
		t.rows[row.UUID] = &entry{row: row, seq: t.nextSeq, version: version}
	}
	for column, idx := range t.indexes {
		idx.ReplaceOrInsert(indexItem{key: idl.Key(row.Fields[column]), id: row.UUID})
	}
}

func (t *table) remove(id uuid.UUID) (*idl.Row, bool) {
	e, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	t.unindex(e.row)
	delete(t.rows, id)
	return e.row, true
}

func (t *table) unindex(row *idl.Row) {
	for column, idx := range t.indexes {
		idx.Delete(indexItem{key: idl.Key(row.Fields[column]), id: row.UUID})
	}
}

func (t *table) version(id uuid.UUID) uint64 {
	if e, ok := t.rows[id]; ok {
		return e.version
	}
	return 0
}
