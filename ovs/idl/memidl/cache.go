// Package memidl is an in-memory idl.Cache. Updates injected from any
// goroutine play the part of the replication stream; commits are checked for
// conflicts, index uniqueness, maxRows and the database lock the way an
// ovsdb-server would check them.
package memidl

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("cache is closed")

// Update is one row change of the replication stream. A nil Fields deletes
// the row; otherwise the listed columns are written, creating the row when it
// does not exist yet.
type Update struct {
	Table  string
	UUID   uuid.UUID
	Fields map[string]interface{}
}

// Cache is an in-memory database cache.
type Cache struct {
	schema *schema.DatabaseSchema
	tables map[string]*table

	seqno     atomic.Uint64
	connected atomic.Bool
	closed    atomic.Bool
	lockHeld  atomic.Bool
	lockName  string
	notifier  idl.Notifier

	ready chan struct{}

	mu         sync.Mutex
	pending    [][]Update
	forced     []idl.Status
	reconnects int
}

var _ idl.Cache = (*Cache)(nil)
var _ idl.Indexer = (*Cache)(nil)

// New creates an empty cache for the schema. The cache counts as connected
// once the first batch of input, possibly empty, has been processed.
func New(s *schema.DatabaseSchema) *Cache {
	c := &Cache{
		schema: s,
		tables: make(map[string]*table, len(s.Tables)),
		ready:  make(chan struct{}, 1),
	}
	for name, ts := range s.Tables {
		c.tables[name] = newTable(ts)
	}
	return c
}

func (c *Cache) Schema() *schema.DatabaseSchema { return c.schema }

func (c *Cache) Table(name string) (idl.Table, error) {
	t, ok := c.tables[name]
	if !ok {
		return nil, errors.Errorf("no table named %s", name)
	}
	return t, nil
}

func (c *Cache) ChangeSeqno() uint64 { return c.seqno.Load() }

func (c *Cache) Ready() <-chan struct{} { return c.ready }

func (c *Cache) HasEverConnected() bool { return c.connected.Load() }

// SetNotifier registers the receiver of row changes. It must be set before
// the cache is handed to a connection.
func (c *Cache) SetNotifier(n idl.Notifier) { c.notifier = n }

// RequireLock makes commits fail with NotLocked unless the named lock is held.
func (c *Cache) RequireLock(name string) { c.lockName = name }

// SetLockHeld simulates the server granting or revoking the lock.
func (c *Cache) SetLockHeld(held bool) { c.lockHeld.Store(held) }

// Connect queues the initial, empty replication batch.
func (c *Cache) Connect() { c.Inject() }

// Inject queues a batch of updates as protocol input. It is safe to call from
// any goroutine.
func (c *Cache) Inject(updates ...Update) {
	c.mu.Lock()
	c.pending = append(c.pending, updates)
	c.mu.Unlock()
	c.signal()
}

// FailNextCommits forces the outcome of the next commits. A forced TryAgain
// also queues an empty batch, standing for the update the commit raced with.
func (c *Cache) FailNextCommits(statuses ...idl.Status) {
	c.mu.Lock()
	c.forced = append(c.forced, statuses...)
	c.mu.Unlock()
}

// Reconnects returns how many times ForceReconnect was called.
func (c *Cache) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *Cache) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// ForceReconnect drops the session; the resync arrives as a new batch.
func (c *Cache) ForceReconnect() {
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
	log.Info("forcing cache reconnect", zap.String("database", c.schema.Name))
	c.Inject()
}

func (c *Cache) Close() error {
	c.closed.Store(true)
	return nil
}

// Run applies all pending batches.
func (c *Cache) Run() (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	c.mu.Lock()
	batches := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(batches) == 0 {
		return false, nil
	}
	var firstErr error
	for _, batch := range batches {
		seqno := c.seqno.Inc()
		for _, u := range batch {
			if err := c.apply(u, seqno); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	c.connected.Store(true)
	return true, firstErr
}

func (c *Cache) apply(u Update, seqno uint64) error {
	t, ok := c.tables[u.Table]
	if !ok {
		return errors.Errorf("update for unknown table %s", u.Table)
	}
	if u.Fields == nil {
		if old, ok := t.remove(u.UUID); ok {
			c.notify(idl.EventDelete, old, nil)
		}
		return nil
	}
	var row *idl.Row
	old, exists := t.Row(u.UUID)
	if exists {
		row = old.Clone()
	} else {
		row = idl.NewRow(t.schema, u.UUID)
	}
	for name, v := range u.Fields {
		col := t.schema.Column(name)
		if col == nil {
			return errors.Errorf("update for unknown column %s.%s", u.Table, name)
		}
		cv, err := convert(col, v)
		if err != nil {
			return errors.Annotatef(err, "update of %s row %s", u.Table, u.UUID)
		}
		row.Fields[name] = cv
	}
	t.put(row, seqno)
	if exists {
		c.notify(idl.EventUpdate, row, old)
	} else {
		c.notify(idl.EventCreate, row, nil)
	}
	return nil
}

func (c *Cache) notify(event idl.Event, row, old *idl.Row) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(event, idl.NewRowView(row), idl.NewRowView(old))
}

// CreateIndex adds a secondary index on a column.
func (c *Cache) CreateIndex(table, column string) error {
	t, ok := c.tables[table]
	if !ok {
		return errors.Errorf("no table named %s", table)
	}
	return t.createIndex(column)
}

func (c *Cache) NewTxn() idl.Txn {
	return newTxn(c)
}

func (c *Cache) popForced() (idl.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.forced) == 0 {
		return 0, false
	}
	s := c.forced[0]
	c.forced = c.forced[1:]
	return s, true
}

// pendingTouches reports whether queued input changes any of the rows.
func (c *Cache) pendingTouches(rows map[rowKey]uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, batch := range c.pending {
		for _, u := range batch {
			if _, ok := rows[rowKey{u.Table, u.UUID}]; ok {
				return true
			}
		}
	}
	return false
}
