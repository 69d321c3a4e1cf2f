// Package idl defines the local database cache a connection works against:
// replicated tables and rows, the change sequence, readiness notification and
// the staging transaction used to commit changes.
package idl

import (
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
	"github.com/pingcap/errors"
)

// ErrTimeout is returned by WaitForChange when the cache did not change in time.
var ErrTimeout = errors.New("timed out waiting for a database change")

// Table is a read view of one cached table.
type Table interface {
	Schema() *schema.TableSchema
	// Row returns the row with the given identity.
	Row(id uuid.UUID) (*Row, bool)
	// Rows returns all rows in a stable order.
	Rows() []*Row
	// Lookup returns the rows whose column equals value. indexed is false when
	// no index covers the column; rows is then nil and the caller should scan.
	Lookup(column string, value interface{}) (rows []*Row, indexed bool)
}

// View is a read view over the whole database.
type View interface {
	Schema() *schema.DatabaseSchema
	Table(name string) (Table, error)
}

// Status is the outcome of committing a staging transaction.
type Status int

const (
	Unchanged Status = iota
	Success
	TryAgain
	Error
	NotLocked
	Aborted
)

func (s Status) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Success:
		return "success"
	case TryAgain:
		return "try again"
	case Error:
		return "error"
	case NotLocked:
		return "not locked"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Txn is a staging transaction. Reads through its View see the staged
// changes on top of the cache. A Txn is used for one commit attempt only.
type Txn interface {
	View
	// Insert stages a new row and returns its temporary identity. The row is
	// visible through the View under that identity until commit.
	Insert(table string) (uuid.UUID, error)
	Set(table string, id uuid.UUID, column string, value interface{}) error
	// Verify asks the commit to fail with TryAgain when the column was
	// changed by someone else since this transaction read it.
	Verify(table string, id uuid.UUID, column string) error
	Delete(table string, id uuid.UUID) error
	Commit() Status
	Abort()
	// Error describes the last Error or NotLocked outcome.
	Error() string
	// InsertedUUID maps a temporary identity to the one assigned on commit.
	InsertedUUID(tmp uuid.UUID) (uuid.UUID, bool)
}

// Cache is the replicated local copy of a database. All methods but Ready
// and ChangeSeqno must be called from the goroutine owning the cache.
type Cache interface {
	View
	// ChangeSeqno increases every time the cache content changes.
	ChangeSeqno() uint64
	// Run processes pending input without blocking. It reports whether any
	// input was processed.
	Run() (bool, error)
	// Ready is signalled when input is pending.
	Ready() <-chan struct{}
	NewTxn() Txn
	HasEverConnected() bool
	ForceReconnect()
	Close() error
}

// Indexer is implemented by caches that can build secondary indexes on demand.
type Indexer interface {
	CreateIndex(table, column string) error
}

// Event is the kind of row change a Notifier is told about.
type Event string

const (
	EventCreate Event = "create"
	EventUpdate Event = "update"
	EventDelete Event = "delete"
)

// Notifier receives row changes applied to a cache. old is set for updates.
type Notifier interface {
	Notify(event Event, row, old *RowView)
}

// WaitForChange runs the cache until its change sequence moves past seqno or
// timeout elapses.
func WaitForChange(c Cache, timeout time.Duration, seqno uint64) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if _, err := c.Run(); err != nil {
			return errors.Trace(err)
		}
		if c.ChangeSeqno() != seqno {
			return nil
		}
		select {
		case <-c.Ready():
		case <-timer.C:
			return ErrTimeout
		}
	}
}
