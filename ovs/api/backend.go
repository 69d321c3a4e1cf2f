// Package api is the entry point for applications: a Backend binds a
// connection to a lookup table and builds transactions and commands.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/pingcap-incubator/tinyovsdb/ovs/commands"
	"github.com/pingcap-incubator/tinyovsdb/ovs/condition"
	"github.com/pingcap-incubator/tinyovsdb/ovs/conn"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/lookup"
	"github.com/pingcap-incubator/tinyovsdb/ovs/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ConnectionUnavailable is returned when the connection could not start.
type ConnectionUnavailable struct {
	Schema string
	Err    error
}

func (e *ConnectionUnavailable) Error() string {
	return fmt.Sprintf("OVS database connection to %s failed with error: '%v'. Verify that the OVS and OVN services are available and that the 'ovsdb_connection' configuration option is correct.", e.Schema, e.Err)
}

func (e *ConnectionUnavailable) Cause() error { return e.Err }

// Backend runs commands against one database connection.
type Backend struct {
	conn     *conn.Connection
	lookups  lookup.Table
	resolver *lookup.Resolver
}

// New binds a connection to a lookup table. A nil table resolves records
// by UUID and by single-column schema indexes only.
func New(c *conn.Connection, lookups lookup.Table) *Backend {
	return &Backend{
		conn:     c,
		lookups:  lookups,
		resolver: lookup.NewResolver(lookups),
	}
}

// Start creates the lookup indexes when autoIndex is set and the connection
// is not running yet, then starts the connection.
func (b *Backend) Start(ctx context.Context, autoIndex bool) error {
	if autoIndex {
		if b.conn.Running() {
			log.Debug("connection already started, not creating indices")
		} else if err := b.AutocreateIndices(ctx); err != nil {
			return err
		}
	}
	if err := b.conn.Start(); err != nil {
		e := &ConnectionUnavailable{Schema: b.conn.Schema().Name, Err: err}
		log.Error("connection unavailable", zap.Error(e))
		return e
	}
	return nil
}

// RestartConnection stops the connection and starts it again.
func (b *Backend) RestartConnection(timeout time.Duration) error {
	if !b.conn.Stop(timeout) {
		return errors.New("connection did not stop in time")
	}
	return b.conn.Start()
}

// Connection returns the underlying connection.
func (b *Backend) Connection() *conn.Connection { return b.conn }

// Resolver returns the resolver commands of this backend use.
func (b *Backend) Resolver() *lookup.Resolver { return b.resolver }

// CreateTransaction implements txn.Factory.
func (b *Backend) CreateTransaction(opts txn.Options) *txn.Transaction {
	return txn.New(b.conn, opts)
}

// Transaction runs fn in a transaction scope; nested scopes on the same
// context share one transaction. See txn.WithTransaction.
func (b *Backend) Transaction(ctx context.Context, opts txn.Options, fn func(ctx context.Context, t *txn.Transaction) error) ([]interface{}, error) {
	return txn.WithTransaction(ctx, b, opts, fn)
}

// Execute commits cmd, or adds it to the transaction open in ctx, and
// returns its result.
func (b *Backend) Execute(ctx context.Context, cmd txn.Command, opts txn.Options) (interface{}, error) {
	return txn.Execute(ctx, b, cmd, opts)
}

// Lookup resolves a record to a frozen row. A command given as record
// stands for its result.
func (b *Backend) Lookup(ctx context.Context, table string, record interface{}) (*idl.RowView, error) {
	if cmd, ok := record.(txn.Command); ok {
		if v, ok := cmd.Result().(*idl.RowView); ok {
			return v, nil
		}
		record = cmd.Result()
	}
	var view *idl.RowView
	err := b.conn.Call(ctx, func(c idl.Cache) error {
		row, err := b.resolver.Resolve(c, table, record)
		if err != nil {
			return err
		}
		view = idl.NewRowView(row)
		return nil
	})
	return view, err
}

// LookupDefault is Lookup returning def when the record does not exist.
func (b *Backend) LookupDefault(ctx context.Context, table string, record interface{}, def *idl.RowView) (*idl.RowView, error) {
	v, err := b.Lookup(ctx, table, record)
	if lookup.IsNotFound(err) {
		return def, nil
	}
	return v, err
}

// CreateIndex adds a secondary index on a column.
func (b *Backend) CreateIndex(ctx context.Context, table, column string) error {
	return b.conn.Call(ctx, func(c idl.Cache) error {
		ix, ok := c.(idl.Indexer)
		if !ok {
			return errors.New("cache does not support indexes")
		}
		return ix.CreateIndex(table, column)
	})
}

// AutocreateIndices indexes the column of every lookup entry that looks a
// table up by its own column, then the single-column schema index of the
// other tables.
func (b *Backend) AutocreateIndices(ctx context.Context) error {
	s := b.conn.Schema()
	done := make(map[string]bool)
	for table, rl := range b.lookups {
		if table != rl.Table || rl.Column == "" || rl.UUIDColumn != "" || s.Table(table) == nil {
			continue
		}
		if err := b.CreateIndex(ctx, table, rl.Column); err != nil {
			return errors.Annotatef(err, "lookup table index %s.%s", table, rl.Column)
		}
		log.Debug("created lookup table index", zap.String("table", table), zap.String("column", rl.Column))
		done[table] = true
	}
	for _, table := range s.TableNames() {
		if done[table] {
			continue
		}
		col := s.Table(table).IndexColumn()
		if col == "" || col == idl.UUIDColumn {
			continue
		}
		if err := b.CreateIndex(ctx, table, col); err != nil {
			return errors.Annotatef(err, "schema index %s.%s", table, col)
		}
		log.Debug("created schema index", zap.String("table", table), zap.String("column", col))
	}
	return nil
}

// HasTable reports whether the schema has the table.
func (b *Backend) HasTable(table string) bool {
	return b.conn.Schema().Table(table) != nil
}

// TableHasColumn reports whether the schema has the table and column.
func (b *Backend) TableHasColumn(table, column string) bool {
	t := b.conn.Schema().Table(table)
	return t != nil && t.Column(column) != nil
}

// SchemaVersionAtLeast compares the schema version with a semantic version.
func (b *Backend) SchemaVersionAtLeast(version string) (bool, error) {
	want, err := semver.NewVersion(version)
	if err != nil {
		return false, errors.Trace(err)
	}
	have := b.conn.Schema().Version
	if have == nil {
		return false, nil
	}
	return !have.LessThan(*want), nil
}

func (b *Backend) DbCreate(table string, columns map[string]interface{}) *commands.DbCreate {
	return commands.NewDbCreate(b.resolver, table, commands.Columns(columns)...)
}

// DbCreateRow is DbCreate returning a RowView once committed.
func (b *Backend) DbCreateRow(table string, columns map[string]interface{}) *commands.DbCreate {
	c := b.DbCreate(table, columns)
	c.AsRow = true
	return c
}

func (b *Backend) DbDestroy(table string, record interface{}) *commands.DbDestroy {
	return commands.NewDbDestroy(b.resolver, table, record)
}

// DbSet sets columns of a record. A missing record is not an error.
func (b *Backend) DbSet(table string, record interface{}, values ...commands.ColumnValue) *commands.DbSet {
	c := commands.NewDbSet(b.resolver, table, record, values...)
	c.IfExists = true
	return c
}

func (b *Backend) DbAdd(table string, record interface{}, column string, values ...interface{}) *commands.DbAdd {
	return commands.NewDbAdd(b.resolver, table, record, column, values...)
}

func (b *Backend) DbClear(table string, record interface{}, column string) *commands.DbClear {
	return commands.NewDbClear(b.resolver, table, record, column)
}

func (b *Backend) DbGet(table string, record interface{}, column string) *commands.DbGet {
	return commands.NewDbGet(b.resolver, table, record, column)
}

func (b *Backend) DbList(table string, records []interface{}, columns []string, ifExists bool) *commands.DbList {
	return commands.NewDbList(b.resolver, table, records, columns, ifExists)
}

func (b *Backend) DbListRows(table string, records []interface{}, ifExists bool) *commands.DbList {
	c := commands.NewDbList(b.resolver, table, records, nil, ifExists)
	c.AsRows = true
	return c
}

func (b *Backend) DbFind(table string, conds ...condition.Condition) *commands.DbFind {
	return commands.NewDbFind(b.resolver, table, conds...)
}

func (b *Backend) DbFindRows(table string, conds ...condition.Condition) *commands.DbFind {
	c := commands.NewDbFind(b.resolver, table, conds...)
	c.AsRows = true
	return c
}

func (b *Backend) DbRemove(table string, record interface{}, column string, values ...interface{}) *commands.DbRemove {
	return commands.NewDbRemove(b.resolver, table, record, column, values...)
}

func (b *Backend) GetRow(table string, record interface{}) *commands.GetRow {
	return commands.NewGetRow(b.resolver, table, record)
}
