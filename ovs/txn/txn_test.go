package txn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl/memidl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl/memidl/memtest"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runner is a minimal connection: it runs queued transactions one by one.
type runner struct {
	cache   *memidl.Cache
	timeout time.Duration
	queue   chan *Transaction
	done    chan struct{}
}

func newRunner(t *testing.T, rows ...memidl.Update) *runner {
	r := &runner{
		cache:   memtest.NewCache(t, rows...),
		timeout: 5 * time.Second,
		queue:   make(chan *Transaction, 1),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		for tx := range r.queue {
			tx.Deliver(tx.Run(r.cache))
		}
	}()
	return r
}

func (r *runner) stop() {
	close(r.queue)
	<-r.done
}

func (r *runner) Queue(ctx context.Context, t *Transaction) error {
	r.queue <- t
	return nil
}

func (r *runner) Timeout() time.Duration { return r.timeout }

func (r *runner) CreateTransaction(opts Options) *Transaction { return New(r, opts) }

func (r *runner) bridges(t *testing.T) []*idl.Row {
	tbl, err := r.cache.Table("Bridge")
	require.NoError(t, err)
	return tbl.Rows()
}

type addBridge struct {
	Base
	name   string
	tmp    uuid.UUID
	stages int
}

func (c *addBridge) Stage(tx idl.Txn) error {
	c.stages++
	id, err := tx.Insert("Bridge")
	if err != nil {
		return err
	}
	c.tmp = id
	c.SetResult(id)
	return tx.Set("Bridge", id, "name", c.name)
}

func (c *addBridge) PostCommit(tx idl.Txn) error {
	id, ok := tx.InsertedUUID(c.tmp)
	if !ok {
		return errors.New("bridge was not inserted")
	}
	c.SetResult(id)
	return nil
}

func (c *addBridge) String() string { return fmt.Sprintf("addBridge(%s)", c.name) }

type setExternalID struct {
	Base
	bridge     Arg
	key, value string
	seen       []interface{}
}

func (c *setExternalID) Stage(tx idl.Txn) error {
	id, ok := c.bridge.Resolve().(uuid.UUID)
	if !ok {
		return errors.Errorf("bad bridge %v", c.bridge)
	}
	c.seen = append(c.seen, id)
	return tx.Set("Bridge", id, "external_ids", map[string]string{c.key: c.value})
}

type failing struct {
	Base
	stages int
}

func (c *failing) Stage(tx idl.Txn) error {
	c.stages++
	return errors.New("boom")
}

type countBridges struct {
	Base
	ReadOnly
}

func (c *countBridges) Stage(tx idl.Txn) error {
	tbl, err := tx.Table("Bridge")
	if err != nil {
		return err
	}
	c.SetResult(len(tbl.Rows()))
	return nil
}

type oneShot struct {
	addBridge
	NoReplay
}

func TestCommitReturnsResults(t *testing.T) {
	r := newRunner(t)
	defer r.stop()
	tx := r.CreateTransaction(Options{CheckError: true})
	add := tx.Add(&addBridge{name: "br0"}).(*addBridge)
	results, err := tx.Commit(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	rows := r.bridges(t)
	require.Len(t, rows, 1)
	assert.Equal(t, rows[0].UUID, results[0])
	assert.Equal(t, rows[0].UUID, add.Result())

	_, err = tx.Commit(context.Background())
	assert.Error(t, err)
}

func TestFromCommandArg(t *testing.T) {
	r := newRunner(t)
	defer r.stop()
	tx := r.CreateTransaction(Options{CheckError: true})
	add := &addBridge{name: "br0"}
	set := &setExternalID{bridge: FromCommand(add), key: "k", value: "v"}
	tx.Extend(add, set)
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)
	rows := r.bridges(t)
	require.Len(t, rows, 1)
	assert.Equal(t, idl.Map{"k": "v"}, rows[0].Fields["external_ids"])
	assert.Equal(t, []interface{}{add.tmp}, set.seen)
}

func TestStageFailureAbortsEverything(t *testing.T) {
	for _, opts := range []Options{{CheckError: true, LogErrors: true}, DefaultOptions()} {
		r := newRunner(t)
		tx := r.CreateTransaction(opts)
		tx.Add(&addBridge{name: "br0"})
		bad := &failing{}
		tx.Add(bad)
		results, err := tx.Commit(context.Background())
		if opts.CheckError {
			require.Error(t, err)
			failure, ok := err.(*CommandFailure)
			require.True(t, ok)
			assert.Equal(t, 1, failure.Index)
			assert.Equal(t, 1, failure.Attempt)
			assert.True(t, failure.Command == Command(bad))
		} else {
			assert.NoError(t, err)
			assert.Nil(t, results)
		}
		assert.Empty(t, r.bridges(t))
		r.stop()
	}
}

func TestRetryReplaysEveryCommand(t *testing.T) {
	r := newRunner(t)
	defer r.stop()
	r.cache.FailNextCommits(idl.TryAgain)
	tx := r.CreateTransaction(Options{CheckError: true})
	first := &addBridge{name: "br0"}
	second := &addBridge{name: "br1"}
	tx.Extend(first, second)
	results, err := tx.Commit(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, first.stages)
	assert.Equal(t, 2, second.stages)
	assert.Len(t, r.bridges(t), 2)
}

func TestRetryWithOneShotCommand(t *testing.T) {
	r := newRunner(t)
	defer r.stop()
	r.cache.FailNextCommits(idl.TryAgain)
	tx := r.CreateTransaction(Options{CheckError: true})
	cmd := &oneShot{addBridge: addBridge{name: "br0"}}
	tx.Add(cmd)
	_, err := tx.Commit(context.Background())
	failure, ok := err.(*CommandFailure)
	require.True(t, ok, "%v", err)
	assert.Equal(t, ErrNotReplayable, failure.Err)
	assert.Equal(t, 1, cmd.stages)
	assert.Empty(t, r.bridges(t))
}

func TestRetryBoundedByDeadline(t *testing.T) {
	r := newRunner(t)
	defer r.stop()
	r.cache.FailNextCommits(idl.TryAgain)
	tx := New(r, Options{Timeout: time.Nanosecond})
	tx.Add(&addBridge{name: "br0"})
	// The runner goroutine is idle, so the cache can be used from here.
	out := tx.Run(r.cache)
	assert.Equal(t, StateTimedOut, out.State)
	assert.True(t, IsTimeout(out.Err))
}

func TestDatabaseError(t *testing.T) {
	r := newRunner(t, memtest.Row("Bridge", map[string]interface{}{"name": "br0"}))
	defer r.stop()

	tx := r.CreateTransaction(Options{CheckError: true})
	tx.Add(&addBridge{name: "br0"})
	_, err := tx.Commit(context.Background())
	dbErr, ok := err.(*DatabaseError)
	require.True(t, ok, "%v", err)
	assert.Contains(t, dbErr.Message, "OVSDB Error: ")
	assert.Len(t, dbErr.Commands, 1)

	tx = r.CreateTransaction(DefaultOptions())
	tx.Add(&addBridge{name: "br0"})
	results, err := tx.Commit(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, results)
}

func TestNotLocked(t *testing.T) {
	r := newRunner(t)
	defer r.stop()
	r.cache.RequireLock("lock")
	tx := r.CreateTransaction(Options{CheckError: true})
	tx.Add(&addBridge{name: "br0"})
	_, err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.Equal(t, "OVSDB Error: "+notLockedMessage, err.Error())
}

func TestReadOnlySkipsCommit(t *testing.T) {
	r := newRunner(t, memtest.Row("Bridge", map[string]interface{}{"name": "br0"}))
	defer r.stop()
	// A forced failure would surface if the transaction were committed.
	r.cache.FailNextCommits(idl.Error)
	tx := r.CreateTransaction(Options{CheckError: true})
	tx.Add(&countBridges{})
	results, err := tx.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1}, results)
}

type blackhole struct{}

func (blackhole) Queue(ctx context.Context, t *Transaction) error { return nil }
func (blackhole) Timeout() time.Duration                          { return 10 * time.Millisecond }

func TestCommitTimeout(t *testing.T) {
	for _, opts := range []Options{{}, {CheckError: true}} {
		tx := New(blackhole{}, opts)
		cmd := tx.Add(&addBridge{name: "br0"})
		_, err := tx.Commit(context.Background())
		timeout, ok := err.(*TimeoutExceeded)
		require.True(t, ok, "%v", err)
		assert.Equal(t, []Command{cmd}, timeout.Commands)
		assert.Equal(t, 10*time.Millisecond, timeout.Timeout)
		assert.Contains(t, err.Error(), "addBridge(br0)")
	}
}

func TestCommitContextDeadline(t *testing.T) {
	tx := New(blackhole{}, Options{Timeout: time.Minute})
	tx.Add(&addBridge{name: "br0"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := tx.Commit(ctx)
	assert.True(t, IsTimeout(err))

	tx = New(blackhole{}, Options{Timeout: time.Minute})
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = tx.Commit(ctx)
	assert.Equal(t, context.Canceled, errors.Cause(err))
}

func TestNestedScopesShareTransaction(t *testing.T) {
	r := newRunner(t)
	defer r.stop()
	var outer, inner *Transaction
	results, err := WithTransaction(context.Background(), r, Options{CheckError: true}, func(ctx context.Context, t1 *Transaction) error {
		outer = t1
		t1.Add(&addBridge{name: "br0"})
		innerResults, err := WithTransaction(ctx, r, Options{CheckError: true}, func(ctx context.Context, t2 *Transaction) error {
			inner = t2
			t2.Add(&addBridge{name: "br1"})
			return nil
		})
		assert.Nil(t, innerResults)
		return err
	})
	require.NoError(t, err)
	assert.True(t, outer == inner)
	assert.Len(t, results, 2)
	assert.Len(t, r.bridges(t), 2)
}

func TestIsolatedScopes(t *testing.T) {
	r := newRunner(t)
	defer r.stop()
	var outer, inner *Transaction
	_, err := WithTransaction(context.Background(), r, Options{CheckError: true}, func(ctx context.Context, t1 *Transaction) error {
		outer = t1
		t1.Add(&addBridge{name: "br0"})
		results, err := WithTransaction(ctx, r, Options{CheckError: true, Isolated: true}, func(ctx context.Context, t2 *Transaction) error {
			inner = t2
			t2.Add(&addBridge{name: "br1"})
			return nil
		})
		// The isolated transaction committed on its own.
		assert.Len(t, results, 1)
		assert.Len(t, r.bridges(t), 1)
		return err
	})
	require.NoError(t, err)
	assert.False(t, outer == inner)
	assert.Len(t, r.bridges(t), 2)
}

func TestConcurrentScopesAreDistinct(t *testing.T) {
	r := newRunner(t)
	defer r.stop()
	var wg sync.WaitGroup
	txs := make([]*Transaction, 2)
	for i := range txs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := WithTransaction(context.Background(), r, Options{CheckError: true}, func(ctx context.Context, tx *Transaction) error {
				txs[i] = tx
				tx.Add(&addBridge{name: fmt.Sprintf("br%d", i)})
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.False(t, txs[0] == txs[1])
	assert.Len(t, r.bridges(t), 2)
}

func TestScopeErrorSkipsCommit(t *testing.T) {
	r := newRunner(t)
	defer r.stop()
	var scoped context.Context
	_, err := WithTransaction(context.Background(), r, DefaultOptions(), func(ctx context.Context, tx *Transaction) error {
		scoped = ctx
		tx.Add(&addBridge{name: "br0"})
		return errors.New("changed my mind")
	})
	assert.Error(t, err)
	assert.Empty(t, r.bridges(t))
	_, ok := FromContext(context.Background(), r)
	assert.False(t, ok)
	_, ok = FromContext(scoped, r)
	assert.True(t, ok)
}

func TestExecute(t *testing.T) {
	r := newRunner(t)
	defer r.stop()
	res, err := Execute(context.Background(), r, &addBridge{name: "br0"}, Options{CheckError: true})
	require.NoError(t, err)
	rows := r.bridges(t)
	require.Len(t, rows, 1)
	assert.Equal(t, rows[0].UUID, res)

	_, err = Execute(context.Background(), r, &failing{}, Options{CheckError: true})
	assert.Error(t, err)
}

func TestResolveValue(t *testing.T) {
	add := &addBridge{}
	id := uuid.New()
	add.SetResult(id)
	v := ResolveValue(map[string]interface{}{
		"lit": Literal("x"),
		"ref": FromCommand(add),
		"cmd": add,
		"set": idl.Set{FromCommand(add), "y"},
	})
	assert.Equal(t, map[string]interface{}{
		"lit": "x",
		"ref": id,
		"cmd": id,
		"set": idl.Set{id, "y"},
	}, v)
	assert.Nil(t, Literal("x").Command())
	assert.Equal(t, "result of addBridge()", FromCommand(add).String())
}
