package memidl_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl/memidl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl/memidl/memtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []idl.Event
	rows   []*idl.RowView
}

func (r *recorder) Notify(event idl.Event, row, old *idl.RowView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.rows = append(r.rows, row)
}

func bridge(name string) memidl.Update {
	return memtest.Row("Bridge", map[string]interface{}{"name": name})
}

func table(t *testing.T, v idl.View, name string) idl.Table {
	tbl, err := v.Table(name)
	require.NoError(t, err)
	return tbl
}

func TestRunAppliesInjectedInput(t *testing.T) {
	c := memidl.New(memtest.Schema(t))
	assert.False(t, c.HasEverConnected())
	processed, err := c.Run()
	require.NoError(t, err)
	assert.False(t, processed)

	br := bridge("br0")
	c.Inject(br)
	select {
	case <-c.Ready():
	default:
		t.Fatal("inject must signal readiness")
	}
	seqno := c.ChangeSeqno()
	processed, err = c.Run()
	require.NoError(t, err)
	assert.True(t, processed)
	assert.True(t, c.HasEverConnected())
	assert.Equal(t, seqno+1, c.ChangeSeqno())

	row, ok := table(t, c, "Bridge").Row(br.UUID)
	require.True(t, ok)
	assert.Equal(t, "br0", row.Fields["name"])

	c.Inject(memidl.Update{Table: "Bridge", UUID: br.UUID})
	_, err = c.Run()
	require.NoError(t, err)
	_, ok = table(t, c, "Bridge").Row(br.UUID)
	assert.False(t, ok)
}

func TestIndexLookup(t *testing.T) {
	c := memtest.NewCache(t, bridge("br0"), bridge("br1"))
	rows, indexed := table(t, c, "Bridge").Lookup("name", "br1")
	require.True(t, indexed)
	require.Len(t, rows, 1)
	assert.Equal(t, "br1", rows[0].Fields["name"])

	_, indexed = table(t, c, "Bridge").Lookup("datapath_type", "system")
	assert.False(t, indexed)
	require.NoError(t, c.CreateIndex("Bridge", "datapath_type"))
	rows, indexed = table(t, c, "Bridge").Lookup("datapath_type", "")
	assert.True(t, indexed)
	assert.Len(t, rows, 2)
	assert.Error(t, c.CreateIndex("Bridge", "nope"))
}

func TestOptionalColumnLookup(t *testing.T) {
	c := memtest.NewCache(t, memtest.Row("Flow_Table", map[string]interface{}{"name": []string{"ft"}}))
	require.NoError(t, c.CreateIndex("Flow_Table", "name"))
	rows, indexed := table(t, c, "Flow_Table").Lookup("name", "ft")
	require.True(t, indexed)
	assert.Len(t, rows, 1)
}

func TestCommitInsertAndSet(t *testing.T) {
	c := memtest.NewCache(t)
	rec := &recorder{}
	c.SetNotifier(rec)

	txn := c.NewTxn()
	brID, err := txn.Insert("Bridge")
	require.NoError(t, err)
	require.NoError(t, txn.Set("Bridge", brID, "name", "br0"))
	portID, err := txn.Insert("Port")
	require.NoError(t, err)
	require.NoError(t, txn.Set("Port", portID, "name", "p0"))
	require.NoError(t, txn.Set("Bridge", brID, "ports", []uuid.UUID{portID}))

	staged, ok := table(t, txn, "Bridge").Row(brID)
	require.True(t, ok)
	assert.Equal(t, "br0", staged.Fields["name"])
	_, ok = table(t, c, "Bridge").Row(brID)
	assert.False(t, ok, "staged rows stay invisible in the cache")

	assert.Equal(t, idl.Success, txn.Commit())
	realBr, ok := txn.InsertedUUID(brID)
	require.True(t, ok)
	realPort, _ := txn.InsertedUUID(portID)
	row, ok := table(t, c, "Bridge").Row(realBr)
	require.True(t, ok)
	assert.Equal(t, idl.Set{realPort}, row.Fields["ports"])
	assert.Len(t, rec.events, 2)
}

func TestCommitUnchanged(t *testing.T) {
	br := bridge("br0")
	c := memtest.NewCache(t, br)
	txn := c.NewTxn()
	require.NoError(t, txn.Verify("Bridge", br.UUID, "name"))
	assert.Equal(t, idl.Unchanged, txn.Commit())
}

func TestImmutableColumn(t *testing.T) {
	br := bridge("br0")
	c := memtest.NewCache(t, br)
	txn := c.NewTxn()
	assert.Error(t, txn.Set("Bridge", br.UUID, "name", "br1"))
	assert.Error(t, txn.Set("Bridge", br.UUID, "stp_enable", "yes"))
	assert.NoError(t, txn.Set("Bridge", br.UUID, "stp_enable", true))
}

func TestCommitConflictWithPendingInput(t *testing.T) {
	br := bridge("br0")
	c := memtest.NewCache(t, br)
	txn := c.NewTxn()
	require.NoError(t, txn.Set("Bridge", br.UUID, "external_ids", map[string]string{"k": "v"}))
	c.Inject(memidl.Update{Table: "Bridge", UUID: br.UUID, Fields: map[string]interface{}{"datapath_type": "netdev"}})
	assert.Equal(t, idl.TryAgain, txn.Commit())

	seqno := c.ChangeSeqno()
	require.NoError(t, idl.WaitForChange(c, 0, seqno))
	txn = c.NewTxn()
	require.NoError(t, txn.Set("Bridge", br.UUID, "external_ids", map[string]string{"k": "v"}))
	assert.Equal(t, idl.Success, txn.Commit())
	row, _ := table(t, c, "Bridge").Row(br.UUID)
	assert.Equal(t, "netdev", row.Fields["datapath_type"])
	assert.Equal(t, idl.Map{"k": "v"}, row.Fields["external_ids"])
}

func TestCommitConstraints(t *testing.T) {
	c := memtest.NewCache(t, bridge("br0"), memtest.Row("Open_vSwitch", map[string]interface{}{}))

	txn := c.NewTxn()
	id, err := txn.Insert("Bridge")
	require.NoError(t, err)
	require.NoError(t, txn.Set("Bridge", id, "name", "br0"))
	assert.Equal(t, idl.Error, txn.Commit())
	assert.Contains(t, txn.Error(), "identical values")

	txn = c.NewTxn()
	_, err = txn.Insert("Open_vSwitch")
	require.NoError(t, err)
	assert.Equal(t, idl.Error, txn.Commit())
	assert.Contains(t, txn.Error(), "limit of 1 row")
	assert.Len(t, table(t, c, "Bridge").Rows(), 1)
}

func TestLockRequired(t *testing.T) {
	c := memtest.NewCache(t)
	c.RequireLock("ovs_lock")
	txn := c.NewTxn()
	_, err := txn.Insert("Bridge")
	require.NoError(t, err)
	assert.Equal(t, idl.NotLocked, txn.Commit())

	c.SetLockHeld(true)
	txn = c.NewTxn()
	_, err = txn.Insert("Bridge")
	require.NoError(t, err)
	assert.Equal(t, idl.Success, txn.Commit())
}

func TestDeleteAndAbort(t *testing.T) {
	br := bridge("br0")
	c := memtest.NewCache(t, br, bridge("br1"))
	txn := c.NewTxn()
	require.NoError(t, txn.Delete("Bridge", br.UUID))
	assert.Len(t, table(t, txn, "Bridge").Rows(), 1)
	rows, _ := table(t, txn, "Bridge").Lookup("name", "br0")
	assert.Empty(t, rows)
	txn.Abort()
	assert.Len(t, table(t, c, "Bridge").Rows(), 2)

	txn = c.NewTxn()
	require.NoError(t, txn.Delete("Bridge", br.UUID))
	assert.Equal(t, idl.Success, txn.Commit())
	assert.Len(t, table(t, c, "Bridge").Rows(), 1)
}

func TestForcedOutcomes(t *testing.T) {
	c := memtest.NewCache(t)
	c.FailNextCommits(idl.TryAgain)
	seqno := c.ChangeSeqno()
	txn := c.NewTxn()
	_, err := txn.Insert("Bridge")
	require.NoError(t, err)
	assert.Equal(t, idl.TryAgain, txn.Commit())
	require.NoError(t, idl.WaitForChange(c, 0, seqno))

	txn = c.NewTxn()
	_, err = txn.Insert("Bridge")
	require.NoError(t, err)
	assert.Equal(t, idl.Success, txn.Commit())
}

func TestWaitForChangeTimesOut(t *testing.T) {
	c := memtest.NewCache(t)
	// Drain the readiness left over from setup.
	<-c.Ready()
	assert.Equal(t, idl.ErrTimeout, idl.WaitForChange(c, 0, c.ChangeSeqno()))
}

func TestParseData(t *testing.T) {
	s := memtest.Schema(t)
	updates, err := memidl.ParseData(s, []byte(`
Bridge:
  - name: br0
    protocols: [OpenFlow13]
    external_ids: {owner: test}
Port:
  - _uuid: 2f6d4a37-7bd0-4b9c-9d3e-3f1f0b6c6b11
    name: p0
    tag: 10
`))
	require.NoError(t, err)
	c := memidl.New(s)
	c.Inject(updates...)
	_, err = c.Run()
	require.NoError(t, err)
	port, ok := table(t, c, "Port").Row(uuid.MustParse("2f6d4a37-7bd0-4b9c-9d3e-3f1f0b6c6b11"))
	require.True(t, ok)
	assert.Equal(t, idl.Set{int64(10)}, port.Fields["tag"])
	rows, _ := table(t, c, "Bridge").Lookup("name", "br0")
	require.Len(t, rows, 1)
	assert.Equal(t, idl.Set{"OpenFlow13"}, rows[0].Fields["protocols"])

	_, err = memidl.ParseData(s, []byte(`Nope: [{}]`))
	assert.Error(t, err)
}
