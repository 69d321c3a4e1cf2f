package commands

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/condition"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl/memidl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl/memidl/memtest"
	"github.com/pingcap-incubator/tinyovsdb/ovs/lookup"
	"github.com/pingcap-incubator/tinyovsdb/ovs/txn"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queuer struct{}

func (queuer) Queue(ctx context.Context, t *txn.Transaction) error { return nil }
func (queuer) Timeout() time.Duration                              { return time.Second }

var resolver = lookup.NewResolver(lookup.OpenVSwitch)

// run stages and commits cmds on the calling goroutine.
func run(t *testing.T, cache *memidl.Cache, cmds ...txn.Command) txn.Outcome {
	tx := txn.New(queuer{}, txn.Options{})
	tx.Extend(cmds...)
	return tx.Run(cache)
}

func mustRun(t *testing.T, cache *memidl.Cache, cmds ...txn.Command) []interface{} {
	out := run(t, cache, cmds...)
	require.NoError(t, out.Err)
	return out.Results
}

func row(t *testing.T, cache *memidl.Cache, table string, id uuid.UUID) *idl.Row {
	tbl, err := cache.Table(table)
	require.NoError(t, err)
	r, ok := tbl.Row(id)
	require.True(t, ok, "%s row %s", table, id)
	return r
}

func fixture(t *testing.T) (*memidl.Cache, memidl.Update, memidl.Update) {
	port := memtest.Row("Port", map[string]interface{}{
		"name":         "p0",
		"tag":          idl.Some(10),
		"trunks":       []int{1, 2, 3},
		"external_ids": map[string]string{"owner": "ops"},
	})
	br := memtest.Row("Bridge", map[string]interface{}{
		"name":          "br0",
		"ports":         idl.Set{port.UUID},
		"datapath_type": "netdev",
		"protocols":     []string{"OpenFlow13"},
		"fail_mode":     idl.Some("secure"),
		"external_ids":  map[string]string{"a": "1", "b": "2"},
	})
	return memtest.NewCache(t, port, br), port, br
}

func TestCreateWithReferences(t *testing.T) {
	cache, _, br := fixture(t)
	port := NewDbCreate(resolver, "Port", ColumnValue{"name", "p1"})
	port.AsRow = true
	add := NewDbAdd(resolver, "Bridge", "br0", "ports", txn.FromCommand(port))
	ctl := NewDbCreate(resolver, "Controller", Columns(map[string]interface{}{"target": "tcp:127.0.0.1:6653"})...)
	set := NewDbSet(resolver, "Bridge", br.UUID, ColumnValue{"controller", idl.Set{txn.FromCommand(ctl)}})

	results := mustRun(t, cache, port, add, ctl, set)
	view, ok := results[0].(*idl.RowView)
	require.True(t, ok)
	assert.Equal(t, "p1", view.Value("name"))
	ctlID, ok := results[2].(uuid.UUID)
	require.True(t, ok)

	bridge := row(t, cache, "Bridge", br.UUID)
	assert.True(t, idl.Contains(bridge.Fields["ports"].(idl.Set), view.UUID()))
	assert.Len(t, bridge.Fields["ports"], 2)
	assert.Equal(t, idl.Set{ctlID}, bridge.Fields["controller"])
	assert.Equal(t, "tcp:127.0.0.1:6653", row(t, cache, "Controller", ctlID).Fields["target"])
}

func TestDbSet(t *testing.T) {
	cache, _, br := fixture(t)
	mustRun(t, cache, NewDbSet(resolver, "Bridge", "br0",
		ColumnValue{"external_ids", map[string]string{"b": "20", "c": "3"}},
		ColumnValue{"stp_enable", true},
		ColumnValue{"fail_mode", idl.Absent},
	))
	bridge := row(t, cache, "Bridge", br.UUID)
	assert.Equal(t, idl.Map{"a": "1", "b": "20", "c": "3"}, bridge.Fields["external_ids"])
	assert.Equal(t, true, bridge.Fields["stp_enable"])
	assert.Equal(t, idl.Set{}, bridge.Fields["fail_mode"])

	out := run(t, cache, NewDbSet(resolver, "Bridge", "br9", ColumnValue{"stp_enable", false}))
	assert.True(t, lookup.IsNotFound(errorCause(out.Err)))

	set := NewDbSet(resolver, "Bridge", "br9", ColumnValue{"stp_enable", false})
	set.IfExists = true
	assert.Equal(t, txn.StateUnchanged, run(t, cache, set).State)
}

func errorCause(err error) error {
	if f, ok := err.(*txn.CommandFailure); ok {
		return f.Err
	}
	return err
}

func TestDbSetMergeReplaysAfterConflict(t *testing.T) {
	cache, _, br := fixture(t)
	cache.Inject(memidl.Update{Table: "Bridge", UUID: br.UUID, Fields: map[string]interface{}{
		"external_ids": map[string]string{"a": "1", "b": "2", "theirs": "x"},
	}})
	cache.FailNextCommits(idl.TryAgain)
	set := NewDbSet(resolver, "Bridge", "br0", ColumnValue{"external_ids", map[string]string{"mine": "y"}})
	out := run(t, cache, set)
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, idl.Map{"a": "1", "b": "2", "theirs": "x", "mine": "y"}, row(t, cache, "Bridge", br.UUID).Fields["external_ids"])
}

func TestDbAdd(t *testing.T) {
	cache, port, _ := fixture(t)
	mustRun(t, cache,
		NewDbAdd(resolver, "Port", "p0", "external_ids", map[string]string{"owner": "dev", "team": "net"}),
		NewDbAdd(resolver, "Port", "p0", "trunks", 3, 4, []int{5, 6}),
	)
	p := row(t, cache, "Port", port.UUID)
	assert.Equal(t, idl.Map{"owner": "ops", "team": "net"}, p.Fields["external_ids"])
	assert.True(t, idl.Equal(idl.Set{int64(1), int64(2), int64(3), int64(4), int64(5), int64(6)}, p.Fields["trunks"]))

	out := run(t, cache, NewDbAdd(resolver, "Port", "p0", "name", "x"))
	assert.Error(t, out.Err)
	out = run(t, cache, NewDbAdd(resolver, "Port", "p0", "external_ids", "x"))
	assert.Error(t, out.Err)
}

func TestDbClear(t *testing.T) {
	cache, port, br := fixture(t)
	mustRun(t, cache,
		NewDbClear(resolver, "Bridge", "br0", "fail_mode"),
		NewDbClear(resolver, "Bridge", "br0", "external_ids"),
		NewDbClear(resolver, "Port", "p0", "trunks"),
	)
	bridge := row(t, cache, "Bridge", br.UUID)
	assert.Equal(t, idl.Set{}, bridge.Fields["fail_mode"])
	assert.Equal(t, idl.Map{}, bridge.Fields["external_ids"])
	assert.Equal(t, idl.Set{}, row(t, cache, "Port", port.UUID).Fields["trunks"])

	out := run(t, cache, NewDbClear(resolver, "Bridge", "br0", "nope"))
	assert.Error(t, out.Err)
}

func TestDbRemove(t *testing.T) {
	cache, port, br := fixture(t)
	byKey := NewDbRemove(resolver, "Bridge", "br0", "external_ids", "a")
	byKeyValue := NewDbRemove(resolver, "Bridge", "br0", "external_ids")
	byKeyValue.KeyValues = map[string]interface{}{"b": "wrong"}
	fromSet := NewDbRemove(resolver, "Port", "p0", "trunks", 2, []int{3})
	optional := NewDbRemove(resolver, "Port", "p0", "tag", 10)
	scalar := NewDbRemove(resolver, "Bridge", "br0", "datapath_type")
	mustRun(t, cache, byKey, byKeyValue, fromSet, optional, scalar)

	bridge := row(t, cache, "Bridge", br.UUID)
	assert.Equal(t, idl.Map{"b": "2"}, bridge.Fields["external_ids"])
	assert.Equal(t, "", bridge.Fields["datapath_type"])
	p := row(t, cache, "Port", port.UUID)
	assert.Equal(t, idl.Set{int64(1)}, p.Fields["trunks"])
	assert.Equal(t, idl.Set{}, p.Fields["tag"])

	byKeyValue = NewDbRemove(resolver, "Bridge", "br0", "external_ids")
	byKeyValue.KeyValues = map[string]interface{}{"b": "2"}
	mustRun(t, cache, byKeyValue)
	assert.Equal(t, idl.Map{}, row(t, cache, "Bridge", br.UUID).Fields["external_ids"])

	missing := NewDbRemove(resolver, "Bridge", "br9", "external_ids", "a")
	assert.Error(t, run(t, cache, missing).Err)
	missing.IfExists = true
	assert.NoError(t, run(t, cache, missing).Err)
}

func TestDbDestroy(t *testing.T) {
	cache, port, _ := fixture(t)
	mustRun(t, cache, NewDbDestroy(resolver, "Port", port.UUID.String()))
	tbl, err := cache.Table("Port")
	require.NoError(t, err)
	assert.Empty(t, tbl.Rows())

	out := run(t, cache, NewDbDestroy(resolver, "Port", "p0"))
	assert.True(t, lookup.IsNotFound(errorCause(out.Err)))
}

func TestDbGet(t *testing.T) {
	cache, port, br := fixture(t)
	results := mustRun(t, cache,
		NewDbGet(resolver, "Bridge", "br0", "fail_mode"),
		NewDbGet(resolver, "Bridge", "br0", "protocols"),
		NewDbGet(resolver, "Bridge", "br0", "external_ids"),
		NewDbGet(resolver, "Bridge", "br0", "_uuid"),
		NewDbGet(resolver, "Port", port.UUID, "tag"),
		NewDbGet(resolver, "Bridge", "br0", "controller"),
	)
	assert.Equal(t, []interface{}{
		"secure",
		"OpenFlow13",
		idl.Map{"a": "1", "b": "2"},
		br.UUID,
		int64(10),
		idl.Set{},
	}, results)

	out := run(t, cache, NewDbGet(resolver, "Bridge", "br0", "nope"))
	assert.Error(t, out.Err)
}

func TestReadOnlyDoesNotCommit(t *testing.T) {
	cache, _, _ := fixture(t)
	cache.FailNextCommits(idl.Error)
	out := run(t, cache, NewDbGet(resolver, "Bridge", "br0", "name"), NewGetRow(resolver, "Bridge", "br0"))
	require.NoError(t, out.Err)
	assert.Equal(t, txn.StateUnchanged, out.State)
	assert.Equal(t, "br0", out.Results[0])
	assert.Equal(t, "br0", out.Results[1].(*idl.RowView).Value("name"))
}

func TestDbList(t *testing.T) {
	cache, port, _ := fixture(t)
	p1 := memtest.Row("Port", map[string]interface{}{"name": "p1"})
	m := memtest.Row("Mirror", map[string]interface{}{"name": "m0"})
	cache.Inject(p1, m)
	_, err := cache.Run()
	require.NoError(t, err)

	all := mustRun(t, cache, NewDbList(resolver, "Port", nil, []string{"name", "_uuid"}, false))[0].([]Values)
	require.Len(t, all, 2)
	assert.Equal(t, Values{"name": "p0", "_uuid": port.UUID}, all[0])

	some := mustRun(t, cache, NewDbList(resolver, "Port", []interface{}{"p1"}, []string{"name"}, false))[0].([]Values)
	assert.Equal(t, []Values{{"name": "p1"}}, some)

	out := run(t, cache, NewDbList(resolver, "Port", []interface{}{"p1", "p9"}, nil, false))
	assert.True(t, lookup.IsNotFound(errorCause(out.Err)))
	some = mustRun(t, cache, NewDbList(resolver, "Port", []interface{}{"p1", "p9"}, []string{"name"}, true))[0].([]Values)
	assert.Len(t, some, 1)

	// Mirror has no index: records go through the lookup table.
	list := NewDbList(resolver, "Mirror", []interface{}{"m0", "m9"}, nil, true)
	list.AsRows = true
	views := mustRun(t, cache, list)[0].([]*idl.RowView)
	require.Len(t, views, 1)
	assert.Equal(t, m.UUID, views[0].UUID())

	out = run(t, cache, NewDbList(resolver, "Port", nil, []string{"nope"}, false))
	assert.Error(t, out.Err)
}

func TestDbFind(t *testing.T) {
	cache, port, _ := fixture(t)
	cache.Inject(
		memtest.Row("Port", map[string]interface{}{"name": "p1", "tag": idl.Some(20)}),
		memtest.Row("Port", map[string]interface{}{"name": "p2"}),
	)
	_, err := cache.Run()
	require.NoError(t, err)

	find := NewDbFind(resolver, "Port", condition.New("tag", condition.Equal, 10))
	find.Columns = []string{"name"}
	assert.Equal(t, []Values{{"name": "p0"}}, mustRun(t, cache, find)[0])

	find = NewDbFind(resolver, "Port", condition.New("name", condition.Equal, "p0"),
		condition.New("external_ids", condition.Equal, map[string]string{"owner": "ops"}))
	find.AsRows = true
	views := mustRun(t, cache, find)[0].([]*idl.RowView)
	require.Len(t, views, 1)
	assert.Equal(t, port.UUID, views[0].UUID())

	find = NewDbFind(resolver, "Port", condition.New("tag", condition.NotEqual, 10))
	find.Columns = []string{"name"}
	assert.Equal(t, []Values{{"name": "p1"}, {"name": "p2"}}, mustRun(t, cache, find)[0])

	out := run(t, cache, NewDbFind(resolver, "Port", condition.New("tag", condition.Equal, "x")))
	assert.Error(t, out.Err)

	// name is indexed; the mismatch must still be reported.
	out = run(t, cache, NewDbFind(resolver, "Port", condition.New("name", condition.Equal, 5)))
	require.Error(t, out.Err)
	_, ok := errors.Cause(out.Err).(*condition.InvalidComparison)
	assert.True(t, ok, "%v", out.Err)
}
