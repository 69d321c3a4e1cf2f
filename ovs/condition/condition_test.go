package condition

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl/memidl/memtest"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type portName string

func newRow(t *testing.T, table string, fields map[string]interface{}) *idl.Row {
	s := memtest.Schema(t)
	r := idl.NewRow(s.Table(table), uuid.New())
	for k, v := range fields {
		r.Fields[k] = idl.MustCanonical(v)
	}
	return r
}

func mustMatch(t *testing.T, r idl.Record, c Condition) bool {
	ok, err := Matches(r, c)
	require.NoError(t, err, c.String())
	return ok
}

func TestScalarNegation(t *testing.T) {
	r := newRow(t, "Bridge", map[string]interface{}{
		"name":       "br0",
		"stp_enable": true,
	})
	operands := []struct {
		column string
		value  interface{}
	}{
		{"name", "br0"},
		{"name", "br1"},
		{"name", portName("br0")},
		{"stp_enable", true},
		{"stp_enable", false},
		{"_uuid", r.UUID},
		{"_uuid", uuid.New()},
	}
	for _, o := range operands {
		eq := mustMatch(t, r, New(o.column, Equal, o.value))
		ne := mustMatch(t, r, New(o.column, NotEqual, o.value))
		assert.NotEqual(t, eq, ne, "%s %v", o.column, o.value)
	}
	assert.True(t, mustMatch(t, r, New("name", Equal, portName("br0"))))
}

func TestMapColumn(t *testing.T) {
	r := newRow(t, "Bridge", map[string]interface{}{
		"external_ids": map[string]string{"k": "x", "j": "y"},
	})
	assert.True(t, mustMatch(t, r, New("external_ids", Equal, map[string]string{"k": "x"})))
	assert.True(t, mustMatch(t, r, New("external_ids", Equal, map[string]string{"k": "x", "j": "y"})))
	assert.False(t, mustMatch(t, r, New("external_ids", Equal, map[string]string{"k": "y"})))
	assert.False(t, mustMatch(t, r, New("external_ids", Equal, map[string]string{"z": "x"})))

	assert.False(t, mustMatch(t, r, New("external_ids", NotEqual, map[string]string{"k": "x"})))
	assert.True(t, mustMatch(t, r, New("external_ids", NotEqual, map[string]string{"k": "y"})))
	assert.True(t, mustMatch(t, r, New("external_ids", NotEqual, map[string]string{"z": "x"})))

	_, err := Matches(r, New("external_ids", Less, map[string]string{"k": "x"}))
	_, ok := errors.Cause(err).(*Unsupported)
	assert.True(t, ok)
}

func TestSetColumn(t *testing.T) {
	r := newRow(t, "Bridge", map[string]interface{}{
		"protocols": []string{"a", "b"},
	})
	assert.True(t, mustMatch(t, r, New("protocols", Equal, []string{"a"})))
	assert.True(t, mustMatch(t, r, New("protocols", Equal, []string{"b", "a", "a"})))
	assert.False(t, mustMatch(t, r, New("protocols", Equal, []string{"c"})))
	assert.False(t, mustMatch(t, r, New("protocols", Equal, []string{"a", "c"})))

	assert.True(t, mustMatch(t, r, New("protocols", NotEqual, []string{"c"})))
	assert.False(t, mustMatch(t, r, New("protocols", NotEqual, []string{"a", "c"})))

	// An empty side degrades to plain equality.
	assert.False(t, mustMatch(t, r, New("protocols", Equal, []string{})))
	assert.True(t, mustMatch(t, r, New("protocols", NotEqual, []string{})))
	empty := newRow(t, "Bridge", nil)
	assert.True(t, mustMatch(t, empty, New("protocols", Equal, []string{})))
	assert.False(t, mustMatch(t, empty, New("protocols", Equal, []string{"a"})))
	assert.True(t, mustMatch(t, empty, New("protocols", NotEqual, []string{"a"})))
}

func TestOptionalColumn(t *testing.T) {
	tagged := newRow(t, "Port", map[string]interface{}{"tag": []int{42}})
	untagged := newRow(t, "Port", nil)

	assert.True(t, mustMatch(t, tagged, New("tag", Equal, 42)))
	assert.False(t, mustMatch(t, tagged, New("tag", NotEqual, 42)))
	assert.False(t, mustMatch(t, tagged, New("tag", Equal, 7)))
	assert.False(t, mustMatch(t, tagged, New("tag", Equal, []int{})))
	assert.True(t, mustMatch(t, tagged, New("tag", NotEqual, nil)))

	assert.True(t, mustMatch(t, untagged, New("tag", Equal, []int{})))
	assert.True(t, mustMatch(t, untagged, New("tag", Equal, nil)))
	assert.False(t, mustMatch(t, untagged, New("tag", Equal, 42)))
	assert.True(t, mustMatch(t, untagged, New("tag", NotEqual, 42)))
	assert.True(t, mustMatch(t, untagged, New("tag", Equal, idl.Absent)))

	_, err := Matches(tagged, New("tag", NotEqual, []int{42}))
	_, ok := err.(*InvalidComparison)
	assert.True(t, ok, "%v", err)
}

func TestInvalidComparison(t *testing.T) {
	r := newRow(t, "Port", map[string]interface{}{"name": "p0", "trunks": []int{1}})
	for _, c := range []Condition{
		New("name", Equal, 1),
		New("name", Equal, []string{"p0"}),
		New("trunks", Equal, 1),
		New("trunks", Equal, map[string]string{}),
		New("name", Equal, struct{}{}),
	} {
		_, err := Matches(r, c)
		_, ok := err.(*InvalidComparison)
		assert.True(t, ok, "%s: %v", c, err)
	}
	_, err := Matches(r, New("nope", Equal, 1))
	assert.Error(t, err)
	_, err = Matches(r, New("name", Greater, "a"))
	_, ok := err.(*Unsupported)
	assert.True(t, ok)
}

func TestMatchesAll(t *testing.T) {
	r := newRow(t, "Port", map[string]interface{}{"name": "p0", "tag": []int{5}})
	ok, err := MatchesAll(r, []Condition{New("name", Equal, "p0"), New("tag", Equal, 5)})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = MatchesAll(r, []Condition{New("name", Equal, "p0"), New("tag", Equal, 6)})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = MatchesAll(r, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParseOp(t *testing.T) {
	op, err := ParseOp("!=")
	require.NoError(t, err)
	assert.Equal(t, NotEqual, op)
	op, err = ParseOp("includes")
	require.NoError(t, err)
	assert.Equal(t, Includes, op)
	_, err = ParseOp("~")
	assert.Error(t, err)
}

func TestIndexCandidates(t *testing.T) {
	p0 := memtest.Row("Port", map[string]interface{}{"name": "p0", "tag": []int{1}})
	p1 := memtest.Row("Port", map[string]interface{}{"name": "p1", "tag": []int{1}})
	c := memtest.NewCache(t, p0, p1)
	require.NoError(t, c.CreateIndex("Port", "tag"))
	tbl, err := c.Table("Port")
	require.NoError(t, err)

	rows, ok := IndexCandidates(tbl, []Condition{New("tag", Equal, 1)})
	require.True(t, ok)
	assert.Len(t, rows, 2)

	rows, ok = IndexCandidates(tbl, []Condition{New("tag", Equal, 1), New("name", Equal, "p1")})
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, p1.UUID, rows[0].UUID)

	rows, ok = IndexCandidates(tbl, []Condition{New("name", Equal, "p9")})
	assert.True(t, ok)
	assert.Empty(t, rows)

	_, ok = IndexCandidates(tbl, []Condition{New("name", NotEqual, "p0"), New("trunks", Equal, []int{1})})
	assert.False(t, ok)

	// A mistyped operand is left to the scan.
	_, ok = IndexCandidates(tbl, []Condition{New("name", Equal, 5)})
	assert.False(t, ok)
	rows, ok = IndexCandidates(tbl, []Condition{New("name", Equal, 5), New("tag", Equal, 1)})
	require.True(t, ok)
	assert.Len(t, rows, 2)
}
