package godb

import (
	"bytes"
	"testing"

	"github.com/d4l3k/messagediff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDesc() *TupleDesc {
	return &TupleDesc{Fields: []FieldType{
		{Fname: "id", Ftype: IntType},
		{Fname: "name", Ftype: StringType},
	}}
}

func TestTupleWriteReadRoundTrip(t *testing.T) {
	desc := testDesc()
	want := &Tuple{Desc: *desc, Fields: []DBValue{IntField{Value: 42}, StringField{Value: "hello"}}}

	var buf bytes.Buffer
	require.NoError(t, want.writeTo(&buf))

	got, err := readTupleFrom(&buf, desc)
	require.NoError(t, err)
	assert.True(t, want.equals(got))
}

func TestStringFieldTruncatesPaddingOnRead(t *testing.T) {
	desc := &TupleDesc{Fields: []FieldType{{Fname: "s", Ftype: StringType}}}
	t1 := &Tuple{Desc: *desc, Fields: []DBValue{StringField{Value: "short"}}}

	var buf bytes.Buffer
	require.NoError(t, t1.writeTo(&buf))
	require.Equal(t, StringLength, buf.Len())

	got, err := readTupleFrom(&buf, desc)
	require.NoError(t, err)
	assert.Equal(t, "short", got.Fields[0].(StringField).Value)
}

func TestIntFieldEvalPred(t *testing.T) {
	a, b := IntField{Value: 3}, IntField{Value: 5}
	assert.True(t, a.EvalPred(b, OpLt))
	assert.False(t, a.EvalPred(b, OpGt))
	assert.True(t, a.EvalPred(a, OpEq))
	assert.False(t, a.EvalPred(StringField{Value: "x"}, OpEq))
}

// TestTupleRoundTripStructuralDiff cross-checks writeTo/readTupleFrom
// with a structural diff rather than field-by-field assertions, so a
// regression that adds or drops a field shows exactly which one in the
// failure message.
func TestTupleRoundTripStructuralDiff(t *testing.T) {
	desc := testDesc()
	want := &Tuple{Desc: *desc, Fields: []DBValue{IntField{Value: 7}, StringField{Value: "diffme"}}}

	var buf bytes.Buffer
	require.NoError(t, want.writeTo(&buf))
	got, err := readTupleFrom(&buf, desc)
	require.NoError(t, err)
	got.Rid = want.Rid

	if diff, equal := messagediff.PrettyDiff(want, got); !equal {
		t.Fatalf("round-tripped tuple differs from original:\n%s", diff)
	}
}

func TestTupleDescMergeAndEquals(t *testing.T) {
	d1 := &TupleDesc{Fields: []FieldType{{Fname: "a", Ftype: IntType}}}
	d2 := &TupleDesc{Fields: []FieldType{{Fname: "b", Ftype: StringType}}}
	merged := d1.merge(d2)
	require.Len(t, merged.Fields, 2)
	assert.Equal(t, "a", merged.Fields[0].Fname)
	assert.Equal(t, "b", merged.Fields[1].Fname)
	assert.True(t, d1.equals(d1.copy()))
	assert.False(t, d1.equals(d2))
}
