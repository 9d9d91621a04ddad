package godb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func intDesc() *TupleDesc {
	return &TupleDesc{Fields: []FieldType{{Fname: "key", Ftype: IntType}}}
}

func newTestBTreeFile(t *testing.T) (*BTreeFile, *BufferPool) {
	t.Helper()
	oldSize, oldStr := PageSize, StringLength
	PageSize = 128
	StringLength = 32
	t.Cleanup(func() { PageSize, StringLength = oldSize, oldStr })

	bp, err := NewBufferPool(64)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "index.dat")
	bf, err := NewBTreeFile(path, intDesc(), 0, bp)
	require.NoError(t, err)
	return bf, bp
}

func insertKeys(t *testing.T, bf *BTreeFile, bp *BufferPool, keys []int64) {
	t.Helper()
	for _, k := range keys {
		tid := NewTID()
		row := &Tuple{Desc: *intDesc(), Fields: []DBValue{IntField{Value: k}}}
		require.NoError(t, bp.InsertTuple(tid, bf, row))
		require.NoError(t, bp.TransactionComplete(tid, true))
	}
}

func scanAll(t *testing.T, bf *BTreeFile) []int64 {
	t.Helper()
	tid := NewTID()
	it, err := bf.iterator(tid)
	require.NoError(t, err)
	require.NoError(t, it.Open())
	var out []int64
	for {
		has, err := it.HasNext()
		require.NoError(t, err)
		if !has {
			break
		}
		tup, err := it.Next()
		require.NoError(t, err)
		out = append(out, tup.Fields[0].(IntField).Value)
	}
	return out
}

func TestBTreeFileInsertAndFullScanIsSorted(t *testing.T) {
	bf, bp := newTestBTreeFile(t)
	keys := []int64{50, 10, 90, 30, 70, 20, 80, 40, 60, 5, 15, 25, 35, 45, 55, 65, 75, 85, 95, 1}
	insertKeys(t, bf, bp, keys)

	got := scanAll(t, bf)
	require.Len(t, got, len(keys))
	for i := 1; i < len(got); i++ {
		require.LessOrEqual(t, got[i-1], got[i], "full scan must be in ascending key order")
	}
}

func TestBTreeFileForcesLeafAndInternalSplits(t *testing.T) {
	bf, bp := newTestBTreeFile(t)
	const n = 200
	keys := make([]int64, n)
	for i := range keys {
		keys[i] = int64(i)
	}
	insertKeys(t, bf, bp, keys)

	require.Greater(t, bf.numPages(), 10, "200 keys at a 128-byte page size must force many leaf splits")

	got := scanAll(t, bf)
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, int64(i), v)
	}
}

func TestBTreeFileRangeIteratorEquals(t *testing.T) {
	bf, bp := newTestBTreeFile(t)
	keys := make([]int64, 60)
	for i := range keys {
		keys[i] = int64(i)
	}
	insertKeys(t, bf, bp, keys)

	tid := NewTID()
	it, err := bf.RangeIterator(tid, OpEq, IntField{Value: 30})
	require.NoError(t, err)
	require.NoError(t, it.Open())

	var got []int64
	for {
		has, err := it.HasNext()
		require.NoError(t, err)
		if !has {
			break
		}
		tup, err := it.Next()
		require.NoError(t, err)
		got = append(got, tup.Fields[0].(IntField).Value)
	}
	require.Equal(t, []int64{30}, got)
}

func TestBTreeFileRangeIteratorGteAndLt(t *testing.T) {
	bf, bp := newTestBTreeFile(t)
	keys := make([]int64, 40)
	for i := range keys {
		keys[i] = int64(i)
	}
	insertKeys(t, bf, bp, keys)

	tid := NewTID()
	it, err := bf.RangeIterator(tid, OpGte, IntField{Value: 35})
	require.NoError(t, err)
	require.NoError(t, it.Open())
	var got []int64
	for {
		has, err := it.HasNext()
		require.NoError(t, err)
		if !has {
			break
		}
		tup, err := it.Next()
		require.NoError(t, err)
		got = append(got, tup.Fields[0].(IntField).Value)
	}
	require.Equal(t, []int64{35, 36, 37, 38, 39}, got)

	tid2 := NewTID()
	it2, err := bf.RangeIterator(tid2, OpLt, IntField{Value: 3})
	require.NoError(t, err)
	require.NoError(t, it2.Open())
	var got2 []int64
	for {
		has, err := it2.HasNext()
		require.NoError(t, err)
		if !has {
			break
		}
		tup, err := it2.Next()
		require.NoError(t, err)
		got2 = append(got2, tup.Fields[0].(IntField).Value)
	}
	require.Equal(t, []int64{0, 1, 2}, got2)
}

func TestBTreeFileDeleteTriggersRebalancing(t *testing.T) {
	bf, bp := newTestBTreeFile(t)
	const n = 150
	keys := make([]int64, n)
	for i := range keys {
		keys[i] = int64(i)
	}
	insertKeys(t, bf, bp, keys)

	tid := NewTID()
	it, err := bf.iterator(tid)
	require.NoError(t, err)
	require.NoError(t, it.Open())

	var toDelete []*Tuple
	for {
		has, err := it.HasNext()
		require.NoError(t, err)
		if !has {
			break
		}
		tup, err := it.Next()
		require.NoError(t, err)
		if tup.Fields[0].(IntField).Value%2 == 0 {
			toDelete = append(toDelete, tup)
		}
	}
	require.NoError(t, bp.TransactionComplete(tid, true))

	for _, tup := range toDelete {
		dtid := NewTID()
		require.NoError(t, bp.DeleteTuple(dtid, bf, tup))
		require.NoError(t, bp.TransactionComplete(dtid, true))
	}

	got := scanAll(t, bf)
	require.Len(t, got, n-len(toDelete))
	for _, v := range got {
		require.NotZero(t, v%2, "even keys should all have been deleted")
	}
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
}
