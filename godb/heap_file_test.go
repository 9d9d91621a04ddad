package godb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestHeapFile(t *testing.T) (*HeapFile, *BufferPool) {
	t.Helper()
	bp, err := NewBufferPool(16)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "test.dat")
	hf, err := NewHeapFile(path, testDesc(), bp)
	require.NoError(t, err)
	return hf, bp
}

func TestHeapFileInsertAndScan(t *testing.T) {
	hf, bp := newTestHeapFile(t)
	tid := NewTID()

	for i := 0; i < 20; i++ {
		row := &Tuple{Desc: *testDesc(), Fields: []DBValue{IntField{Value: int64(i)}, StringField{Value: "row"}}}
		require.NoError(t, bp.InsertTuple(tid, hf, row))
	}
	require.NoError(t, bp.TransactionComplete(tid, true))

	tid2 := NewTID()
	it, err := hf.iterator(tid2)
	require.NoError(t, err)
	require.NoError(t, it.Open())

	seen := map[int64]bool{}
	for {
		has, err := it.HasNext()
		require.NoError(t, err)
		if !has {
			break
		}
		tup, err := it.Next()
		require.NoError(t, err)
		seen[tup.Fields[0].(IntField).Value] = true
	}
	require.Len(t, seen, 20)
	require.NoError(t, bp.TransactionComplete(tid2, true))
}

func TestHeapFileDeleteTuple(t *testing.T) {
	hf, bp := newTestHeapFile(t)
	tid := NewTID()

	row := &Tuple{Desc: *testDesc(), Fields: []DBValue{IntField{Value: 7}, StringField{Value: "gone"}}}
	require.NoError(t, bp.InsertTuple(tid, hf, row))
	require.NoError(t, bp.TransactionComplete(tid, true))
	require.NotNil(t, row.Rid)

	tid2 := NewTID()
	require.NoError(t, bp.DeleteTuple(tid2, hf, row))
	require.NoError(t, bp.TransactionComplete(tid2, true))

	tid3 := NewTID()
	it, err := hf.iterator(tid3)
	require.NoError(t, err)
	require.NoError(t, it.Open())
	has, err := it.HasNext()
	require.NoError(t, err)
	require.False(t, has)
}

func TestHeapFileAbortDiscardsInserts(t *testing.T) {
	hf, bp := newTestHeapFile(t)
	tid := NewTID()

	row := &Tuple{Desc: *testDesc(), Fields: []DBValue{IntField{Value: 99}, StringField{Value: "temp"}}}
	require.NoError(t, bp.InsertTuple(tid, hf, row))
	require.NoError(t, bp.TransactionComplete(tid, false))

	tid2 := NewTID()
	it, err := hf.iterator(tid2)
	require.NoError(t, err)
	require.NoError(t, it.Open())
	has, err := it.HasNext()
	require.NoError(t, err)
	require.False(t, has, "aborted insert must not be visible")
}

func TestHeapFileGrowsNewPageWhenFull(t *testing.T) {
	oldSize := PageSize
	PageSize = 256
	defer func() { PageSize = oldSize }()

	hf, bp := newTestHeapFile(t)
	tid := NewTID()
	for i := 0; i < 40; i++ {
		row := &Tuple{Desc: *testDesc(), Fields: []DBValue{IntField{Value: int64(i)}, StringField{Value: "x"}}}
		require.NoError(t, bp.InsertTuple(tid, hf, row))
	}
	require.NoError(t, bp.TransactionComplete(tid, true))
	require.Greater(t, hf.numPages(), 1)
}
