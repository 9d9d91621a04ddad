package godb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPoolRejectsNonPositiveCapacity(t *testing.T) {
	_, err := NewBufferPool(0)
	require.Error(t, err)
}

func TestBufferPoolEvictsCleanPagesUnderCapacity(t *testing.T) {
	oldSize := PageSize
	PageSize = 128
	defer func() { PageSize = oldSize }()

	bp, err := NewBufferPool(2)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "test.dat")
	hf, err := NewHeapFile(path, testDesc(), bp)
	require.NoError(t, err)

	tid := NewTID()
	for i := 0; i < 12; i++ {
		row := &Tuple{Desc: *testDesc(), Fields: []DBValue{IntField{Value: int64(i)}, StringField{Value: "x"}}}
		require.NoError(t, bp.InsertTuple(tid, hf, row))
		require.NoError(t, bp.TransactionComplete(tid, true))
		tid = NewTID()
	}
	require.LessOrEqual(t, bp.NumCachedPages(), 2)
}

func TestBufferPoolNoStealRefusesToEvictAllDirty(t *testing.T) {
	oldSize := PageSize
	PageSize = 128
	defer func() { PageSize = oldSize }()

	bp, err := NewBufferPool(1)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "test.dat")
	hf, err := NewHeapFile(path, testDesc(), bp)
	require.NoError(t, err)

	tid := NewTID()
	row := &Tuple{Desc: *testDesc(), Fields: []DBValue{IntField{Value: 1}, StringField{Value: "x"}}}
	require.NoError(t, bp.InsertTuple(tid, hf, row))

	var gotErr error
	for i := 0; i < 20 && gotErr == nil; i++ {
		row := &Tuple{Desc: *testDesc(), Fields: []DBValue{IntField{Value: int64(i + 2)}, StringField{Value: "x"}}}
		gotErr = bp.InsertTuple(tid, hf, row)
	}
	require.Error(t, gotErr, "a 1-page pool asked to hold two dirty pages under one transaction must refuse rather than steal")
}

// TestBufferPoolDirtySketchNeverMasksARealDirtyPage exercises the
// Bloom-filter eviction pre-check directly: a page the pool has just
// marked dirty must test positive in the sketch, so evictLocked's gated
// check still reaches the isDirty() read it stands in front of.
func TestBufferPoolDirtySketchNeverMasksARealDirtyPage(t *testing.T) {
	oldSize := PageSize
	PageSize = 128
	defer func() { PageSize = oldSize }()

	bp, err := NewBufferPool(3)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "test.dat")
	hf, err := NewHeapFile(path, testDesc(), bp)
	require.NoError(t, err)

	tid := NewTID()
	row := &Tuple{Desc: *testDesc(), Fields: []DBValue{IntField{Value: 1}, StringField{Value: "x"}}}
	require.NoError(t, bp.InsertTuple(tid, hf, row))

	bp.mu.Lock()
	var pid PageID
	var p Page
	for k, v := range bp.pages {
		pid, p = k, v
		break
	}
	_, reallyDirty := p.isDirty()
	inSketch := bp.dirtySketch.Test(pageIDKey(pid))
	bp.mu.Unlock()

	require.True(t, reallyDirty)
	require.True(t, inSketch, "a page just marked dirty must be present in the accelerator")
}

func TestBufferPoolCommitForcesToDisk(t *testing.T) {
	bp, err := NewBufferPool(8)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "test.dat")
	hf, err := NewHeapFile(path, testDesc(), bp)
	require.NoError(t, err)

	tid := NewTID()
	row := &Tuple{Desc: *testDesc(), Fields: []DBValue{IntField{Value: 1}, StringField{Value: "x"}}}
	require.NoError(t, bp.InsertTuple(tid, hf, row))
	require.NoError(t, bp.TransactionComplete(tid, true))

	bp2, err := NewBufferPool(8)
	require.NoError(t, err)
	hf2, err := NewHeapFile(path, testDesc(), bp2)
	require.NoError(t, err)

	tid2 := NewTID()
	it, err := hf2.iterator(tid2)
	require.NoError(t, err)
	require.NoError(t, it.Open())
	has, err := it.HasNext()
	require.NoError(t, err)
	require.True(t, has, "committed tuple must survive a fresh buffer pool reading the same file")
}
