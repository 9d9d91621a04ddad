package godb

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPID(no int32) PageID {
	return PageID{TableID: 1, PageNo: no, Kind: HeapPageKind}
}

func TestLockManagerSharedLocksCoexist(t *testing.T) {
	lm := NewLockManager()
	pid := testPID(0)
	t1, t2 := NewTID(), NewTID()

	require.NoError(t, lm.LockPage(pid, t1, ReadPerm))
	require.NoError(t, lm.LockPage(pid, t2, ReadPerm))
	require.True(t, lm.HoldsLock(pid, t1))
	require.True(t, lm.HoldsLock(pid, t2))
}

func TestLockManagerExclusiveBlocksShared(t *testing.T) {
	lm := NewLockManager()
	lm.PollInterval = time.Millisecond
	pid := testPID(0)
	t1, t2 := NewTID(), NewTID()

	require.NoError(t, lm.LockPage(pid, t1, WritePerm))

	done := make(chan struct{})
	go func() {
		_ = lm.LockPage(pid, t2, ReadPerm)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("t2 acquired a shared lock while t1 held exclusive")
	case <-time.After(30 * time.Millisecond):
	}

	lm.ReleasePage(pid, t1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("t2 never acquired the lock after t1 released it")
	}
}

func TestLockManagerInPlaceUpgrade(t *testing.T) {
	lm := NewLockManager()
	pid := testPID(0)
	tid := NewTID()

	require.NoError(t, lm.LockPage(pid, tid, ReadPerm))
	require.NoError(t, lm.LockPage(pid, tid, WritePerm))
	require.True(t, lm.HoldsLock(pid, tid))
}

func TestLockManagerDeadlockDetection(t *testing.T) {
	lm := NewLockManager()
	lm.PollInterval = time.Millisecond
	lm.DeadlockCheckEvery = 2
	pidA, pidB := testPID(0), testPID(1)
	t1, t2 := NewTID(), NewTID()

	require.NoError(t, lm.LockPage(pidA, t1, WritePerm))
	require.NoError(t, lm.LockPage(pidB, t2, WritePerm))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = lm.LockPage(pidB, t1, WritePerm)
		if errs[0] != nil {
			// An aborted transaction keeps its locks until released, so
			// the other waiter can only proceed once t1 lets go.
			lm.ReleaseAllLocks(t1)
		}
	}()
	go func() {
		defer wg.Done()
		errs[1] = lm.LockPage(pidA, t2, WritePerm)
		if errs[1] != nil {
			lm.ReleaseAllLocks(t2)
		}
	}()
	wg.Wait()

	aborted := (errs[0] != nil && IsTransactionAborted(errs[0])) || (errs[1] != nil && IsTransactionAborted(errs[1]))
	require.True(t, aborted, "a cyclic wait must abort at least one of the two transactions")
}

func TestLockManagerReleaseAllLocks(t *testing.T) {
	lm := NewLockManager()
	tid := NewTID()
	pids := []PageID{testPID(0), testPID(1), testPID(2)}
	for _, pid := range pids {
		require.NoError(t, lm.LockPage(pid, tid, WritePerm))
	}
	lm.ReleaseAllLocks(tid)
	for _, pid := range pids {
		require.False(t, lm.HoldsLock(pid, tid))
	}
}
