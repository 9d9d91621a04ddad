package godb

// LockManager implements page-granularity strict two-phase locking with
// reader/writer modes, in-place upgrades, and waits-for-graph deadlock
// detection. See the buffer pool's GetPage for the only caller: every
// page access goes through LockPage before the page is ever read from
// cache or disk.

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type lockMode int

const (
	lockNone lockMode = iota
	lockShared
	lockExclusive
)

// perPageLock is the per-page monitor: mode plus the set of holding
// transactions. The invariants from the data model hold at every point
// mu is not held: EXCLUSIVE implies exactly one holder, SHARED implies
// at least one, NONE implies none.
type perPageLock struct {
	mu      sync.Mutex
	mode    lockMode
	holders map[TransactionID]struct{}
}

// LockManager guards access to every cached page. Its two top-level maps
// (locks, want) are safe for concurrent reads and insertions; mutation of
// an individual page's holder set is serialized by that page's own
// monitor so that unrelated pages never contend with each other.
type LockManager struct {
	mapMu sync.RWMutex
	locks map[PageID]*perPageLock

	wantMu sync.Mutex
	want   map[TransactionID]map[PageID]struct{}

	// PollInterval is how long LockPage sleeps between failed acquire
	// attempts. DeadlockCheckEvery is how many failed attempts a waiter
	// tolerates before it runs deadlock detection on itself.
	PollInterval      time.Duration
	DeadlockCheckEvery int

	log zerolog.Logger
}

// NewLockManager builds a lock manager with the course-standard 10ms
// poll interval and a check cadence of every 10th failed attempt.
func NewLockManager() *LockManager {
	return &LockManager{
		locks:              make(map[PageID]*perPageLock),
		want:               make(map[TransactionID]map[PageID]struct{}),
		PollInterval:       10 * time.Millisecond,
		DeadlockCheckEvery: 10,
		log:                zerolog.New(io.Discard),
	}
}

// SetLogger points the lock manager's debug events at the supplied
// writer; BufferPool/Database wire this to a shared process logger.
func (lm *LockManager) SetLogger(log zerolog.Logger) {
	lm.log = log
}

func (lm *LockManager) pageLock(pid PageID) *perPageLock {
	lm.mapMu.RLock()
	l, ok := lm.locks[pid]
	lm.mapMu.RUnlock()
	if ok {
		return l
	}
	lm.mapMu.Lock()
	l, ok = lm.locks[pid]
	if !ok {
		l = &perPageLock{holders: make(map[TransactionID]struct{})}
		lm.locks[pid] = l
	}
	lm.mapMu.Unlock()
	return l
}

// canGrant implements the grant table from the spec: S is the page's
// current mode, holders its current holder set, M the requested mode.
func canGrant(l *perPageLock, tid TransactionID, mode RWPerm) bool {
	switch l.mode {
	case lockNone:
		return true
	case lockShared:
		if mode == ReadPerm {
			return true
		}
		return holdersSubsetOf(l.holders, tid)
	case lockExclusive:
		return holdersSubsetOf(l.holders, tid)
	}
	return false
}

func holdersSubsetOf(holders map[TransactionID]struct{}, tid TransactionID) bool {
	for h := range holders {
		if h != tid {
			return false
		}
	}
	return true
}

// LockPage blocks until mode is granted to tid on pid, or returns
// TransactionAbortedError if a deadlock involving tid is detected.
func (lm *LockManager) LockPage(pid PageID, tid TransactionID, mode RWPerm) error {
	l := lm.pageLock(pid)
	attempts := 0
	for {
		l.mu.Lock()
		if canGrant(l, tid, mode) {
			l.holders[tid] = struct{}{}
			if mode == WritePerm {
				l.mode = lockExclusive
			} else if l.mode != lockExclusive {
				l.mode = lockShared
			}
			l.mu.Unlock()
			lm.clearWant(tid, pid)
			return nil
		}
		l.mu.Unlock()

		lm.setWant(tid, pid)
		attempts++
		if attempts%lm.DeadlockCheckEvery == 0 {
			if lm.hasDeadlock(tid) {
				lm.clearWant(tid, pid)
				lm.log.Debug().Str("tid", tid.String()).Str("page_kind", pid.Kind.String()).
					Int32("table", pid.TableID).Int32("page", pid.PageNo).
					Msg("aborting transaction: deadlock detected")
				return &TransactionAbortedError{Reason: "deadlock detected while waiting for lock"}
			}
		}
		time.Sleep(lm.PollInterval)
	}
}

// ReleasePage removes tid from pid's holder set. If the holder set
// becomes empty, the page's mode returns to NONE.
func (lm *LockManager) ReleasePage(pid PageID, tid TransactionID) {
	lm.mapMu.RLock()
	l, ok := lm.locks[pid]
	lm.mapMu.RUnlock()
	if !ok {
		return
	}
	l.mu.Lock()
	delete(l.holders, tid)
	if len(l.holders) == 0 {
		l.mode = lockNone
	}
	l.mu.Unlock()
}

// HoldsLock is a side-effect-free predicate.
func (lm *LockManager) HoldsLock(pid PageID, tid TransactionID) bool {
	lm.mapMu.RLock()
	l, ok := lm.locks[pid]
	lm.mapMu.RUnlock()
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.holders[tid]
	return held
}

// ReleaseAllLocks removes tid from every page it holds. Idempotent:
// calling it twice in a row is equivalent to calling it once.
func (lm *LockManager) ReleaseAllLocks(tid TransactionID) {
	lm.mapMu.RLock()
	pages := make([]PageID, 0, len(lm.locks))
	for pid := range lm.locks {
		pages = append(pages, pid)
	}
	lm.mapMu.RUnlock()

	for _, pid := range pages {
		lm.ReleasePage(pid, tid)
	}

	lm.wantMu.Lock()
	delete(lm.want, tid)
	lm.wantMu.Unlock()
}

func (lm *LockManager) setWant(tid TransactionID, pid PageID) {
	lm.wantMu.Lock()
	defer lm.wantMu.Unlock()
	m, ok := lm.want[tid]
	if !ok {
		m = make(map[PageID]struct{})
		lm.want[tid] = m
	}
	m[pid] = struct{}{}
}

func (lm *LockManager) clearWant(tid TransactionID, pid PageID) {
	lm.wantMu.Lock()
	defer lm.wantMu.Unlock()
	if m, ok := lm.want[tid]; ok {
		delete(m, pid)
	}
}

func (lm *LockManager) wantedBy(tid TransactionID) map[PageID]struct{} {
	lm.wantMu.Lock()
	defer lm.wantMu.Unlock()
	out := make(map[PageID]struct{}, len(lm.want[tid]))
	for pid := range lm.want[tid] {
		out[pid] = struct{}{}
	}
	return out
}

func (lm *LockManager) holdersOf(pid PageID) map[TransactionID]struct{} {
	lm.mapMu.RLock()
	l, ok := lm.locks[pid]
	lm.mapMu.RUnlock()
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[TransactionID]struct{}, len(l.holders))
	for h := range l.holders {
		out[h] = struct{}{}
	}
	return out
}

func (lm *LockManager) pagesHeldBy(tid TransactionID) map[PageID]struct{} {
	lm.mapMu.RLock()
	pids := make([]PageID, 0, len(lm.locks))
	for pid := range lm.locks {
		pids = append(pids, pid)
	}
	lm.mapMu.RUnlock()

	out := make(map[PageID]struct{})
	for _, pid := range pids {
		if _, held := lm.holdersOf(pid)[tid]; held {
			out[pid] = struct{}{}
		}
	}
	return out
}

// hasDeadlock conservatively detects any cycle in the waits-for graph
// that involves tid, by breadth-first expansion from the pages tid is
// currently blocked on to the pages their holders are in turn blocked
// on, stopping the moment the frontier re-enters a page tid itself
// holds.
func (lm *LockManager) hasDeadlock(tid TransactionID) bool {
	mine := lm.pagesHeldBy(tid)
	frontier := lm.wantedBy(tid)
	visited := make(map[PageID]struct{})

	for len(frontier) > 0 {
		owners := make(map[TransactionID]struct{})
		for pid := range frontier {
			if _, seen := visited[pid]; seen {
				continue
			}
			visited[pid] = struct{}{}
			for h := range lm.holdersOf(pid) {
				if h != tid {
					owners[h] = struct{}{}
				}
			}
		}

		next := make(map[PageID]struct{})
		for o := range owners {
			for pid := range lm.wantedBy(o) {
				if _, isMine := mine[pid]; isMine {
					return true
				}
				next[pid] = struct{}{}
			}
		}
		frontier = next
	}
	return false
}
