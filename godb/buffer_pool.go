package godb

// BufferPool caches a bounded set of fixed-size pages read from the
// various DBFiles backing a database, replaces them with a clock
// (second-chance) policy that never steals a dirty page, and is the
// choke point through which every page access is gated by the lock
// manager. Transaction commit/abort are implemented here: FORCE on
// commit, re-read-from-disk on abort, exactly the pages dirtied by the
// completing transaction.

import (
	"io"
	"sync"

	boom "github.com/tylertreat/BoomFilters"
	"github.com/rs/zerolog"
)

// RWPerm is the permission requested when fetching a page: ReadPerm
// acquires a shared lock, WritePerm an exclusive one.
type RWPerm int

const (
	ReadPerm RWPerm = iota
	WritePerm
)

// clockEntry is one slot of the clock array: the page currently resident
// there (or nil if the slot is empty) and its reference bit.
type clockEntry struct {
	pid PageID
	ref bool
}

// BufferPool is the bounded page cache. Its invariant: every entry in
// `pages` occupies exactly one slot of `clock`; `clock` may also contain
// empty (nil) slots when the pool is below capacity.
type BufferPool struct {
	mu       sync.Mutex
	capacity int
	pages    map[PageID]Page

	clock      []*clockEntry
	clockIndex int

	lockManager *LockManager
	wal         WAL

	// dirtySketch is a probabilistic "recently dirtied" accelerator: a
	// Bloom filter populated whenever a page is marked dirty and reset on
	// every full flush. It never gates correctness -- page.isDirty() is
	// still the authoritative check the clock sweep acts on -- it only
	// lets evictLocked skip the isDirty() probe for pages the filter
	// says were never dirtied.
	dirtySketch *boom.BloomFilter

	log zerolog.Logger
}

// NewBufferPool creates a BufferPool holding at most numPages pages.
func NewBufferPool(numPages int) (*BufferPool, error) {
	if numPages <= 0 {
		return nil, newGoDBError(IllegalArgumentError, "buffer pool capacity must be positive, got %d", numPages)
	}
	return &BufferPool{
		capacity:    numPages,
		pages:       make(map[PageID]Page),
		clock:       make([]*clockEntry, numPages),
		lockManager: NewLockManager(),
		dirtySketch: boom.NewBloomFilter(uint(numPages*4+16), 0.01),
		log:         zerolog.New(io.Discard),
	}, nil
}

// SetLogger points the buffer pool's (and its lock manager's) debug
// events at the supplied writer.
func (bp *BufferPool) SetLogger(log zerolog.Logger) {
	bp.mu.Lock()
	bp.log = log
	bp.mu.Unlock()
	bp.lockManager.SetLogger(log)
}

// SetWAL wires the write-ahead-log collaborator used by
// TransactionComplete on commit.
func (bp *BufferPool) SetWAL(wal WAL) {
	bp.wal = wal
}

// LockManager exposes the buffer pool's lock manager, mostly for tests
// that want to assert on lock state directly.
func (bp *BufferPool) LockManager() *LockManager {
	return bp.lockManager
}

func pageIDKey(pid PageID) []byte {
	b := make([]byte, 12)
	putUint32(b[0:4], uint32(pid.TableID))
	putUint32(b[4:8], uint32(pid.PageNo))
	putUint32(b[8:12], uint32(pid.Kind))
	return b
}

// GetPage returns the page identified by pid, belonging to file,
// acquiring the requested lock first. It blocks the caller until the
// lock is granted or the lock manager aborts the transaction for
// deadlock. A cache miss reads the page from file and, if the pool is
// full, evicts one resident page first.
func (bp *BufferPool) GetPage(tid TransactionID, pid PageID, perm RWPerm, file DBFile) (Page, error) {
	if err := bp.lockManager.LockPage(pid, tid, perm); err != nil {
		return nil, err
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	if p, ok := bp.pages[pid]; ok {
		bp.touchLocked(pid)
		return p, nil
	}

	if len(bp.pages) >= bp.capacity {
		if err := bp.evictLocked(); err != nil {
			return nil, err
		}
	}

	p, err := file.readPage(pid)
	if err != nil {
		return nil, err
	}
	bp.installLocked(pid, p)
	return p, nil
}

// UnsafeReleasePage releases tid's lock on pid immediately, without any
// flush. The caller is responsible for the correctness of doing so.
func (bp *BufferPool) UnsafeReleasePage(tid TransactionID, pid PageID) {
	bp.lockManager.ReleasePage(pid, tid)
}

// InsertTuple delegates to file.insertTuple, then installs every page it
// dirtied into the cache (evicting room for it if necessary) and marks
// it dirty under tid.
func (bp *BufferPool) InsertTuple(tid TransactionID, file DBFile, t *Tuple) error {
	dirtied, err := file.insertTuple(tid, t)
	if err != nil {
		return err
	}
	return bp.installDirtied(tid, dirtied)
}

// DeleteTuple delegates to file.deleteTuple, then installs every page it
// dirtied, mirroring InsertTuple.
func (bp *BufferPool) DeleteTuple(tid TransactionID, file DBFile, t *Tuple) error {
	dirtied, err := file.deleteTuple(tid, t)
	if err != nil {
		return err
	}
	return bp.installDirtied(tid, dirtied)
}

func (bp *BufferPool) installDirtied(tid TransactionID, dirtied []Page) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, p := range dirtied {
		p.markDirty(true, tid)
		pid := p.getID()
		bp.dirtySketch.Add(pageIDKey(pid))
		if _, cached := bp.pages[pid]; !cached && len(bp.pages) >= bp.capacity {
			if err := bp.evictLocked(); err != nil {
				return err
			}
		}
		bp.installLocked(pid, p)
	}
	return nil
}

// installLocked installs p under pid, reusing its existing clock slot if
// it already has one (just refreshing the ref bit) or claiming the first
// empty slot otherwise. Must be called with mu held.
func (bp *BufferPool) installLocked(pid PageID, p Page) {
	bp.pages[pid] = p
	for _, ce := range bp.clock {
		if ce != nil && ce.pid == pid {
			ce.ref = true
			return
		}
	}
	for i, ce := range bp.clock {
		if ce == nil {
			bp.clock[i] = &clockEntry{pid: pid, ref: true}
			return
		}
	}
	// No empty slot: this only happens if installLocked is called
	// without having evicted room first, which callers must not do.
	bp.clock[bp.clockIndex%len(bp.clock)] = &clockEntry{pid: pid, ref: true}
	bp.clockIndex++
}

func (bp *BufferPool) touchLocked(pid PageID) {
	for _, ce := range bp.clock {
		if ce != nil && ce.pid == pid {
			ce.ref = true
			return
		}
	}
}

// evictLocked runs one clock sweep: skip referenced pages (clearing
// their bit), skip dirty pages (NO-STEAL), and evict the first
// unreferenced, clean page found. If every resident page is dirty, it
// fails rather than violate NO-STEAL. Must be called with mu held.
func (bp *BufferPool) evictLocked() error {
	n := len(bp.clock)
	if n == 0 {
		return newGoDBError(BufferPoolFullError, "buffer pool has no capacity")
	}
	dirtySeen := make(map[PageID]bool)
	for {
		idx := bp.clockIndex % n
		bp.clockIndex = (bp.clockIndex + 1) % n
		ce := bp.clock[idx]
		if ce == nil {
			continue
		}
		p, ok := bp.pages[ce.pid]
		if !ok {
			bp.clock[idx] = nil
			continue
		}
		dirty := false
		if bp.dirtySketch.Test(pageIDKey(ce.pid)) {
			_, dirty = p.isDirty()
		}
		if dirty {
			dirtySeen[ce.pid] = true
			if len(dirtySeen) >= len(bp.pages) {
				return newGoDBError(BufferPoolFullError, "all dirty pages")
			}
			continue
		}
		if ce.ref {
			ce.ref = false
			continue
		}
		bp.log.Debug().Int32("table", ce.pid.TableID).Int32("page", ce.pid.PageNo).
			Str("page_kind", ce.pid.Kind.String()).Msg("evicting clean page")
		delete(bp.pages, ce.pid)
		bp.clock[idx] = nil
		return nil
	}
}

// TransactionComplete finishes tid. On commit, every page tid dirtied is
// logged (before-image, after-image) and forced to the WAL when one has
// been set with SetWAL, written to its backing file, and marked clean --
// FORCE semantics. On abort, every
// page tid dirtied is replaced in the cache with a fresh read from disk,
// relying on NO-STEAL having kept the on-disk image untouched. Locks are
// released last either way.
func (bp *BufferPool) TransactionComplete(tid TransactionID, commit bool) error {
	bp.mu.Lock()
	type dirty struct {
		pid PageID
		p   Page
	}
	var mine []dirty
	for pid, p := range bp.pages {
		if dtid, isDirty := p.isDirty(); isDirty && dtid == tid {
			mine = append(mine, dirty{pid, p})
		}
	}

	var firstErr error
	for _, d := range mine {
		if commit {
			if err := bp.flushCommittedLocked(tid, d.p); err != nil && firstErr == nil {
				firstErr = err
			}
		} else {
			fresh, err := d.p.getFile().readPage(d.pid)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			bp.pages[d.pid] = fresh
		}
	}
	bp.mu.Unlock()

	bp.lockManager.ReleaseAllLocks(tid)
	return firstErr
}

func (bp *BufferPool) flushCommittedLocked(tid TransactionID, p Page) error {
	before := p.getBeforeImage()
	beforeData, err := before.getPageData()
	if err != nil {
		return err
	}
	afterData, err := p.getPageData()
	if err != nil {
		return err
	}
	if bp.wal != nil {
		if err := bp.wal.LogWrite(tid, beforeData, afterData); err != nil {
			return newGoDBError(IoError, "wal logWrite failed: %v", err)
		}
		if err := bp.wal.Force(); err != nil {
			return newGoDBError(IoError, "wal force failed: %v", err)
		}
	}
	if err := p.getFile().writePage(p); err != nil {
		return newGoDBError(IoError, "flush failed: %v", err)
	}
	p.markDirty(false, tid)
	p.setBeforeImage()
	return nil
}

// FlushAllPages flushes every dirty page regardless of owning
// transaction. Testing-only: it does not go through the WAL or clear
// locks, it just forces the cache to match disk.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, p := range bp.pages {
		if _, dirty := p.isDirty(); !dirty {
			continue
		}
		if err := p.getFile().writePage(p); err != nil {
			return err
		}
		p.markDirty(false, TransactionID{})
		p.setBeforeImage()
	}
	bp.dirtySketch = boom.NewBloomFilter(uint(bp.capacity*4+16), 0.01)
	return nil
}

// DiscardPage removes pid from the cache and its clock slot without
// writing it back.
func (bp *BufferPool) DiscardPage(pid PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	delete(bp.pages, pid)
	for i, ce := range bp.clock {
		if ce != nil && ce.pid == pid {
			bp.clock[i] = nil
		}
	}
}

// NumCachedPages reports how many pages are currently resident, for
// tests asserting on the buffer pool's size invariant.
func (bp *BufferPool) NumCachedPages() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.pages)
}
