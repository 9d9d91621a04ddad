package godb

// Core identifiers and interfaces shared by every storage file
// implementation (heap files, B+ tree files) and by the buffer pool that
// caches pages across all of them.

import (
	"encoding/binary"
	"hash/fnv"
	"path/filepath"

	"github.com/google/uuid"
)

// PageSize is the size, in bytes, of every page except the B+ tree
// root-pointer page. It is a plain package var, not a constant, because
// tests shrink it to exercise splits/merges/evictions without allocating
// gigabytes of fixtures. Production code never changes it.
var PageSize = 4096

// StringLength is the fixed width, in bytes, of a serialized string field.
var StringLength = 32

// RootPtrPageSize is the fixed size of the B+ tree root-pointer page,
// which lives at byte 0 of a B+ tree file and is much smaller than a
// regular page: it only ever stores two page numbers and the root
// page's kind tag.
const RootPtrPageSize = 9

// PageKind tags the on-disk layout a Page implements.
type PageKind int

const (
	HeapPageKind PageKind = iota
	BTreeRootPtrPageKind
	BTreeInternalPageKind
	BTreeLeafPageKind
	BTreeHeaderPageKind
)

func (k PageKind) String() string {
	switch k {
	case HeapPageKind:
		return "heap"
	case BTreeRootPtrPageKind:
		return "btree-root-ptr"
	case BTreeInternalPageKind:
		return "btree-internal"
	case BTreeLeafPageKind:
		return "btree-leaf"
	case BTreeHeaderPageKind:
		return "btree-header"
	}
	return "unknown"
}

// PageID identifies a page within a file. It is a plain comparable
// struct so it can be used directly as a map key -- no string hashing
// required to cache or lock a page.
type PageID struct {
	TableID int32
	PageNo  int32
	Kind    PageKind
}

// tableIDFromPath derives a stable tableId from a file's absolute path,
// so that two DBFile handles opened against the same backing file agree
// on identity even if constructed independently.
func tableIDFromPath(path string) int32 {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(abs))
	return int32(h.Sum32())
}

// TransactionID is an opaque, globally unique transaction identity. It is
// backed by a random UUID rather than a process-local counter so that
// identities never collide across independently constructed BufferPools
// in the same test binary.
type TransactionID struct {
	id uuid.UUID
}

// NewTID allocates a fresh, never-before-seen transaction identity.
func NewTID() TransactionID {
	return TransactionID{id: uuid.New()}
}

func (t TransactionID) String() string {
	return t.id.String()
}

// RecordID locates a tuple within a heap file or a B+ tree leaf: the
// page it lives on and its slot number within that page.
type RecordID struct {
	PID    PageID
	SlotNo int
}

// Page is the capability set every page kind (heap, B+ tree leaf,
// internal, header, root-pointer) must implement so the buffer pool can
// cache, dirty-track, and flush it without knowing its concrete type.
type Page interface {
	getID() PageID
	getFile() DBFile

	// getBeforeImage returns a snapshot of the page as it looked before
	// the current in-memory modifications; setBeforeImage refreshes that
	// snapshot to the page's current contents (called right after a
	// successful flush).
	getBeforeImage() Page
	setBeforeImage()

	// getPageData serializes the page to exactly its on-disk size.
	getPageData() ([]byte, error)

	// isDirty reports whether the page has uncommitted modifications and,
	// if so, which transaction made them.
	isDirty() (TransactionID, bool)
	markDirty(dirty bool, tid TransactionID)
}

// DBFile is the interface implemented by every on-disk storage format
// (HeapFile, BTreeFile). The buffer pool and callers above it never care
// which concrete format backs a table, only that it can read/write pages
// and insert/delete tuples.
type DBFile interface {
	getID() int32
	getTupleDesc() *TupleDesc

	readPage(pid PageID) (Page, error)
	writePage(p Page) error
	numPages() int

	insertTuple(tid TransactionID, t *Tuple) ([]Page, error)
	deleteTuple(tid TransactionID, t *Tuple) ([]Page, error)

	iterator(tid TransactionID) (DBFileIterator, error)
}

// DBFileIterator is a lazy, resettable sequence of tuples produced by a
// DBFile scan.
type DBFileIterator interface {
	Open() error
	HasNext() (bool, error)
	Next() (*Tuple, error)
	Rewind() error
	Close() error
}

func putUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

func getUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
