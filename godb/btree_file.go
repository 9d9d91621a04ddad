package godb

// BTreeFile is an ordered index file: tuples are stored in leaf pages
// linked left-to-right by key order, reached through a root-pointer
// page and a tree of internal pages. It is the second concrete DBFile
// implementation the buffer pool drives, and the one where a single
// logical insert or delete can touch many pages at once (splits,
// merges, redistribution) -- dirtyPages threads those in-flight writes
// through one call so later reads in the same operation see them.

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// dirtyPages is the thread-local cache structural B+ tree operations
// use so that a page fetched and modified earlier in the same
// insert/delete is seen by later steps of that same operation, even
// before it is handed back to the buffer pool.
type dirtyPages map[PageID]Page

func dirtyPagesList(d dirtyPages) []Page {
	out := make([]Page, 0, len(d))
	for _, p := range d {
		out = append(out, p)
	}
	return out
}

func setParentField(p Page, parentNo int32) {
	switch pg := p.(type) {
	case *btreeLeafPage:
		pg.parent = parentNo
		pg.dirty = true
	case *btreeInternalPage:
		pg.parent = parentNo
		pg.dirty = true
	}
}

func minOccupancy(maxEntries int) int {
	return (maxEntries + 1) / 2
}

type BTreeFile struct {
	backingFile string
	rowDesc     *TupleDesc
	keyField    int
	keyType     DBType
	tableID     int32
	bufPool     *BufferPool

	mu       sync.Mutex
	pagesNum int
}

// NewBTreeFile opens (or creates) a B+ tree index file backed by
// fromFile, ordered on keyField of td, caching through bp.
func NewBTreeFile(fromFile string, td *TupleDesc, keyField int, bp *BufferPool) (*BTreeFile, error) {
	f := &BTreeFile{
		backingFile: fromFile,
		rowDesc:     td,
		keyField:    keyField,
		keyType:     td.Fields[keyField].Ftype,
		tableID:     tableIDFromPath(fromFile),
		bufPool:     bp,
	}

	info, err := os.Stat(fromFile)
	if err != nil {
		file, cerr := os.OpenFile(fromFile, os.O_CREATE|os.O_RDWR, 0666)
		if cerr != nil {
			return nil, newGoDBError(IoError, "failed to create btree file: %v", cerr)
		}
		defer file.Close()
		if _, werr := file.WriteAt(make([]byte, RootPtrPageSize), 0); werr != nil {
			return nil, newGoDBError(IoError, "failed to initialize btree file: %v", werr)
		}
		return f, nil
	}

	size := info.Size() - int64(RootPtrPageSize)
	if size < 0 {
		size = 0
	}
	n := int(size / int64(PageSize))
	if size%int64(PageSize) != 0 {
		n++
	}
	f.pagesNum = n
	return f, nil
}

func (f *BTreeFile) getID() int32             { return f.tableID }
func (f *BTreeFile) getTupleDesc() *TupleDesc { return f.rowDesc }
func (f *BTreeFile) numPages() int            { return f.pagesNum }

func (f *BTreeFile) growFile(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return newGoDBError(IoError, "failed to open btree file: %v", err)
	}
	defer file.Close()
	offset := int64(RootPtrPageSize) + int64(f.pagesNum)*int64(PageSize)
	if _, err := file.WriteAt(make([]byte, PageSize*n), offset); err != nil {
		return newGoDBError(IoError, "failed to grow btree file: %v", err)
	}
	f.pagesNum += n
	return nil
}

func (f *BTreeFile) zeroPageOnDisk(pageNo int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return newGoDBError(IoError, "failed to open btree file: %v", err)
	}
	defer file.Close()
	offset := int64(RootPtrPageSize) + (int64(pageNo)-1)*int64(PageSize)
	if _, err := file.WriteAt(make([]byte, PageSize), offset); err != nil {
		return newGoDBError(IoError, "failed to zero btree page: %v", err)
	}
	return nil
}

// readPage reads pid from the backing file, dispatching on its kind.
func (f *BTreeFile) readPage(pid PageID) (Page, error) {
	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, newGoDBError(IoError, "failed to open btree file: %v", err)
	}
	defer file.Close()

	if pid.Kind == BTreeRootPtrPageKind {
		data := make([]byte, RootPtrPageSize)
		if _, err := file.ReadAt(data, 0); err != nil && err != io.EOF {
			return nil, newGoDBError(IoError, "failed to read root pointer page: %v", err)
		}
		p := &btreeRootPtrPage{file: f}
		p.initFromBuffer(data)
		p.setBeforeImage()
		return p, nil
	}

	offset := int64(RootPtrPageSize) + (int64(pid.PageNo)-1)*int64(PageSize)
	data := make([]byte, PageSize)
	if _, err := file.ReadAt(data, offset); err != nil {
		if err == io.EOF {
			return nil, newGoDBError(IllegalArgumentError, "btree page %d lies past the end of the file", pid.PageNo)
		}
		return nil, newGoDBError(IoError, "failed to read btree page %d: %v", pid.PageNo, err)
	}

	switch pid.Kind {
	case BTreeHeaderPageKind:
		p := newBTreeHeaderPage(int(pid.PageNo), f)
		p.initFromBuffer(data)
		p.setBeforeImage()
		return p, nil
	case BTreeInternalPageKind:
		p := newBTreeInternalPage(int(pid.PageNo), f)
		if err := p.initFromBuffer(data); err != nil {
			return nil, fmt.Errorf("failed to initialize internal page: %w", err)
		}
		p.setBeforeImage()
		return p, nil
	case BTreeLeafPageKind:
		p, err := newBTreeLeafPage(int(pid.PageNo), f)
		if err != nil {
			return nil, err
		}
		if err := p.initFromBuffer(data); err != nil {
			return nil, fmt.Errorf("failed to initialize leaf page: %w", err)
		}
		p.setBeforeImage()
		return p, nil
	}
	return nil, newGoDBError(PageDispatchError, "unsupported page kind for btree file: %v", pid.Kind)
}

// writePage forces p back to its offset in the backing file.
func (f *BTreeFile) writePage(p Page) error {
	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return newGoDBError(IoError, "failed to open btree file: %v", err)
	}
	defer file.Close()

	data, err := p.getPageData()
	if err != nil {
		return err
	}

	var offset int64
	if p.getID().Kind == BTreeRootPtrPageKind {
		offset = 0
	} else {
		offset = int64(RootPtrPageSize) + (int64(p.getID().PageNo)-1)*int64(PageSize)
	}
	if _, err := file.WriteAt(data, offset); err != nil {
		return newGoDBError(IoError, "failed to write btree page: %v", err)
	}
	return nil
}

// getPage consults dirty before the buffer pool, so a page already
// touched earlier in the same structural operation is seen with its
// pending in-memory changes. Pages fetched READ_WRITE are recorded
// into dirty.
func (f *BTreeFile) getPage(tid TransactionID, dirty dirtyPages, pid PageID, perm RWPerm) (Page, error) {
	if p, ok := dirty[pid]; ok {
		return p, nil
	}
	p, err := f.bufPool.GetPage(tid, pid, perm, f)
	if err != nil {
		return nil, err
	}
	if perm == WritePerm {
		dirty[pid] = p
	}
	return p, nil
}

func (f *BTreeFile) rootPtrPID() PageID {
	return PageID{TableID: f.getID(), PageNo: 0, Kind: BTreeRootPtrPageKind}
}

func (f *BTreeFile) getRootPtrPage(tid TransactionID, dirty dirtyPages, perm RWPerm) (*btreeRootPtrPage, error) {
	p, err := f.getPage(tid, dirty, f.rootPtrPID(), perm)
	if err != nil {
		return nil, err
	}
	return p.(*btreeRootPtrPage), nil
}

// rootPageID returns the id of the current root page, allocating a
// fresh empty leaf as the root if the tree has none yet.
func (f *BTreeFile) rootPageID(tid TransactionID, dirty dirtyPages) (PageID, error) {
	rootPtr, err := f.getRootPtrPage(tid, dirty, WritePerm)
	if err != nil {
		return PageID{}, err
	}
	if rootPtr.rootPageNo != 0 {
		return PageID{TableID: f.getID(), PageNo: rootPtr.rootPageNo, Kind: rootPtr.rootKind}, nil
	}
	leaf, err := f.getEmptyPage(tid, dirty, BTreeLeafPageKind)
	if err != nil {
		return PageID{}, err
	}
	rootPtr.rootPageNo = leaf.getID().PageNo
	rootPtr.rootKind = BTreeLeafPageKind
	rootPtr.markDirty(true, tid)
	dirty[rootPtr.getID()] = rootPtr
	return leaf.getID(), nil
}

// findLeafPage descends from pid to the leaf that would hold key
// (or the leftmost leaf if key is nil, for full scans), acquiring
// READ_ONLY at every internal page and perm only at the leaf.
func (f *BTreeFile) findLeafPage(tid TransactionID, dirty dirtyPages, pid PageID, perm RWPerm, key DBValue) (*btreeLeafPage, error) {
	if pid.Kind == BTreeLeafPageKind {
		p, err := f.getPage(tid, dirty, pid, perm)
		if err != nil {
			return nil, err
		}
		return p.(*btreeLeafPage), nil
	}

	p, err := f.getPage(tid, dirty, pid, ReadPerm)
	if err != nil {
		return nil, err
	}
	internal := p.(*btreeInternalPage)
	entries := internal.entries()
	if len(entries) == 0 {
		return nil, newGoDBError(NoSuchPageError, "internal page has no entries")
	}

	next := entries[len(entries)-1].rightChild
	if key == nil {
		next = entries[0].leftChild
	} else {
		for _, e := range entries {
			if key.EvalPred(e.key, OpLte) {
				next = e.leftChild
				break
			}
		}
	}
	return f.findLeafPage(tid, dirty, next, perm, key)
}

// getEmptyPageNo finds the first free page number (consulting the
// header-page bitmap chain), marking it used, or else grows the file
// by one page.
func (f *BTreeFile) getEmptyPageNo(tid TransactionID, dirty dirtyPages) (int32, error) {
	rootPtr, err := f.getRootPtrPage(tid, dirty, WritePerm)
	if err != nil {
		return 0, err
	}
	slotsPerPage := int32(headerSlotsPerPage())
	headerNo := rootPtr.headerPageNo
	idx := int32(0)
	for headerNo != 0 {
		hp, err := f.getPage(tid, dirty, PageID{TableID: f.getID(), PageNo: headerNo, Kind: BTreeHeaderPageKind}, WritePerm)
		if err != nil {
			return 0, err
		}
		header := hp.(*btreeHeaderPage)
		if slot := header.firstEmptySlot(); slot >= 0 {
			header.setSlot(slot, true)
			dirty[header.getID()] = header
			return idx*slotsPerPage + int32(slot) + 1, nil
		}
		idx++
		headerNo = header.nextPage
	}

	newNo := int32(f.numPages() + 1)
	if err := f.growFile(1); err != nil {
		return 0, err
	}
	return newNo, nil
}

func (f *BTreeFile) headerIndexAndSlot(pageNo int32) (int, int) {
	slotsPerPage := int32(headerSlotsPerPage())
	idx := int((pageNo - 1) / slotsPerPage)
	slot := int((pageNo - 1) % slotsPerPage)
	return idx, slot
}

// headerPageAt returns the header page at list position idx, creating
// and linking new header pages (every slot marked in use) as needed to
// reach it.
func (f *BTreeFile) headerPageAt(tid TransactionID, dirty dirtyPages, idx int) (*btreeHeaderPage, error) {
	rootPtr, err := f.getRootPtrPage(tid, dirty, WritePerm)
	if err != nil {
		return nil, err
	}

	headerNo := rootPtr.headerPageNo
	var prevHeader *btreeHeaderPage
	for pos := 0; ; pos++ {
		if headerNo == 0 {
			newNo := int32(f.numPages() + 1)
			if err := f.growFile(1); err != nil {
				return nil, err
			}
			newPID := PageID{TableID: f.getID(), PageNo: newNo, Kind: BTreeHeaderPageKind}
			f.bufPool.DiscardPage(newPID)
			p, err := f.bufPool.GetPage(tid, newPID, WritePerm, f)
			if err != nil {
				return nil, err
			}
			newHeader := p.(*btreeHeaderPage)
			// Every page number in the new header's range starts out in
			// use; only setEmptyPage marks one free.
			for i := range newHeader.bitmap {
				newHeader.bitmap[i] = 0xff
			}
			dirty[newHeader.getID()] = newHeader

			if prevHeader != nil {
				prevHeader.nextPage = newNo
				prevHeader.dirty = true
				dirty[prevHeader.getID()] = prevHeader
				newHeader.prevPage = int32(prevHeader.pageNumber)
			} else {
				rootPtr.headerPageNo = newNo
				rootPtr.markDirty(true, tid)
				dirty[rootPtr.getID()] = rootPtr
			}

			if pos == idx {
				return newHeader, nil
			}
			prevHeader = newHeader
			headerNo = 0
			continue
		}

		hp, err := f.getPage(tid, dirty, PageID{TableID: f.getID(), PageNo: headerNo, Kind: BTreeHeaderPageKind}, WritePerm)
		if err != nil {
			return nil, err
		}
		header := hp.(*btreeHeaderPage)
		if pos == idx {
			return header, nil
		}
		prevHeader = header
		headerNo = header.nextPage
	}
}

func (f *BTreeFile) setEmptyPage(tid TransactionID, dirty dirtyPages, pageNo int32) error {
	idx, slot := f.headerIndexAndSlot(pageNo)
	header, err := f.headerPageAt(tid, dirty, idx)
	if err != nil {
		return err
	}
	header.setSlot(slot, false)
	dirty[header.getID()] = header
	return nil
}

// getEmptyPage allocates a free page number, zeroes it on disk and
// discards any stale cached copy, then fetches it fresh (so callers
// get a page that initializes to empty-of-kind) and marks it dirty.
func (f *BTreeFile) getEmptyPage(tid TransactionID, dirty dirtyPages, kind PageKind) (Page, error) {
	pageNo, err := f.getEmptyPageNo(tid, dirty)
	if err != nil {
		return nil, err
	}
	if err := f.zeroPageOnDisk(pageNo); err != nil {
		return nil, err
	}
	pid := PageID{TableID: f.getID(), PageNo: pageNo, Kind: kind}
	f.bufPool.DiscardPage(pid)
	delete(dirty, pid)

	p, err := f.bufPool.GetPage(tid, pid, WritePerm, f)
	if err != nil {
		return nil, err
	}
	p.markDirty(true, tid)
	dirty[pid] = p
	return p, nil
}

func (f *BTreeFile) parentSentinel(parentNo int32) PageID {
	if parentNo == 0 {
		return f.rootPtrPID()
	}
	return PageID{TableID: f.getID(), PageNo: parentNo, Kind: BTreeInternalPageKind}
}

// getParentWithEmptySlots returns an internal page with room for one
// more entry: parentPID itself if it already has room, a freshly
// allocated root if parentPID names the root-pointer sentinel, or
// otherwise, after splitting parentPID's page, whichever of the two
// halves key belongs in.
func (f *BTreeFile) getParentWithEmptySlots(tid TransactionID, dirty dirtyPages, parentPID PageID, key DBValue) (*btreeInternalPage, error) {
	if parentPID.Kind == BTreeRootPtrPageKind {
		p, err := f.getEmptyPage(tid, dirty, BTreeInternalPageKind)
		if err != nil {
			return nil, err
		}
		newRoot := p.(*btreeInternalPage)
		rootPtr, err := f.getRootPtrPage(tid, dirty, WritePerm)
		if err != nil {
			return nil, err
		}
		rootPtr.rootPageNo = newRoot.getID().PageNo
		rootPtr.rootKind = BTreeInternalPageKind
		rootPtr.markDirty(true, tid)
		dirty[rootPtr.getID()] = rootPtr
		return newRoot, nil
	}

	p, err := f.getPage(tid, dirty, parentPID, WritePerm)
	if err != nil {
		return nil, err
	}
	parent := p.(*btreeInternalPage)
	if parent.numEntries() >= parent.maxEntries {
		return f.splitInternalPage(tid, dirty, parent, key)
	}
	return parent, nil
}

// splitLeafPage moves the upper half of leaf's tuples to a new sibling
// leaf, links it in, and inserts the separating key into the parent.
// Returns whichever of the two leaves key now belongs in.
func (f *BTreeFile) splitLeafPage(tid TransactionID, dirty dirtyPages, leaf *btreeLeafPage, key DBValue) (*btreeLeafPage, error) {
	p, err := f.getEmptyPage(tid, dirty, BTreeLeafPageKind)
	if err != nil {
		return nil, err
	}
	newLeaf := p.(*btreeLeafPage)

	n := leaf.numUsedSlots() / 2
	moved := leaf.takeFromBack(n)
	for _, t := range moved {
		if err := newLeaf.insertTupleSorted(t); err != nil {
			return nil, err
		}
	}
	copiedKey := keyOf(moved[0], f.keyField)

	parentPID := f.parentSentinel(leaf.parent)
	parent, err := f.getParentWithEmptySlots(tid, dirty, parentPID, copiedKey)
	if err != nil {
		return nil, err
	}
	if err := parent.insertEntry(copiedKey, leaf.getID(), newLeaf.getID()); err != nil {
		return nil, err
	}
	leaf.parent = int32(parent.pageNumber)
	newLeaf.parent = int32(parent.pageNumber)

	newLeaf.rightSib = leaf.rightSib
	newLeaf.leftSib = int32(leaf.pageNumber)
	if leaf.rightSib != 0 {
		rp, err := f.getPage(tid, dirty, PageID{TableID: f.getID(), PageNo: leaf.rightSib, Kind: BTreeLeafPageKind}, WritePerm)
		if err != nil {
			return nil, err
		}
		rightLeaf := rp.(*btreeLeafPage)
		rightLeaf.leftSib = int32(newLeaf.pageNumber)
		rightLeaf.markDirty(true, tid)
		dirty[rightLeaf.getID()] = rightLeaf
	}
	leaf.rightSib = int32(newLeaf.pageNumber)

	leaf.markDirty(true, tid)
	newLeaf.markDirty(true, tid)
	dirty[leaf.getID()] = leaf
	dirty[newLeaf.getID()] = newLeaf
	dirty[parent.getID()] = parent

	if key.EvalPred(copiedKey, OpLt) {
		return leaf, nil
	}
	return newLeaf, nil
}

// splitInternalPage moves the upper half of page's entries to a new
// sibling internal page, pushes the middle entry's key up into the
// parent, and returns the sibling the caller should descend into for
// key (only meaningful to getParentWithEmptySlots's own recursion).
func (f *BTreeFile) splitInternalPage(tid TransactionID, dirty dirtyPages, page *btreeInternalPage, key DBValue) (*btreeInternalPage, error) {
	m := page.numEntries()
	n := m / 2

	p, err := f.getEmptyPage(tid, dirty, BTreeInternalPageKind)
	if err != nil {
		return nil, err
	}
	newPage := p.(*btreeInternalPage)

	newKeys := append([]DBValue(nil), page.keys[m-n:]...)
	newChildren := append([]int32(nil), page.children[m-n:]...)
	newChildKinds := append([]PageKind(nil), page.childKinds[m-n:]...)
	pushedKey := page.keys[m-n-1]

	page.keys = page.keys[:m-n-1]
	page.children = page.children[:m-n]
	page.childKinds = page.childKinds[:m-n]
	page.dirty = true

	newPage.keys = newKeys
	newPage.children = newChildren
	newPage.childKinds = newChildKinds
	newPage.dirty = true

	for i, childNo := range newPage.children {
		pid := PageID{TableID: f.getID(), PageNo: childNo, Kind: newPage.childKinds[i]}
		cp, err := f.getPage(tid, dirty, pid, WritePerm)
		if err != nil {
			return nil, err
		}
		setParentField(cp, int32(newPage.pageNumber))
		dirty[pid] = cp
	}

	parentPID := f.parentSentinel(page.parent)
	parent, err := f.getParentWithEmptySlots(tid, dirty, parentPID, pushedKey)
	if err != nil {
		return nil, err
	}
	if err := parent.insertEntry(pushedKey, page.getID(), newPage.getID()); err != nil {
		return nil, err
	}
	page.parent = int32(parent.pageNumber)
	newPage.parent = int32(parent.pageNumber)

	dirty[page.getID()] = page
	dirty[newPage.getID()] = newPage
	dirty[parent.getID()] = parent

	if key.EvalPred(pushedKey, OpLt) {
		return page, nil
	}
	return newPage, nil
}

// insertTuple finds the leaf t belongs in (splitting it, and
// recursively its ancestors, if full) and inserts t there.
func (f *BTreeFile) insertTuple(tid TransactionID, t *Tuple) ([]Page, error) {
	if len(t.Fields) != len(f.rowDesc.Fields) {
		return nil, newGoDBError(TypeMismatchError, "tuple field count does not match btree file's schema")
	}
	dirty := make(dirtyPages)
	key := keyOf(t, f.keyField)

	rootPID, err := f.rootPageID(tid, dirty)
	if err != nil {
		return nil, err
	}
	leaf, err := f.findLeafPage(tid, dirty, rootPID, WritePerm, key)
	if err != nil {
		return nil, err
	}
	if leaf.emptySlots() == 0 {
		leaf, err = f.splitLeafPage(tid, dirty, leaf, key)
		if err != nil {
			return nil, err
		}
	}
	if err := leaf.insertTupleSorted(t); err != nil {
		return nil, err
	}
	leaf.markDirty(true, tid)
	dirty[leaf.getID()] = leaf
	return dirtyPagesList(dirty), nil
}

// stealFromLeftLeaf moves tuples from the end of left (closest to
// page) into page, until they're within one of each other's
// occupancy, and fixes up the parent's separating key.
func (f *BTreeFile) stealFromLeftLeaf(tid TransactionID, dirty dirtyPages, parent *btreeInternalPage, entryIdx int, left, page *btreeLeafPage) error {
	n := (left.numUsedSlots() - page.numUsedSlots()) / 2
	if n < 1 {
		n = 1
	}
	moved := left.takeFromBack(n)
	for _, t := range moved {
		if err := page.insertTupleSorted(t); err != nil {
			return err
		}
	}
	parent.keys[entryIdx] = keyOf(moved[0], f.keyField)
	parent.markDirty(true, tid)
	dirty[parent.getID()] = parent
	dirty[left.getID()] = left
	dirty[page.getID()] = page
	return nil
}

// stealFromRightLeaf mirrors stealFromLeftLeaf, pulling from the front
// of right into page.
func (f *BTreeFile) stealFromRightLeaf(tid TransactionID, dirty dirtyPages, parent *btreeInternalPage, entryIdx int, page, right *btreeLeafPage) error {
	n := (right.numUsedSlots() - page.numUsedSlots()) / 2
	if n < 1 {
		n = 1
	}
	moved := right.takeFromFront(n)
	for _, t := range moved {
		if err := page.insertTupleSorted(t); err != nil {
			return err
		}
	}
	parent.keys[entryIdx] = keyOf(right.orderedTuples()[0], f.keyField)
	parent.markDirty(true, tid)
	dirty[parent.getID()] = parent
	dirty[right.getID()] = right
	dirty[page.getID()] = page
	return nil
}

// mergeLeafPages absorbs right's tuples into left, relinks siblings,
// frees right's page number, and removes its parent entry.
func (f *BTreeFile) mergeLeafPages(tid TransactionID, dirty dirtyPages, parent *btreeInternalPage, entryIdx int, left, right *btreeLeafPage) error {
	for _, t := range right.orderedTuples() {
		if err := left.insertTupleSorted(t); err != nil {
			return err
		}
	}
	if right.rightSib != 0 {
		rp, err := f.getPage(tid, dirty, PageID{TableID: f.getID(), PageNo: right.rightSib, Kind: BTreeLeafPageKind}, WritePerm)
		if err != nil {
			return err
		}
		rr := rp.(*btreeLeafPage)
		rr.leftSib = int32(left.pageNumber)
		rr.markDirty(true, tid)
		dirty[rr.getID()] = rr
	}
	left.rightSib = right.rightSib
	left.markDirty(true, tid)
	dirty[left.getID()] = left

	if err := f.setEmptyPage(tid, dirty, int32(right.pageNumber)); err != nil {
		return err
	}
	f.bufPool.DiscardPage(right.getID())
	delete(dirty, right.getID())

	return f.deleteParentEntry(tid, dirty, parent, entryIdx)
}

// stealFromLeftInternal rotates entries from the end of left into the
// front of page, through a re-keyed center entry taken from parent.
func (f *BTreeFile) stealFromLeftInternal(tid TransactionID, dirty dirtyPages, parent *btreeInternalPage, entryIdx int, left, page *btreeInternalPage) error {
	num := (left.numEntries() - page.numEntries()) / 2
	if num < 1 {
		num = 1
	}
	m := left.numEntries()

	movedKeys := append([]DBValue(nil), left.keys[m-num+1:]...)
	movedChildren := append([]int32(nil), left.children[m-num+1:]...)
	movedChildKinds := append([]PageKind(nil), left.childKinds[m-num+1:]...)
	newBoundaryKey := left.keys[m-num]

	left.keys = left.keys[:m-num]
	left.children = left.children[:m-num+1]
	left.childKinds = left.childKinds[:m-num+1]
	left.dirty = true

	newKeys := make([]DBValue, 0, len(movedKeys)+1+len(page.keys))
	newKeys = append(newKeys, movedKeys...)
	newKeys = append(newKeys, parent.keys[entryIdx])
	newKeys = append(newKeys, page.keys...)

	newChildren := make([]int32, 0, len(movedChildren)+len(page.children))
	newChildren = append(newChildren, movedChildren...)
	newChildren = append(newChildren, page.children...)

	newChildKinds := make([]PageKind, 0, len(movedChildKinds)+len(page.childKinds))
	newChildKinds = append(newChildKinds, movedChildKinds...)
	newChildKinds = append(newChildKinds, page.childKinds...)

	page.keys = newKeys
	page.children = newChildren
	page.childKinds = newChildKinds
	page.dirty = true

	for i, childNo := range movedChildren {
		pid := PageID{TableID: f.getID(), PageNo: childNo, Kind: movedChildKinds[i]}
		cp, err := f.getPage(tid, dirty, pid, WritePerm)
		if err != nil {
			return err
		}
		setParentField(cp, int32(page.pageNumber))
		dirty[pid] = cp
	}

	parent.keys[entryIdx] = newBoundaryKey
	parent.markDirty(true, tid)
	dirty[parent.getID()] = parent
	dirty[left.getID()] = left
	dirty[page.getID()] = page
	return nil
}

// stealFromRightInternal mirrors stealFromLeftInternal, pulling from
// the front of right into the back of page.
func (f *BTreeFile) stealFromRightInternal(tid TransactionID, dirty dirtyPages, parent *btreeInternalPage, entryIdx int, page, right *btreeInternalPage) error {
	num := (right.numEntries() - page.numEntries()) / 2
	if num < 1 {
		num = 1
	}

	movedKeys := append([]DBValue(nil), right.keys[:num-1]...)
	movedChildren := append([]int32(nil), right.children[:num]...)
	movedChildKinds := append([]PageKind(nil), right.childKinds[:num]...)
	newBoundaryKey := right.keys[num-1]

	right.keys = right.keys[num:]
	right.children = right.children[num:]
	right.childKinds = right.childKinds[num:]
	right.dirty = true

	newKeys := make([]DBValue, 0, len(page.keys)+1+len(movedKeys))
	newKeys = append(newKeys, page.keys...)
	newKeys = append(newKeys, parent.keys[entryIdx])
	newKeys = append(newKeys, movedKeys...)

	newChildren := make([]int32, 0, len(page.children)+len(movedChildren))
	newChildren = append(newChildren, page.children...)
	newChildren = append(newChildren, movedChildren...)

	newChildKinds := make([]PageKind, 0, len(page.childKinds)+len(movedChildKinds))
	newChildKinds = append(newChildKinds, page.childKinds...)
	newChildKinds = append(newChildKinds, movedChildKinds...)

	page.keys = newKeys
	page.children = newChildren
	page.childKinds = newChildKinds
	page.dirty = true

	for i, childNo := range movedChildren {
		pid := PageID{TableID: f.getID(), PageNo: childNo, Kind: movedChildKinds[i]}
		cp, err := f.getPage(tid, dirty, pid, WritePerm)
		if err != nil {
			return err
		}
		setParentField(cp, int32(page.pageNumber))
		dirty[pid] = cp
	}

	parent.keys[entryIdx] = newBoundaryKey
	parent.markDirty(true, tid)
	dirty[parent.getID()] = parent
	dirty[right.getID()] = right
	dirty[page.getID()] = page
	return nil
}

// mergeInternalPages absorbs right's entries into left through a
// re-keyed center entry taken from parent, then removes that parent
// entry.
func (f *BTreeFile) mergeInternalPages(tid TransactionID, dirty dirtyPages, parent *btreeInternalPage, entryIdx int, left, right *btreeInternalPage) error {
	centerKey := parent.keys[entryIdx]
	left.keys = append(left.keys, centerKey)
	left.keys = append(left.keys, right.keys...)
	left.children = append(left.children, right.children...)
	left.childKinds = append(left.childKinds, right.childKinds...)
	left.dirty = true

	for i, childNo := range right.children {
		pid := PageID{TableID: f.getID(), PageNo: childNo, Kind: right.childKinds[i]}
		cp, err := f.getPage(tid, dirty, pid, WritePerm)
		if err != nil {
			return err
		}
		setParentField(cp, int32(left.pageNumber))
		dirty[pid] = cp
	}

	if err := f.setEmptyPage(tid, dirty, int32(right.pageNumber)); err != nil {
		return err
	}
	f.bufPool.DiscardPage(right.getID())
	delete(dirty, right.getID())
	dirty[left.getID()] = left

	return f.deleteParentEntry(tid, dirty, parent, entryIdx)
}

// deleteParentEntry removes the key/right-child at entryIdx from
// parent. If that empties parent (which must have been the root),
// the root pointer is updated to parent's one remaining child and
// parent's page number is freed; otherwise, if parent is now
// under-occupied, the imbalance is handled recursively.
func (f *BTreeFile) deleteParentEntry(tid TransactionID, dirty dirtyPages, parent *btreeInternalPage, entryIdx int) error {
	parent.deleteEntryAt(entryIdx)
	parent.markDirty(true, tid)
	dirty[parent.getID()] = parent

	if parent.numEntries() == 0 {
		remaining := PageID{TableID: f.getID(), PageNo: parent.children[0], Kind: parent.childKinds[0]}
		rootPtr, err := f.getRootPtrPage(tid, dirty, WritePerm)
		if err != nil {
			return err
		}
		rootPtr.rootPageNo = remaining.PageNo
		rootPtr.rootKind = remaining.Kind
		rootPtr.markDirty(true, tid)
		dirty[rootPtr.getID()] = rootPtr

		childPage, err := f.getPage(tid, dirty, remaining, WritePerm)
		if err != nil {
			return err
		}
		setParentField(childPage, 0)
		dirty[remaining] = childPage

		if err := f.setEmptyPage(tid, dirty, int32(parent.pageNumber)); err != nil {
			return err
		}
		f.bufPool.DiscardPage(parent.getID())
		delete(dirty, parent.getID())
		return nil
	}

	if parent.parent != 0 && parent.numEntries() < minOccupancy(parent.maxEntries) {
		return f.handleMinOccupancyInternal(tid, dirty, parent)
	}
	return nil
}

// handleMinOccupancyLeaf merges leaf with a sibling at minimum
// occupancy, or steals from a sibling with room to spare.
func (f *BTreeFile) handleMinOccupancyLeaf(tid TransactionID, dirty dirtyPages, leaf *btreeLeafPage) error {
	parentPID := PageID{TableID: f.getID(), PageNo: leaf.parent, Kind: BTreeInternalPageKind}
	pp, err := f.getPage(tid, dirty, parentPID, WritePerm)
	if err != nil {
		return err
	}
	parent := pp.(*btreeInternalPage)
	idx := parent.indexOfChild(int32(leaf.pageNumber))
	if idx < 0 {
		return newGoDBError(NoSuchPageError, "leaf page not found among parent's children")
	}
	minTuples := minOccupancy(len(leaf.tuples))

	if idx > 0 {
		sp, err := f.getPage(tid, dirty, PageID{TableID: f.getID(), PageNo: parent.children[idx-1], Kind: parent.childKinds[idx-1]}, WritePerm)
		if err != nil {
			return err
		}
		sibling := sp.(*btreeLeafPage)
		if sibling.numUsedSlots() <= minTuples {
			return f.mergeLeafPages(tid, dirty, parent, idx-1, sibling, leaf)
		}
		return f.stealFromLeftLeaf(tid, dirty, parent, idx-1, sibling, leaf)
	}
	if idx < len(parent.children)-1 {
		sp, err := f.getPage(tid, dirty, PageID{TableID: f.getID(), PageNo: parent.children[idx+1], Kind: parent.childKinds[idx+1]}, WritePerm)
		if err != nil {
			return err
		}
		sibling := sp.(*btreeLeafPage)
		if sibling.numUsedSlots() <= minTuples {
			return f.mergeLeafPages(tid, dirty, parent, idx, leaf, sibling)
		}
		return f.stealFromRightLeaf(tid, dirty, parent, idx, leaf, sibling)
	}
	return nil
}

// handleMinOccupancyInternal mirrors handleMinOccupancyLeaf for
// internal pages.
func (f *BTreeFile) handleMinOccupancyInternal(tid TransactionID, dirty dirtyPages, page *btreeInternalPage) error {
	parentPID := PageID{TableID: f.getID(), PageNo: page.parent, Kind: BTreeInternalPageKind}
	pp, err := f.getPage(tid, dirty, parentPID, WritePerm)
	if err != nil {
		return err
	}
	parent := pp.(*btreeInternalPage)
	idx := parent.indexOfChild(int32(page.pageNumber))
	if idx < 0 {
		return newGoDBError(NoSuchPageError, "internal page not found among parent's children")
	}
	minEntries := minOccupancy(page.maxEntries)

	if idx > 0 {
		sp, err := f.getPage(tid, dirty, PageID{TableID: f.getID(), PageNo: parent.children[idx-1], Kind: parent.childKinds[idx-1]}, WritePerm)
		if err != nil {
			return err
		}
		sibling := sp.(*btreeInternalPage)
		if sibling.numEntries() <= minEntries {
			return f.mergeInternalPages(tid, dirty, parent, idx-1, sibling, page)
		}
		return f.stealFromLeftInternal(tid, dirty, parent, idx-1, sibling, page)
	}
	if idx < len(parent.children)-1 {
		sp, err := f.getPage(tid, dirty, PageID{TableID: f.getID(), PageNo: parent.children[idx+1], Kind: parent.childKinds[idx+1]}, WritePerm)
		if err != nil {
			return err
		}
		sibling := sp.(*btreeInternalPage)
		if sibling.numEntries() <= minEntries {
			return f.mergeInternalPages(tid, dirty, parent, idx, page, sibling)
		}
		return f.stealFromRightInternal(tid, dirty, parent, idx, page, sibling)
	}
	return nil
}

// deleteTuple removes t (using its Rid) from its leaf, rebalancing the
// tree if that leaf (and, transitively, its ancestors) falls under
// minimum occupancy.
func (f *BTreeFile) deleteTuple(tid TransactionID, t *Tuple) ([]Page, error) {
	if t.Rid == nil {
		return nil, newGoDBError(IllegalArgumentError, "cannot delete a tuple with no RecordID")
	}
	dirty := make(dirtyPages)
	p, err := f.getPage(tid, dirty, t.Rid.PID, WritePerm)
	if err != nil {
		return nil, err
	}
	leaf := p.(*btreeLeafPage)
	if err := leaf.deleteTupleAt(*t.Rid); err != nil {
		return nil, err
	}
	leaf.markDirty(true, tid)
	dirty[leaf.getID()] = leaf

	minTuples := minOccupancy(len(leaf.tuples))
	if leaf.parent != 0 && leaf.numUsedSlots() < minTuples {
		if err := f.handleMinOccupancyLeaf(tid, dirty, leaf); err != nil {
			return nil, err
		}
	}
	return dirtyPagesList(dirty), nil
}

// ===================== iterators =====================

// btreeFileIterator performs the full-file scan: leftmost leaf, then
// walk right-sibling pointers.
type btreeFileIterator struct {
	file *BTreeFile
	tid  TransactionID
	leaf *btreeLeafPage
	idx  int
	open bool
}

func (f *BTreeFile) iterator(tid TransactionID) (DBFileIterator, error) {
	return &btreeFileIterator{file: f, tid: tid}, nil
}

func (it *btreeFileIterator) Open() error {
	it.open = true
	dirty := make(dirtyPages)
	rootPtr, err := it.file.getRootPtrPage(it.tid, dirty, ReadPerm)
	if err != nil {
		return err
	}
	if rootPtr.rootPageNo == 0 {
		it.leaf = nil
		return nil
	}
	rootPID := PageID{TableID: it.file.getID(), PageNo: rootPtr.rootPageNo, Kind: rootPtr.rootKind}
	leaf, err := it.file.findLeafPage(it.tid, dirty, rootPID, ReadPerm, nil)
	if err != nil {
		return err
	}
	it.leaf = leaf
	it.idx = 0
	return nil
}

func (it *btreeFileIterator) advanceToNextLeaf() error {
	if it.leaf.rightSib == 0 {
		it.leaf = nil
		return nil
	}
	dirty := make(dirtyPages)
	pid := PageID{TableID: it.file.getID(), PageNo: it.leaf.rightSib, Kind: BTreeLeafPageKind}
	p, err := it.file.getPage(it.tid, dirty, pid, ReadPerm)
	if err != nil {
		return err
	}
	it.leaf = p.(*btreeLeafPage)
	it.idx = 0
	return nil
}

func (it *btreeFileIterator) HasNext() (bool, error) {
	if !it.open {
		return false, newGoDBError(IteratorNotOpenError, "btree file iterator not open")
	}
	for it.leaf != nil {
		if it.idx < it.leaf.numUsedSlots() {
			return true, nil
		}
		if err := it.advanceToNextLeaf(); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (it *btreeFileIterator) Next() (*Tuple, error) {
	ok, err := it.HasNext()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newGoDBError(NoSuchPageError, "no more tuples")
	}
	t := it.leaf.orderedTuples()[it.idx]
	it.idx++
	return t, nil
}

func (it *btreeFileIterator) Rewind() error { return it.Open() }
func (it *btreeFileIterator) Close() error  { it.open = false; return nil }

// btreeRangeIterator is the predicate iterator: EQUALS/GE/GT descend
// straight to the lower bound; LESS/LE scan from the leftmost leaf.
// All variants short-circuit as soon as the ordering guarantees no
// further tuple can match.
type btreeRangeIterator struct {
	file *BTreeFile
	tid  TransactionID
	op   BoolOp
	key  DBValue

	leaf *btreeLeafPage
	idx  int
	open bool
	done bool
}

// RangeIterator returns an iterator over tuples whose key compares to
// key according to op.
func (f *BTreeFile) RangeIterator(tid TransactionID, op BoolOp, key DBValue) (DBFileIterator, error) {
	return &btreeRangeIterator{file: f, tid: tid, op: op, key: key}, nil
}

func (it *btreeRangeIterator) Open() error {
	it.open = true
	it.done = false
	dirty := make(dirtyPages)
	rootPtr, err := it.file.getRootPtrPage(it.tid, dirty, ReadPerm)
	if err != nil {
		return err
	}
	if rootPtr.rootPageNo == 0 {
		it.leaf = nil
		return nil
	}
	rootPID := PageID{TableID: it.file.getID(), PageNo: rootPtr.rootPageNo, Kind: rootPtr.rootKind}

	var startKey DBValue
	switch it.op {
	case OpEq, OpGte, OpGt:
		startKey = it.key
	}
	leaf, err := it.file.findLeafPage(it.tid, dirty, rootPID, ReadPerm, startKey)
	if err != nil {
		return err
	}
	it.leaf = leaf
	it.idx = 0
	return nil
}

func (it *btreeRangeIterator) advanceToNextLeaf() error {
	if it.leaf.rightSib == 0 {
		it.leaf = nil
		return nil
	}
	dirty := make(dirtyPages)
	pid := PageID{TableID: it.file.getID(), PageNo: it.leaf.rightSib, Kind: BTreeLeafPageKind}
	p, err := it.file.getPage(it.tid, dirty, pid, ReadPerm)
	if err != nil {
		return err
	}
	it.leaf = p.(*btreeLeafPage)
	it.idx = 0
	return nil
}

func (it *btreeRangeIterator) HasNext() (bool, error) {
	if !it.open {
		return false, newGoDBError(IteratorNotOpenError, "btree range iterator not open")
	}
	if it.done {
		return false, nil
	}
	for it.leaf != nil {
		ordered := it.leaf.orderedTuples()
		for it.idx < len(ordered) {
			k := keyOf(ordered[it.idx], it.file.keyField)
			switch it.op {
			case OpEq:
				if k.EvalPred(it.key, OpGt) {
					it.done = true
					return false, nil
				}
				if k.EvalPred(it.key, OpEq) {
					return true, nil
				}
				it.idx++
			case OpGte, OpGt:
				if k.EvalPred(it.key, it.op) {
					return true, nil
				}
				it.idx++
			case OpLt, OpLte:
				if !k.EvalPred(it.key, it.op) {
					it.done = true
					return false, nil
				}
				return true, nil
			default:
				if k.EvalPred(it.key, it.op) {
					return true, nil
				}
				it.idx++
			}
		}
		if err := it.advanceToNextLeaf(); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (it *btreeRangeIterator) Next() (*Tuple, error) {
	ok, err := it.HasNext()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newGoDBError(NoSuchPageError, "no more tuples")
	}
	t := it.leaf.orderedTuples()[it.idx]
	it.idx++
	return t, nil
}

func (it *btreeRangeIterator) Rewind() error { return it.Open() }
func (it *btreeRangeIterator) Close() error  { it.open = false; return nil }
