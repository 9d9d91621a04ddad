package godb

// The four page kinds that make up a B+ tree file: the root-pointer
// page (a fixed 9 bytes at file offset 0), header pages (free-page
// bitmaps), internal pages (key / child-pointer entries), and leaf
// pages (tuples plus sibling pointers). All four implement Page so the
// buffer pool can cache and dirty-track them uniformly; BTreeFile is
// the only code that knows how to interpret their bytes.

import (
	"bytes"
)

// keyOf returns the value of t's key field, the field BTreeFile was
// constructed to order entries by.
func keyOf(t *Tuple, keyField int) DBValue {
	return t.Fields[keyField]
}

func keyWidth(ftype DBType) int {
	if ftype == StringType {
		return StringLength
	}
	return 8
}

func writeKey(buf *bytes.Buffer, k DBValue, ftype DBType) error {
	switch ftype {
	case StringType:
		return writeStringField(buf, k.(StringField))
	default:
		return writeIntField(buf, k.(IntField))
	}
}

func readKey(buf *bytes.Buffer, ftype DBType) (DBValue, error) {
	switch ftype {
	case StringType:
		return readStringField(buf)
	default:
		return readIntField(buf)
	}
}

// ===================== root-pointer page =====================

// btreeRootPtrPage is the fixed RootPtrPageSize-byte page at offset 0
// of every B+ tree file: which page is the current root, of what kind,
// and which page begins the header-page free list.
type btreeRootPtrPage struct {
	dirty    bool
	dirtyTid TransactionID
	file     *BTreeFile

	rootPageNo   int32
	rootKind     PageKind
	headerPageNo int32

	beforeImage []byte
}

func (p *btreeRootPtrPage) getID() PageID {
	return PageID{TableID: p.file.getID(), PageNo: 0, Kind: BTreeRootPtrPageKind}
}
func (p *btreeRootPtrPage) getFile() DBFile { return p.file }
func (p *btreeRootPtrPage) isDirty() (TransactionID, bool) { return p.dirtyTid, p.dirty }
func (p *btreeRootPtrPage) markDirty(dirty bool, tid TransactionID) {
	p.dirty = dirty
	if dirty {
		p.dirtyTid = tid
	}
}

func (p *btreeRootPtrPage) getPageData() ([]byte, error) {
	buf := new(bytes.Buffer)
	b := make([]byte, RootPtrPageSize)
	putUint32(b[0:4], uint32(p.rootPageNo))
	putUint32(b[4:8], uint32(p.headerPageNo))
	b[8] = byte(p.rootKind)
	buf.Write(b)
	return buf.Bytes(), nil
}

func (p *btreeRootPtrPage) initFromBuffer(b []byte) {
	p.rootPageNo = int32(getUint32(b[0:4]))
	p.headerPageNo = int32(getUint32(b[4:8]))
	p.rootKind = PageKind(b[8])
}

func (p *btreeRootPtrPage) getBeforeImage() Page {
	data := p.beforeImage
	if data == nil {
		data, _ = p.getPageData()
	}
	before := &btreeRootPtrPage{file: p.file}
	before.initFromBuffer(data)
	return before
}

func (p *btreeRootPtrPage) setBeforeImage() {
	data, _ := p.getPageData()
	p.beforeImage = append([]byte(nil), data...)
}

// ===================== header page =====================

// btreeHeaderPage is one node of the free-page-number linked list: a
// bitmap of which page numbers in its range are in use, plus pointers
// to the previous and next header page.
type btreeHeaderPage struct {
	dirty    bool
	dirtyTid TransactionID
	file     *BTreeFile

	pageNumber int
	prevPage   int32
	nextPage   int32
	slots      int
	bitmap     []byte

	beforeImage []byte
}

// headerSlotsPerPage is how many page numbers one header page's bitmap
// can track.
func headerSlotsPerPage() int {
	return (PageSize - 8) * 8
}

func newBTreeHeaderPage(pageNo int, f *BTreeFile) *btreeHeaderPage {
	slots := headerSlotsPerPage()
	return &btreeHeaderPage{
		pageNumber: pageNo,
		file:       f,
		slots:      slots,
		bitmap:     make([]byte, (slots+7)/8),
	}
}

func (p *btreeHeaderPage) getID() PageID {
	return PageID{TableID: p.file.getID(), PageNo: int32(p.pageNumber), Kind: BTreeHeaderPageKind}
}
func (p *btreeHeaderPage) getFile() DBFile { return p.file }
func (p *btreeHeaderPage) isDirty() (TransactionID, bool) { return p.dirtyTid, p.dirty }
func (p *btreeHeaderPage) markDirty(dirty bool, tid TransactionID) {
	p.dirty = dirty
	if dirty {
		p.dirtyTid = tid
	}
}

func (p *btreeHeaderPage) getSlot(i int) bool {
	return p.bitmap[i/8]&(1<<uint(i%8)) != 0
}

func (p *btreeHeaderPage) setSlot(i int, used bool) {
	if used {
		p.bitmap[i/8] |= 1 << uint(i%8)
	} else {
		p.bitmap[i/8] &^= 1 << uint(i%8)
	}
	p.dirty = true
}

// firstEmptySlot returns the index of the first unused page-number slot
// tracked by this header page, or -1 if it is entirely full.
func (p *btreeHeaderPage) firstEmptySlot() int {
	for i := 0; i < p.slots; i++ {
		if !p.getSlot(i) {
			return i
		}
	}
	return -1
}

func (p *btreeHeaderPage) getPageData() ([]byte, error) {
	buf := new(bytes.Buffer)
	var hdr [8]byte
	putUint32(hdr[0:4], uint32(p.prevPage))
	putUint32(hdr[4:8], uint32(p.nextPage))
	buf.Write(hdr[:])
	buf.Write(p.bitmap)
	if buf.Len() < PageSize {
		buf.Write(make([]byte, PageSize-buf.Len()))
	}
	return buf.Bytes(), nil
}

func (p *btreeHeaderPage) initFromBuffer(b []byte) {
	p.prevPage = int32(getUint32(b[0:4]))
	p.nextPage = int32(getUint32(b[4:8]))
	p.slots = headerSlotsPerPage()
	p.bitmap = append([]byte(nil), b[8:8+(p.slots+7)/8]...)
}

func (p *btreeHeaderPage) getBeforeImage() Page {
	data := p.beforeImage
	if data == nil {
		data, _ = p.getPageData()
	}
	before := newBTreeHeaderPage(p.pageNumber, p.file)
	before.initFromBuffer(data)
	return before
}

func (p *btreeHeaderPage) setBeforeImage() {
	data, _ := p.getPageData()
	p.beforeImage = append([]byte(nil), data...)
}

// ===================== internal page =====================

// btreeInternalEntry is one (key, leftChild, rightChild) entry of an
// internal page, in the sense of spec's description: adjacent entries
// in the page share a child pointer (entry[i].rightChild ==
// entry[i+1].leftChild), so the page really stores numEntries keys and
// numEntries+1 children.
type btreeInternalEntry struct {
	key         DBValue
	leftChild   PageID
	rightChild  PageID
}

type btreeInternalPage struct {
	dirty    bool
	dirtyTid TransactionID
	file     *BTreeFile

	pageNumber int
	parent     int32
	keyField   int
	keyType    DBType

	// children/childKinds have numEntries+1 elements, keys has
	// numEntries. A child's kind is carried alongside its page number so
	// that descending into it never needs to guess leaf vs internal.
	children   []int32
	childKinds []PageKind
	keys       []DBValue

	maxEntries int

	beforeImage []byte
}

func newBTreeInternalPage(pageNo int, f *BTreeFile) *btreeInternalPage {
	kw := keyWidth(f.keyType)
	// header: parent(4) + numEntries(4); first child costs pageno+kind
	// (5 bytes); each entry after that costs key + right-child (kw+5).
	maxEntries := (PageSize - 8 - 5) / (kw + 5)
	return &btreeInternalPage{
		pageNumber: pageNo,
		file:       f,
		keyField:   f.keyField,
		keyType:    f.keyType,
		maxEntries: maxEntries,
		children:   []int32{0},
		childKinds: []PageKind{BTreeLeafPageKind},
	}
}

func (p *btreeInternalPage) getID() PageID {
	return PageID{TableID: p.file.getID(), PageNo: int32(p.pageNumber), Kind: BTreeInternalPageKind}
}
func (p *btreeInternalPage) getFile() DBFile { return p.file }
func (p *btreeInternalPage) isDirty() (TransactionID, bool) { return p.dirtyTid, p.dirty }
func (p *btreeInternalPage) markDirty(dirty bool, tid TransactionID) {
	p.dirty = dirty
	if dirty {
		p.dirtyTid = tid
	}
}

func (p *btreeInternalPage) numEntries() int { return len(p.keys) }

func (p *btreeInternalPage) empty() bool { return len(p.keys) == 0 }

func (p *btreeInternalPage) childPID(i int) PageID {
	return PageID{TableID: p.file.getID(), PageNo: p.children[i], Kind: p.childKinds[i]}
}

// indexOfChild returns the position of pageNo within p.children, or -1
// if it is not one of this page's children.
func (p *btreeInternalPage) indexOfChild(pageNo int32) int {
	for i, c := range p.children {
		if c == pageNo {
			return i
		}
	}
	return -1
}

// entries returns the page's entries as (key, leftChild, rightChild)
// triples, left to right.
func (p *btreeInternalPage) entries() []btreeInternalEntry {
	out := make([]btreeInternalEntry, len(p.keys))
	for i, k := range p.keys {
		out[i] = btreeInternalEntry{
			key:        k,
			leftChild:  p.childPID(i),
			rightChild: p.childPID(i + 1),
		}
	}
	return out
}

// insertEntry inserts key with the given left/right children, keeping
// keys in ascending order. Fails if the page has no empty slot.
func (p *btreeInternalPage) insertEntry(key DBValue, left, right PageID) error {
	if len(p.keys) >= p.maxEntries {
		return newGoDBError(BufferPoolFullError, "internal page has no empty slots")
	}
	if len(p.keys) == 0 {
		p.children = []int32{left.PageNo, right.PageNo}
		p.childKinds = []PageKind{left.Kind, right.Kind}
		p.keys = []DBValue{key}
		p.dirty = true
		return nil
	}
	idx := len(p.keys)
	for i, k := range p.keys {
		if key.EvalPred(k, OpLte) {
			idx = i
			break
		}
	}
	p.keys = append(p.keys, nil)
	copy(p.keys[idx+1:], p.keys[idx:])
	p.keys[idx] = key

	p.children = append(p.children, 0)
	copy(p.children[idx+2:], p.children[idx+1:])
	p.children[idx] = left.PageNo
	p.children[idx+1] = right.PageNo

	p.childKinds = append(p.childKinds, BTreeLeafPageKind)
	copy(p.childKinds[idx+2:], p.childKinds[idx+1:])
	p.childKinds[idx] = left.Kind
	p.childKinds[idx+1] = right.Kind

	p.dirty = true
	return nil
}

// deleteEntryAt removes the key/rightChild at index idx, merging its
// left child forward (the entry to its right, if any, takes this
// entry's left child as its own left child).
func (p *btreeInternalPage) deleteEntryAt(idx int) {
	p.keys = append(p.keys[:idx], p.keys[idx+1:]...)
	p.children = append(p.children[:idx+1], p.children[idx+2:]...)
	p.childKinds = append(p.childKinds[:idx+1], p.childKinds[idx+2:]...)
	p.dirty = true
}

func (p *btreeInternalPage) getPageData() ([]byte, error) {
	buf := new(bytes.Buffer)
	var hdr [8]byte
	putUint32(hdr[0:4], uint32(p.parent))
	putUint32(hdr[4:8], uint32(len(p.keys)))
	buf.Write(hdr[:])

	var firstChild [5]byte
	putUint32(firstChild[0:4], uint32(p.children[0]))
	firstChild[4] = byte(p.childKinds[0])
	buf.Write(firstChild[:])

	for i, k := range p.keys {
		if err := writeKey(buf, k, p.keyType); err != nil {
			return nil, err
		}
		var c [5]byte
		putUint32(c[0:4], uint32(p.children[i+1]))
		c[4] = byte(p.childKinds[i+1])
		buf.Write(c[:])
	}
	if buf.Len() < PageSize {
		buf.Write(make([]byte, PageSize-buf.Len()))
	}
	return buf.Bytes(), nil
}

func (p *btreeInternalPage) initFromBuffer(b []byte) error {
	p.parent = int32(getUint32(b[0:4]))
	n := int(getUint32(b[4:8]))
	buf := bytes.NewBuffer(b[8:])

	var first [5]byte
	if _, err := buf.Read(first[:]); err != nil {
		return err
	}
	p.children = make([]int32, 0, n+1)
	p.children = append(p.children, int32(getUint32(first[0:4])))
	p.childKinds = make([]PageKind, 0, n+1)
	p.childKinds = append(p.childKinds, PageKind(first[4]))
	p.keys = make([]DBValue, 0, n)

	for i := 0; i < n; i++ {
		k, err := readKey(buf, p.keyType)
		if err != nil {
			return err
		}
		var c [5]byte
		if _, err := buf.Read(c[:]); err != nil {
			return err
		}
		p.keys = append(p.keys, k)
		p.children = append(p.children, int32(getUint32(c[0:4])))
		p.childKinds = append(p.childKinds, PageKind(c[4]))
	}
	return nil
}

func (p *btreeInternalPage) getBeforeImage() Page {
	data := p.beforeImage
	if data == nil {
		data, _ = p.getPageData()
	}
	before := newBTreeInternalPage(p.pageNumber, p.file)
	_ = before.initFromBuffer(data)
	return before
}

func (p *btreeInternalPage) setBeforeImage() {
	data, _ := p.getPageData()
	p.beforeImage = append([]byte(nil), data...)
}

// ===================== leaf page =====================

type btreeLeafPage struct {
	dirty    bool
	dirtyTid TransactionID
	file     *BTreeFile

	pageNumber int
	parent     int32
	leftSib    int32
	rightSib   int32

	desc       *TupleDesc
	keyField   int
	numSlots   int32
	tuples     []*Tuple // nil entries are empty slots

	beforeImage []byte
}

func newBTreeLeafPage(pageNo int, f *BTreeFile) (*btreeLeafPage, error) {
	perTuple, err := f.rowDesc.bytesPerTuple()
	if err != nil {
		return nil, err
	}
	numSlots := (PageSize - 16) / perTuple
	return &btreeLeafPage{
		pageNumber: pageNo,
		file:       f,
		desc:       f.rowDesc,
		keyField:   f.keyField,
		numSlots:   int32(numSlots),
		tuples:     make([]*Tuple, numSlots),
	}, nil
}

func (p *btreeLeafPage) getID() PageID {
	return PageID{TableID: p.file.getID(), PageNo: int32(p.pageNumber), Kind: BTreeLeafPageKind}
}
func (p *btreeLeafPage) getFile() DBFile { return p.file }
func (p *btreeLeafPage) isDirty() (TransactionID, bool) { return p.dirtyTid, p.dirty }
func (p *btreeLeafPage) markDirty(dirty bool, tid TransactionID) {
	p.dirty = dirty
	if dirty {
		p.dirtyTid = tid
	}
}

func (p *btreeLeafPage) numUsedSlots() int {
	n := 0
	for _, t := range p.tuples {
		if t != nil {
			n++
		}
	}
	return n
}

func (p *btreeLeafPage) emptySlots() int {
	return len(p.tuples) - p.numUsedSlots()
}

// orderedTuples returns the leaf's non-empty tuples left to right; the
// page is kept sorted in place so this is just a compaction scan.
func (p *btreeLeafPage) orderedTuples() []*Tuple {
	out := make([]*Tuple, 0, p.numUsedSlots())
	for _, t := range p.tuples {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// insertTupleSorted inserts t keeping the page's tuples in ascending
// key order; fails if the page has no empty slot.
func (p *btreeLeafPage) insertTupleSorted(t *Tuple) error {
	if p.emptySlots() == 0 {
		return newGoDBError(BufferPoolFullError, "leaf page has no empty slots")
	}
	ordered := p.orderedTuples()
	idx := len(ordered)
	key := keyOf(t, p.keyField)
	for i, existing := range ordered {
		if key.EvalPred(keyOf(existing, p.keyField), OpLte) {
			idx = i
			break
		}
	}
	ordered = append(ordered, nil)
	copy(ordered[idx+1:], ordered[idx:])
	ordered[idx] = t

	for i := range p.tuples {
		if i < len(ordered) {
			p.tuples[i] = ordered[i]
		} else {
			p.tuples[i] = nil
		}
	}
	p.reassignRids()
	p.dirty = true
	return nil
}

func (p *btreeLeafPage) reassignRids() {
	for i, t := range p.tuples {
		if t == nil {
			continue
		}
		rid := RecordID{PID: p.getID(), SlotNo: i}
		t.Rid = &rid
	}
}

func (p *btreeLeafPage) deleteTupleAt(rid RecordID) error {
	if rid.SlotNo < 0 || rid.SlotNo >= len(p.tuples) || p.tuples[rid.SlotNo] == nil {
		return newGoDBError(NoSuchPageError, "invalid slot or tuple does not exist: slot %d", rid.SlotNo)
	}
	p.tuples[rid.SlotNo] = nil
	p.dirty = true
	return nil
}

// takeFromFront removes and returns the first n tuples of the page,
// compacting the remainder.
func (p *btreeLeafPage) takeFromFront(n int) []*Tuple {
	ordered := p.orderedTuples()
	taken := append([]*Tuple(nil), ordered[:n]...)
	rest := ordered[n:]
	for i := range p.tuples {
		if i < len(rest) {
			p.tuples[i] = rest[i]
		} else {
			p.tuples[i] = nil
		}
	}
	p.reassignRids()
	p.dirty = true
	return taken
}

// takeFromBack removes and returns the last n tuples of the page.
func (p *btreeLeafPage) takeFromBack(n int) []*Tuple {
	ordered := p.orderedTuples()
	split := len(ordered) - n
	taken := append([]*Tuple(nil), ordered[split:]...)
	rest := ordered[:split]
	for i := range p.tuples {
		if i < len(rest) {
			p.tuples[i] = rest[i]
		} else {
			p.tuples[i] = nil
		}
	}
	p.reassignRids()
	p.dirty = true
	return taken
}

func (p *btreeLeafPage) getPageData() ([]byte, error) {
	buf := new(bytes.Buffer)
	var hdr [16]byte
	putUint32(hdr[0:4], uint32(p.parent))
	putUint32(hdr[4:8], uint32(p.leftSib))
	putUint32(hdr[8:12], uint32(p.rightSib))
	putUint32(hdr[12:16], uint32(p.numUsedSlots()))
	buf.Write(hdr[:])

	for _, t := range p.tuples {
		if t == nil {
			continue
		}
		if err := t.writeTo(buf); err != nil {
			return nil, err
		}
	}
	if buf.Len() < PageSize {
		buf.Write(make([]byte, PageSize-buf.Len()))
	}
	return buf.Bytes(), nil
}

func (p *btreeLeafPage) initFromBuffer(b []byte) error {
	p.parent = int32(getUint32(b[0:4]))
	p.leftSib = int32(getUint32(b[4:8]))
	p.rightSib = int32(getUint32(b[8:12]))
	numUsed := int(getUint32(b[12:16]))

	perTuple, err := p.desc.bytesPerTuple()
	if err != nil {
		return err
	}
	p.numSlots = int32((PageSize - 16) / perTuple)
	p.tuples = make([]*Tuple, p.numSlots)

	buf := bytes.NewBuffer(b[16:])
	for i := 0; i < numUsed; i++ {
		t, err := readTupleFrom(buf, p.desc)
		if err != nil {
			return err
		}
		rid := RecordID{PID: p.getID(), SlotNo: i}
		t.Rid = &rid
		p.tuples[i] = t
	}
	return nil
}

func (p *btreeLeafPage) getBeforeImage() Page {
	data := p.beforeImage
	if data == nil {
		data, _ = p.getPageData()
	}
	before, err := newBTreeLeafPage(p.pageNumber, p.file)
	if err != nil {
		return p
	}
	_ = before.initFromBuffer(data)
	return before
}

func (p *btreeLeafPage) setBeforeImage() {
	data, _ := p.getPageData()
	p.beforeImage = append([]byte(nil), data...)
}
