package godb

// heapPage implements Page for pages of a HeapFile: a slotted page of
// fixed-width tuples, preceded by a small header recording the slot
// count and used-slot count. Deletions leave a hole (tuples keep their
// slot number for the lifetime of the cached page); slots are only
// renumbered when the page is re-read from disk.

import (
	"bytes"
	"encoding/binary"
)

type heapPage struct {
	dirty      bool
	dirtyTid   TransactionID
	pageNumber int

	numSlots     int32
	numUsedSlots int32

	desc   *TupleDesc
	file   *HeapFile
	tuples []*Tuple

	beforeImage []byte
}

// newHeapPage constructs a fresh, empty heap page for pageNo in f.
func newHeapPage(desc *TupleDesc, pageNo int, f *HeapFile) (*heapPage, error) {
	perTuple, err := desc.bytesPerTuple()
	if err != nil {
		return nil, err
	}
	if perTuple <= 0 {
		return nil, newGoDBError(TypeMismatchError, "tuple descriptor has zero width")
	}
	page := &heapPage{
		pageNumber: pageNo,
		numSlots:   int32((PageSize - 8) / perTuple),
		desc:       desc,
		file:       f,
	}
	page.tuples = make([]*Tuple, page.numSlots)
	return page, nil
}

func (h *heapPage) getNumSlots() int {
	return int(h.numSlots)
}

func (h *heapPage) getID() PageID {
	return PageID{TableID: h.file.getID(), PageNo: int32(h.pageNumber), Kind: HeapPageKind}
}

func (h *heapPage) getFile() DBFile {
	return h.file
}

func (h *heapPage) isDirty() (TransactionID, bool) {
	return h.dirtyTid, h.dirty
}

func (h *heapPage) markDirty(dirty bool, tid TransactionID) {
	h.dirty = dirty
	if dirty {
		h.dirtyTid = tid
	}
}

// getBeforeImage returns the page's pre-modification snapshot as a
// standalone Page, decoded from the raw bytes captured by the last call
// to setBeforeImage (or the page's initial on-disk contents).
func (h *heapPage) getBeforeImage() Page {
	data := h.beforeImage
	if data == nil {
		data, _ = h.getPageData()
	}
	before := &heapPage{pageNumber: h.pageNumber, desc: h.desc, file: h.file}
	if err := before.initFromBuffer(bytes.NewBuffer(append([]byte(nil), data...))); err != nil {
		return before
	}
	return before
}

func (h *heapPage) setBeforeImage() {
	data, err := h.getPageData()
	if err != nil {
		return
	}
	h.beforeImage = append([]byte(nil), data...)
}

// insertTuple inserts t into the first free slot on the page, sets its
// Rid, and returns that Rid. Returns an error if the page is full.
func (h *heapPage) insertTuple(t *Tuple) (RecordID, error) {
	for slot, existing := range h.tuples {
		if existing != nil {
			continue
		}
		rid := RecordID{PID: h.getID(), SlotNo: slot}
		h.tuples[slot] = &Tuple{Desc: *h.desc, Fields: t.Fields, Rid: &rid}
		t.Rid = &rid
		h.numUsedSlots++
		h.dirty = true
		return rid, nil
	}
	return RecordID{}, newGoDBError(BufferPoolFullError, "no available slots for tuple insertion")
}

// deleteTuple removes the tuple at rid's slot number.
func (h *heapPage) deleteTuple(rid RecordID) error {
	if rid.SlotNo < 0 || rid.SlotNo >= len(h.tuples) || h.tuples[rid.SlotNo] == nil {
		return newGoDBError(NoSuchPageError, "invalid slot or tuple does not exist: slot %d", rid.SlotNo)
	}
	h.tuples[rid.SlotNo] = nil
	h.numUsedSlots--
	h.dirty = true
	return nil
}

// getPageData serializes the page: slot count, used-slot count, then
// each tuple in slot order (empty slots contribute nothing), padded out
// to exactly PageSize bytes.
func (h *heapPage) getPageData() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, h.numSlots); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, h.numUsedSlots); err != nil {
		return nil, err
	}
	for _, t := range h.tuples {
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

// initFromBuffer populates the page from a previously serialized image.
func (h *heapPage) initFromBuffer(buf *bytes.Buffer) error {
	if err := binary.Read(buf, binary.LittleEndian, &h.numSlots); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.LittleEndian, &h.numUsedSlots); err != nil {
		return err
	}
	if h.numSlots == 0 {
		// A freshly appended page is all zeros on disk; size it from the
		// descriptor the same way newHeapPage does.
		fresh, err := newHeapPage(h.desc, h.pageNumber, h.file)
		if err != nil {
			return err
		}
		h.numSlots = fresh.numSlots
	}
	h.tuples = make([]*Tuple, h.numSlots)
	for i := 0; i < int(h.numUsedSlots); i++ {
		t, err := readTupleFrom(buf, h.desc)
		if err != nil {
			return err
		}
		rid := RecordID{PID: h.getID(), SlotNo: i}
		t.Rid = &rid
		h.tuples[i] = t
	}
	return nil
}

// tupleIter returns a closure yielding each occupied slot's tuple in
// slot order, then nil.
func (h *heapPage) tupleIter() func() (*Tuple, error) {
	i := 0
	return func() (*Tuple, error) {
		for i < len(h.tuples) {
			t := h.tuples[i]
			i++
			if t != nil {
				return t, nil
			}
		}
		return nil, nil
	}
}
