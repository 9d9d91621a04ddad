package godb

// HeapFile is an unordered collection of tuples stored as a sequence of
// fixed-size slotted pages in one backing file. It is one of the two
// concrete DBFile implementations the buffer pool can drive (the other
// is BTreeFile).

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	boom "github.com/tylertreat/BoomFilters"
)

type HeapFile struct {
	backingFile string
	tupleDesc   *TupleDesc
	tableID     int32
	bufPool     *BufferPool

	mu       sync.Mutex
	pagesNum int

	// probablyFull is a Bloom-filter accelerator: a page number added
	// here was observed full on a prior insertTuple scan, and insertTuple
	// skips every page the filter reports without fetching it.
	// deleteTuple clears the filter, since the page it frees a slot on may
	// be in it. A Bloom false positive can still make insertTuple skip a
	// page that has a free slot; the tuple then goes to a later page or to
	// a newly appended one.
	probablyFull *boom.BloomFilter
}

// NewHeapFile creates a HeapFile backed by fromFile (which may be new or
// a previously created heap file) with schema td, registered against bp
// for all page caching.
func NewHeapFile(fromFile string, td *TupleDesc, bp *BufferPool) (*HeapFile, error) {
	f := &HeapFile{
		backingFile:  fromFile,
		tupleDesc:    td,
		tableID:      tableIDFromPath(fromFile),
		bufPool:      bp,
		probablyFull: boom.NewBloomFilter(1024, 0.01),
	}
	f.pagesNum = f.numPages()
	return f, nil
}

func (f *HeapFile) getID() int32 {
	return f.tableID
}

func (f *HeapFile) getTupleDesc() *TupleDesc {
	return f.tupleDesc
}

// BackingFile returns the name of the file backing this HeapFile.
func (f *HeapFile) BackingFile() string {
	return f.backingFile
}

// numPages returns the number of pages currently in the heap file, based
// on backing-file length.
func (f *HeapFile) numPages() int {
	info, err := os.Stat(f.backingFile)
	if err != nil {
		return 0
	}
	size := info.Size()
	n := int(size / int64(PageSize))
	if size%int64(PageSize) != 0 {
		n++
	}
	return n
}

// LoadFromCSV loads the contents of a CSV file into the heap file, one
// tuple per non-header line.
func (f *HeapFile) LoadFromCSV(file *os.File, hasHeader bool, sep string, skipLastField bool) error {
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		raw := scanner.Text()
		fields := strings.Split(raw, sep)
		if skipLastField {
			fields = fields[:len(fields)-1]
		}
		line++
		if line == 1 && hasHeader {
			continue
		}
		if len(fields) != len(f.tupleDesc.Fields) {
			return newGoDBError(MalformedDataError, "LoadFromCSV: line %d (%s) has %d fields, expected %d", line, raw, len(fields), len(f.tupleDesc.Fields))
		}

		values := make([]DBValue, len(fields))
		for i, raw := range fields {
			switch f.tupleDesc.Fields[i].Ftype {
			case IntType:
				v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
				if err != nil {
					return newGoDBError(TypeMismatchError, "LoadFromCSV: could not parse %q as int on line %d", raw, line)
				}
				values[i] = IntField{Value: v}
			case StringType:
				if len(raw) > StringLength {
					raw = raw[:StringLength]
				}
				values[i] = StringField{Value: raw}
			}
		}

		tid := NewTID()
		t := &Tuple{Desc: *f.tupleDesc, Fields: values}
		if err := f.bufPool.InsertTuple(tid, f, t); err != nil {
			f.bufPool.TransactionComplete(tid, false)
			return err
		}
		if err := f.bufPool.TransactionComplete(tid, true); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// readPage reads pageNo from the backing file.
func (f *HeapFile) readPage(pid PageID) (Page, error) {
	data := make([]byte, PageSize)
	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, newGoDBError(IoError, "failed to open heap file: %v", err)
	}
	defer file.Close()

	if _, err := file.Seek(int64(pid.PageNo)*int64(PageSize), io.SeekStart); err != nil {
		return nil, newGoDBError(IoError, "failed to seek: %v", err)
	}
	if _, err := io.ReadFull(file, data); err != nil {
		return nil, newGoDBError(IoError, "failed to read page: %v", err)
	}

	hp := &heapPage{pageNumber: int(pid.PageNo), desc: f.tupleDesc, file: f}
	if err := hp.initFromBuffer(bytes.NewBuffer(data)); err != nil {
		return nil, fmt.Errorf("failed to initialize heap page: %w", err)
	}
	hp.setBeforeImage()
	return hp, nil
}

// insertTuple finds the first page with a free slot among the pages the
// probablyFull accelerator does not report (those are skipped without
// being fetched), or appends a new page if none has room.
func (f *HeapFile) insertTuple(tid TransactionID, t *Tuple) ([]Page, error) {
	if len(t.Fields) != len(f.tupleDesc.Fields) {
		return nil, newGoDBError(TypeMismatchError, "tuple field count does not match heap file's schema")
	}

	f.mu.Lock()
	pagesNum := f.pagesNum
	f.mu.Unlock()

	for pageNo := 0; pageNo < pagesNum; pageNo++ {
		if f.probablyFull.Test([]byte(strconv.Itoa(pageNo))) {
			continue
		}
		pid := PageID{TableID: f.tableID, PageNo: int32(pageNo), Kind: HeapPageKind}
		page, err := f.bufPool.GetPage(tid, pid, WritePerm, f)
		if err != nil {
			return nil, err
		}
		hp := page.(*heapPage)
		if hp.numUsedSlots >= hp.numSlots {
			f.probablyFull.Add([]byte(strconv.Itoa(pageNo)))
			continue
		}
		if _, err := hp.insertTuple(t); err != nil {
			return nil, err
		}
		return []Page{hp}, nil
	}

	return f.createNewPage(tid, t)
}

func (f *HeapFile) createNewPage(tid TransactionID, t *Tuple) ([]Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pageNo := f.pagesNum
	blank := make([]byte, PageSize)
	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, newGoDBError(IoError, "failed to open heap file: %v", err)
	}
	if _, err := file.WriteAt(blank, int64(pageNo)*int64(PageSize)); err != nil {
		file.Close()
		return nil, newGoDBError(IoError, "failed to grow heap file: %v", err)
	}
	file.Close()
	f.pagesNum++

	pid := PageID{TableID: f.tableID, PageNo: int32(pageNo), Kind: HeapPageKind}
	page, err := f.bufPool.GetPage(tid, pid, WritePerm, f)
	if err != nil {
		return nil, err
	}
	hp := page.(*heapPage)
	if _, err := hp.insertTuple(t); err != nil {
		return nil, err
	}
	return []Page{hp}, nil
}

// deleteTuple removes t (using its Rid) from the page it names.
func (f *HeapFile) deleteTuple(tid TransactionID, t *Tuple) ([]Page, error) {
	if t.Rid == nil {
		return nil, newGoDBError(IllegalArgumentError, "cannot delete a tuple with no RecordID")
	}
	page, err := f.bufPool.GetPage(tid, t.Rid.PID, WritePerm, f)
	if err != nil {
		return nil, err
	}
	hp := page.(*heapPage)
	if err := hp.deleteTuple(*t.Rid); err != nil {
		return nil, err
	}
	// The page now has a free slot but may be in probablyFull; start the
	// filter afresh so insertTuple considers it again.
	f.probablyFull = boom.NewBloomFilter(1024, 0.01)
	return []Page{hp}, nil
}

// writePage forces p back to its offset in the backing file.
func (f *HeapFile) writePage(p Page) error {
	hp, ok := p.(*heapPage)
	if !ok {
		return newGoDBError(PageDispatchError, "heap file asked to write a non-heap page")
	}
	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return newGoDBError(IoError, "failed to open heap file: %v", err)
	}
	defer file.Close()

	data, err := hp.getPageData()
	if err != nil {
		return err
	}
	if _, err := file.WriteAt(data, int64(hp.pageNumber)*int64(PageSize)); err != nil {
		return newGoDBError(IoError, "failed to write heap page: %v", err)
	}
	return nil
}

// Descriptor returns the TupleDesc for this HeapFile.
func (f *HeapFile) Descriptor() *TupleDesc {
	return f.tupleDesc
}

// heapFileIterator walks the heap file page by page through the buffer
// pool, under READ_ONLY locks, yielding each resident tuple in turn.
type heapFileIterator struct {
	file    *HeapFile
	tid     TransactionID
	pageNo  int
	tupIter func() (*Tuple, error)
	pending *Tuple
	open    bool
}

func (f *HeapFile) iterator(tid TransactionID) (DBFileIterator, error) {
	return &heapFileIterator{file: f, tid: tid}, nil
}

func (it *heapFileIterator) Open() error {
	it.open = true
	it.pageNo = 0
	it.tupIter = nil
	it.pending = nil
	return nil
}

func (it *heapFileIterator) advance() error {
	for {
		if it.pageNo >= it.file.pagesNum {
			it.pending = nil
			return nil
		}
		if it.tupIter == nil {
			pid := PageID{TableID: it.file.tableID, PageNo: int32(it.pageNo), Kind: HeapPageKind}
			page, err := it.file.bufPool.GetPage(it.tid, pid, ReadPerm, it.file)
			if err != nil {
				return err
			}
			hp := page.(*heapPage)
			it.tupIter = hp.tupleIter()
		}
		t, err := it.tupIter()
		if err != nil {
			return err
		}
		if t == nil {
			it.tupIter = nil
			it.pageNo++
			continue
		}
		t.Desc = *it.file.tupleDesc
		it.pending = t
		return nil
	}
}

func (it *heapFileIterator) HasNext() (bool, error) {
	if !it.open {
		return false, newGoDBError(IteratorNotOpenError, "heap file iterator not open")
	}
	if it.pending != nil {
		return true, nil
	}
	if err := it.advance(); err != nil {
		return false, err
	}
	return it.pending != nil, nil
}

func (it *heapFileIterator) Next() (*Tuple, error) {
	if !it.open {
		return nil, newGoDBError(IteratorNotOpenError, "heap file iterator not open")
	}
	if it.pending == nil {
		if err := it.advance(); err != nil {
			return nil, err
		}
	}
	t := it.pending
	it.pending = nil
	return t, nil
}

func (it *heapFileIterator) Rewind() error {
	return it.Open()
}

func (it *heapFileIterator) Close() error {
	it.open = false
	return nil
}
