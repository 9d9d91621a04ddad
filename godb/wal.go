package godb

// WAL is the opaque write-ahead-log collaborator the buffer pool logs
// through on commit. It is intentionally narrow -- logWrite/force -- and
// implements none of crash recovery replay, which spec.md places
// explicitly out of scope for this core.

import (
	"encoding/binary"
	"os"
	"sync"
)

type WAL interface {
	LogWrite(tid TransactionID, before, after []byte) error
	Force() error
}

// FileWAL is a single append-only file recording (tid, before-image,
// after-image) records, length-prefixed. Force syncs the file to disk.
// It never reads its own records back -- recovery replay is a Non-goal
// here, this collaborator exists only so the buffer pool has something
// real to call on the FORCE path.
type FileWAL struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileWAL opens (creating if necessary) path as the backing log file.
func NewFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0666)
	if err != nil {
		return nil, newGoDBError(IoError, "failed to open WAL file: %v", err)
	}
	return &FileWAL{file: f}, nil
}

// LogWrite appends one record: tid, then length-prefixed before- and
// after-images.
func (w *FileWAL) LogWrite(tid TransactionID, before, after []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	idBytes, err := tid.id.MarshalBinary()
	if err != nil {
		return newGoDBError(IoError, "failed to marshal transaction id: %v", err)
	}

	var lenBuf [4]byte
	write := func(b []byte) error {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
		if _, err := w.file.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := w.file.Write(b)
		return err
	}

	if err := write(idBytes); err != nil {
		return newGoDBError(IoError, "wal write failed: %v", err)
	}
	if err := write(before); err != nil {
		return newGoDBError(IoError, "wal write failed: %v", err)
	}
	if err := write(after); err != nil {
		return newGoDBError(IoError, "wal write failed: %v", err)
	}
	return nil
}

// Force syncs the log file, guaranteeing every LogWrite so far is
// durable before the caller's commit returns.
func (w *FileWAL) Force() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close releases the underlying file handle.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// NoopWAL discards every record; useful for tests that don't want the
// overhead or fixtures of a real log file but still want the buffer pool
// to exercise its WAL call sites.
type NoopWAL struct{}

func (NoopWAL) LogWrite(TransactionID, []byte, []byte) error { return nil }
func (NoopWAL) Force() error                                 { return nil }
