package godb

// Database bundles the catalog, buffer pool, and write-ahead log into
// one explicitly constructed context. spec.md's design notes rule out a
// package-level singleton so that tests can stand up several
// independent databases (e.g. to exercise eviction under a tiny buffer
// pool) in the same process without interference.

import (
	"os"

	"github.com/rs/zerolog"
)

type Database struct {
	catalog *Catalog
	buffer  *BufferPool
	wal     WAL
	log     zerolog.Logger
}

// NewDatabase wires a fresh Catalog and BufferPool (capacity numPages)
// together, using wal for commit logging. Pass NoopWAL{} when a test
// has no need of a real log file.
func NewDatabase(numPages int, wal WAL) (*Database, error) {
	bp, err := NewBufferPool(numPages)
	if err != nil {
		return nil, err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	bp.SetWAL(wal)
	bp.SetLogger(logger)
	bp.LockManager().SetLogger(logger)

	return &Database{
		catalog: NewCatalog(),
		buffer:  bp,
		wal:     wal,
		log:     logger,
	}, nil
}

func (d *Database) Catalog() *Catalog       { return d.catalog }
func (d *Database) BufferPool() *BufferPool { return d.buffer }
func (d *Database) WAL() WAL                { return d.wal }
func (d *Database) Logger() zerolog.Logger  { return d.log }

// SetLogger rewires the logger used by the database and its
// collaborators (buffer pool, lock manager).
func (d *Database) SetLogger(logger zerolog.Logger) {
	d.log = logger
	d.buffer.SetLogger(logger)
	d.buffer.LockManager().SetLogger(logger)
}
