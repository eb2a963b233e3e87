package raft

import (
	"database/sql"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	hashraft "github.com/hashicorp/raft"
	"github.com/user/flowq/internal/store"
)

// DirectApplier applies operations through the FSM without Raft networking.
// It backs single-node mode and tests.
type DirectApplier struct {
	mu     sync.Mutex
	fsm    *FSM
	pdb    *pebble.DB
	sqlite *sql.DB
	closed bool
}

// NewDirectApplier opens Pebble and the SQLite view under dataDir.
func NewDirectApplier(dataDir string) (*DirectApplier, error) {
	pdb, err := pebble.Open(filepath.Join(dataDir, "pebble"), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	sqliteDB, err := openMaterializedView(filepath.Join(dataDir, "flowq.db"))
	if err != nil {
		pdb.Close()
		return nil, err
	}
	return &DirectApplier{
		fsm:    NewFSM(pdb, sqliteDB),
		pdb:    pdb,
		sqlite: sqliteDB,
	}, nil
}

// Apply implements store.Applier. Ops are serialized like Raft log entries.
func (d *DirectApplier) Apply(opType store.OpType, data any) *store.OpResult {
	opBytes, err := store.MarshalOp(opType, data)
	if err != nil {
		return &store.OpResult{Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return &store.OpResult{Err: store.ErrClosed}
	}
	return d.fsm.Apply(&hashraft.Log{Data: opBytes}).(*store.OpResult)
}

// Ready reports whether the applier accepts writes.
func (d *DirectApplier) Ready() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}
	return nil
}

// PebbleDB returns the Pebble database for reads.
func (d *DirectApplier) PebbleDB() *pebble.DB {
	return d.pdb
}

// SQLiteDB returns the SQLite database for read access.
func (d *DirectApplier) SQLiteDB() *sql.DB {
	return d.sqlite
}

// Close closes both Pebble and SQLite. It is safe to call twice.
func (d *DirectApplier) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.fsm.Close()
	err := d.pdb.Close()
	if cerr := d.sqlite.Close(); err == nil {
		err = cerr
	}
	return err
}
