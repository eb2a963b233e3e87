package raft

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/hashicorp/raft"
	"github.com/user/flowq/internal/store"
)

// FSM implements raft.FSM. Every log entry is one job operation applied as
// a single Pebble batch (source of truth); the SQLite materialized view is
// updated afterwards from the jobs the batch touched.
type FSM struct {
	pebble       *pebble.DB
	sqlite       *sql.DB
	writeOpts    *pebble.WriteOptions
	sqliteMirror bool
	sqliteMu     sync.Mutex

	rebuildMu       sync.Mutex
	lastRebuildAt   time.Time
	lastRebuildDur  time.Duration
	lastRebuildErr  string
	lastRebuildGood bool
}

// NewFSM creates a new FSM with the given Pebble and SQLite databases.
// sqliteDB may be nil to disable the mirror.
func NewFSM(pdb *pebble.DB, sqliteDB *sql.DB) *FSM {
	return &FSM{
		pebble:       pdb,
		sqlite:       sqliteDB,
		writeOpts:    pebble.Sync,
		sqliteMirror: sqliteDB != nil,
	}
}

// Apply implements raft.FSM. It dispatches the log entry to the appropriate handler.
func (f *FSM) Apply(log *raft.Log) interface{} {
	opType, data, err := store.DecodeOp(log.Data)
	if err != nil {
		return &store.OpResult{Err: fmt.Errorf("decode op: %w", err)}
	}
	return f.applyByType(opType, data)
}

func (f *FSM) applyByType(opType store.OpType, data json.RawMessage) *store.OpResult {
	switch opType {
	case store.OpAddJobs:
		return applyDecoded(data, f.applyAddJobs)
	case store.OpAddFlow:
		return applyDecoded(data, f.applyAddFlow)
	case store.OpClaim:
		return applyDecoded(data, f.applyClaim)
	case store.OpComplete:
		return applyDecoded(data, f.applyComplete)
	case store.OpFail:
		return applyDecoded(data, f.applyFail)
	case store.OpExtendLease:
		return applyDecoded(data, f.applyExtendLease)
	case store.OpPauseQueue:
		return applyDecoded(data, f.applyPauseQueue)
	case store.OpResumeQueue:
		return applyDecoded(data, f.applyResumeQueue)
	case store.OpDrain:
		return applyDecoded(data, f.applyDrain)
	case store.OpRetryJobs:
		return applyDecoded(data, f.applyRetryJobs)
	case store.OpPromoteJobs:
		return applyDecoded(data, f.applyPromoteJobs)
	case store.OpPromoteDue:
		return applyDecoded(data, f.applyPromoteDue)
	case store.OpReclaimStalled:
		return applyDecoded(data, f.applyReclaimStalled)
	case store.OpRemoveDeprecatedPriorityKey:
		return applyDecoded(data, f.applyRemoveLegacyPriority)
	case store.OpRemoveJob:
		return applyDecoded(data, f.applyRemoveJob)
	case store.OpClean:
		return applyDecoded(data, f.applyClean)
	default:
		return &store.OpResult{Err: fmt.Errorf("unknown op type: %d", opType)}
	}
}

func applyDecoded[T any](data json.RawMessage, fn func(T) *store.OpResult) *store.OpResult {
	var op T
	if err := json.Unmarshal(data, &op); err != nil {
		return &store.OpResult{Err: fmt.Errorf("unmarshal %T: %w", op, err)}
	}
	return fn(op)
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{pebble: f.pebble, sqlite: f.sqlite}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := restoreFromSnapshot(f.pebble, f.sqlite, rc); err != nil {
		return err
	}
	if f.sqlite == nil {
		return nil
	}
	return f.RebuildSQLiteFromPebble()
}

// PebbleDB returns the underlying Pebble database.
func (f *FSM) PebbleDB() *pebble.DB {
	return f.pebble
}

// SQLiteDB returns the underlying SQLite database.
func (f *FSM) SQLiteDB() *sql.DB {
	return f.sqlite
}

// syncSQLite runs a function against SQLite. Failures are logged, not
// returned: SQLite is a rebuildable view.
func (f *FSM) syncSQLite(fn func(db sqlExecer) error) {
	if !f.sqliteMirror || f.sqlite == nil {
		return
	}
	f.sqliteMu.Lock()
	defer f.sqliteMu.Unlock()
	if err := fn(f.sqlite); err != nil {
		slog.Error("sqlite sync failed (non-fatal)", "error", err)
	}
}

// SetSQLiteMirrorEnabled toggles SQLite materialized-view writes.
func (f *FSM) SetSQLiteMirrorEnabled(enabled bool) {
	f.sqliteMirror = enabled && f.sqlite != nil
}

// SetPebbleNoSync toggles Pebble fsync behavior.
func (f *FSM) SetPebbleNoSync(noSync bool) {
	if noSync {
		f.writeOpts = pebble.NoSync
		return
	}
	f.writeOpts = pebble.Sync
}

// Close is a no-op kept for symmetry with the cluster shutdown path.
func (f *FSM) Close() {}

func (f *FSM) setRebuildStatus(err error, startedAt time.Time, dur time.Duration) {
	f.rebuildMu.Lock()
	defer f.rebuildMu.Unlock()
	f.lastRebuildAt = startedAt
	f.lastRebuildDur = dur
	f.lastRebuildGood = err == nil
	if err != nil {
		f.lastRebuildErr = err.Error()
	} else {
		f.lastRebuildErr = ""
	}
}

// SQLiteRebuildStatus returns last rebuild metadata.
func (f *FSM) SQLiteRebuildStatus() map[string]any {
	f.rebuildMu.Lock()
	defer f.rebuildMu.Unlock()
	out := map[string]any{
		"ran": false,
	}
	if f.lastRebuildAt.IsZero() {
		return out
	}
	out["ran"] = true
	out["last_started_at"] = f.lastRebuildAt.UTC().Format(time.RFC3339Nano)
	out["last_duration_ms"] = f.lastRebuildDur.Milliseconds()
	out["last_success"] = f.lastRebuildGood
	if f.lastRebuildErr != "" {
		out["last_error"] = f.lastRebuildErr
	}
	return out
}
