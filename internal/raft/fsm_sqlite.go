package raft

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/flowq/internal/kv"
	"github.com/user/flowq/internal/search"
	"github.com/user/flowq/internal/store"

	_ "modernc.org/sqlite"
)

// sqlExecer abstracts *sql.DB and *sql.Tx.
type sqlExecer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

const materializedViewSchema = `
CREATE TABLE IF NOT EXISTS queues (
	name   TEXT PRIMARY KEY,
	paused INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS jobs (
	queue          TEXT NOT NULL,
	id             TEXT NOT NULL,
	name           TEXT NOT NULL,
	state          TEXT NOT NULL,
	data           TEXT,
	priority       INTEGER NOT NULL DEFAULT 0,
	parent_queue   TEXT,
	parent_id      TEXT,
	child_count    INTEGER NOT NULL DEFAULT 0,
	unresolved     INTEGER NOT NULL DEFAULT 0,
	attempts_made  INTEGER NOT NULL DEFAULT 0,
	max_attempts   INTEGER NOT NULL DEFAULT 1,
	failed_reason  TEXT,
	return_value   TEXT,
	seq            INTEGER NOT NULL,
	created_at     TEXT NOT NULL,
	ready_at       TEXT,
	processed_on   TEXT,
	finished_on    TEXT,
	PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_queue_state ON jobs(queue, state, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_queue, parent_id);
CREATE INDEX IF NOT EXISTS idx_jobs_name ON jobs(queue, name);
`

// openMaterializedView opens a SQLite database for the materialized view.
// It creates tables if they don't exist and configures WAL mode.
func openMaterializedView(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(5 * time.Minute)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=OFF",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", pragma, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(materializedViewSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create materialized view schema: %w", err)
	}
	return db, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(search.TimeLayout)
	return &s
}

func sqliteUpsertJob(db sqlExecer, j *store.Job) error {
	var parentQueue, parentID *string
	if j.Parent != nil {
		parentQueue = &j.Parent.Queue
		parentID = &j.Parent.ID
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO jobs (queue, id, name, state, data, priority,
		parent_queue, parent_id, child_count, unresolved, attempts_made, max_attempts,
		failed_reason, return_value, seq, created_at, ready_at, processed_on, finished_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.Queue, j.ID, j.Name, string(j.State), string(j.Data), j.Opts.Priority,
		parentQueue, parentID, j.ChildCount, j.UnresolvedChildCount, j.AttemptsMade, j.MaxAttempts(),
		nullableString(j.FailedReason), nullableString(string(j.ReturnValue)), int64(j.Seq),
		j.CreatedAt.UTC().Format(search.TimeLayout),
		nullableTime(j.ReadyAt), nullableTime(j.ProcessedOn), nullableTime(j.FinishedOn),
	)
	if err != nil {
		return fmt.Errorf("sqlite upsert job %s: %w", j.Key(), err)
	}
	return nil
}

func sqliteDeleteJob(db sqlExecer, k store.JobKey) error {
	if _, err := db.Exec("DELETE FROM jobs WHERE queue = ? AND id = ?", k.Queue, k.ID); err != nil {
		return fmt.Errorf("sqlite delete job %s: %w", k, err)
	}
	return nil
}

func sqliteUpsertQueue(db sqlExecer, name string, meta store.QueueMeta) error {
	_, err := db.Exec(`INSERT INTO queues (name, paused) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET paused = excluded.paused`, name, boolToInt(meta.Paused))
	return err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// RebuildSQLiteFromPebble rebuilds the materialized SQLite view from Pebble.
func (f *FSM) RebuildSQLiteFromPebble() error {
	startedAt := time.Now()
	var retErr error
	defer func() {
		f.setRebuildStatus(retErr, startedAt, time.Since(startedAt))
	}()

	f.sqliteMu.Lock()
	defer f.sqliteMu.Unlock()

	tx, err := f.sqlite.Begin()
	if err != nil {
		retErr = fmt.Errorf("begin sqlite rebuild tx: %w", err)
		return retErr
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM jobs", "DELETE FROM queues"} {
		if _, err := tx.Exec(stmt); err != nil {
			retErr = fmt.Errorf("sqlite rebuild clear (%s): %w", stmt, err)
			return retErr
		}
	}

	iter, err := f.pebble.NewIter(nil)
	if err != nil {
		retErr = fmt.Errorf("create pebble iter: %w", err)
		return retErr
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		switch {
		case bytes.HasPrefix(key, []byte(kv.PrefixQueueName)):
			name := string(key[len(kv.PrefixQueueName):])
			meta, err := store.LoadQueueMeta(f.pebble, name)
			if err != nil {
				retErr = err
				return retErr
			}
			if err := sqliteUpsertQueue(tx, name, meta); err != nil {
				retErr = err
				return retErr
			}
		case bytes.HasPrefix(key, []byte(kv.PrefixJob)):
			job, err := store.DecodeJob(iter.Value())
			if err != nil {
				continue
			}
			if err := sqliteUpsertJob(tx, job); err != nil {
				retErr = err
				return retErr
			}
		}
	}
	if err := iter.Error(); err != nil {
		retErr = err
		return retErr
	}

	if err := tx.Commit(); err != nil {
		retErr = fmt.Errorf("commit sqlite rebuild: %w", err)
		return retErr
	}
	return nil
}
