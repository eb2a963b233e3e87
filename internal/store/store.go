package store

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

// DefaultBatchSize bounds how many jobs one batch op moves before the store
// submits the next one.
const DefaultBatchSize = 1000

// Store is the data access layer. Writes go through the Applier (Raft or
// direct); reads come from Pebble snapshots and the SQLite mirror.
type Store struct {
	applier   Applier
	pebble    *pebble.DB
	sqliteR   *sql.DB
	publisher Publisher
	logger    *slog.Logger
	batchSize int
	closed    atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithReadDB sets the SQLite mirror used for listings.
func WithReadDB(db *sql.DB) Option {
	return func(s *Store) { s.sqliteR = db }
}

// WithPublisher sets the sink for job events.
func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithBatchSize sets the per-op bound of batch operators.
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewStore creates a Store on top of applier and the Pebble database the
// applier writes to.
func NewStore(applier Applier, pdb *pebble.DB, opts ...Option) *Store {
	s := &Store{
		applier:   applier,
		pebble:    pdb,
		logger:    slog.Default(),
		batchSize: DefaultBatchSize,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ReadDB returns the SQLite mirror, or nil.
func (s *Store) ReadDB() *sql.DB {
	return s.sqliteR
}

type readyChecker interface {
	Ready() error
}

// Ready reports whether writes can currently be applied.
func (s *Store) Ready() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if rc, ok := s.applier.(readyChecker); ok {
		if err := rc.Ready(); err != nil {
			return NewStoreUnavailable(err.Error())
		}
	}
	return nil
}

// WaitUntilReady blocks until Ready succeeds, the store is closed or ctx
// is done.
func (s *Store) WaitUntilReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := s.Ready()
		if err == nil || err == ErrClosed {
			return err
		}
		select {
		case <-ctx.Done():
			return NewStoreUnavailable("wait until ready: " + ctx.Err().Error())
		case <-ticker.C:
		}
	}
}

// Close marks the store closed. Later calls fail with ErrClosed. The
// applier and databases are owned by the caller.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func nowNs() uint64 {
	return uint64(time.Now().UnixNano())
}
