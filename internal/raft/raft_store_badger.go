package raft

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
)

// badgerDeleteChunk keeps each delete transaction under Badger's size limit.
const badgerDeleteChunk = 256

type badgerRaftStore struct {
	db *badger.DB
}

func openBadgerRaftStore(raftDir string, noSync bool) (*badgerRaftStore, error) {
	opts := badger.DefaultOptions(filepath.Join(raftDir, "badger"))
	opts.Logger = nil
	opts.SyncWrites = !noSync
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger raft store: %w", err)
	}
	return &badgerRaftStore{db: db}, nil
}

func (s *badgerRaftStore) Close() error {
	return s.db.Close()
}

// edgeIndex returns the first (or last, when reverse) stored log index.
func (s *badgerRaftStore) edgeIndex(reverse bool) (uint64, error) {
	var idx uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = reverse
		opts.Prefix = []byte(raftLogPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := []byte(raftLogPrefix)
		if reverse {
			seek = append(seek, bytes.Repeat([]byte{0xFF}, 8)...)
		}
		it.Seek(seek)
		if it.Valid() {
			idx = raftLogIndex(it.Item().Key())
		}
		return nil
	})
	return idx, err
}

func (s *badgerRaftStore) FirstIndex() (uint64, error) {
	return s.edgeIndex(false)
}

func (s *badgerRaftStore) LastIndex() (uint64, error) {
	return s.edgeIndex(true)
}

func (s *badgerRaftStore) GetLog(index uint64, out *raft.Log) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(raftLogKey(index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return raft.ErrLogNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			l, err := decodeRaftLog(v)
			if err != nil {
				return err
			}
			*out = l
			return nil
		})
	})
}

func (s *badgerRaftStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

func (s *badgerRaftStore) StoreLogs(logs []*raft.Log) error {
	if len(logs) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, l := range logs {
		if err := wb.Set(raftLogKey(l.Index), encodeRaftLog(l)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *badgerRaftStore) DeleteRange(min, max uint64) error {
	for start := min; start <= max; {
		end := start + badgerDeleteChunk - 1
		if end > max || end < start {
			end = max
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			for i := start; ; i++ {
				if err := txn.Delete(raftLogKey(i)); err != nil {
					return err
				}
				if i == end {
					return nil
				}
			}
		})
		if err != nil {
			return err
		}
		if end == max {
			return nil
		}
		start = end + 1
	}
	return nil
}

func (s *badgerRaftStore) Set(key []byte, val []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(raftStableKey(key), val)
	})
}

func (s *badgerRaftStore) Get(key []byte) ([]byte, error) {
	out := []byte{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(raftStableKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *badgerRaftStore) SetUint64(key []byte, val uint64) error {
	return s.Set(key, encodeStableUint64(val))
}

func (s *badgerRaftStore) GetUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	return decodeStableUint64(v)
}

