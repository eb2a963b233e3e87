package raft

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/hashicorp/raft"
	"github.com/user/flowq/internal/kv"
)

type pebbleRaftStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

func openPebbleRaftStore(raftDir string, noSync bool) (*pebbleRaftStore, error) {
	db, err := pebble.Open(filepath.Join(raftDir, "pebble"), &pebble.Options{
		MemTableSize:          16 << 20,
		L0CompactionThreshold: 8,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble raft store: %w", err)
	}
	opts := pebble.Sync
	if noSync {
		opts = pebble.NoSync
	}
	return &pebbleRaftStore{db: db, writeOpts: opts}, nil
}

func (s *pebbleRaftStore) Close() error {
	return s.db.Close()
}

func (s *pebbleRaftStore) logIter() (*pebble.Iterator, error) {
	lower := []byte(raftLogPrefix)
	return s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: kv.PrefixUpperBound(lower)})
}

func (s *pebbleRaftStore) FirstIndex() (uint64, error) {
	iter, err := s.logIter()
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.First() {
		return 0, iter.Error()
	}
	return raftLogIndex(iter.Key()), nil
}

func (s *pebbleRaftStore) LastIndex() (uint64, error) {
	iter, err := s.logIter()
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return raftLogIndex(iter.Key()), nil
}

func (s *pebbleRaftStore) GetLog(index uint64, out *raft.Log) error {
	v, closer, err := s.db.Get(raftLogKey(index))
	if errors.Is(err, pebble.ErrNotFound) {
		return raft.ErrLogNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	l, err := decodeRaftLog(v)
	if err != nil {
		return err
	}
	*out = l
	return nil
}

func (s *pebbleRaftStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

func (s *pebbleRaftStore) StoreLogs(logs []*raft.Log) error {
	if len(logs) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, l := range logs {
		if err := batch.Set(raftLogKey(l.Index), encodeRaftLog(l), nil); err != nil {
			return err
		}
	}
	return batch.Commit(s.writeOpts)
}

// DeleteRange removes logs in [min, max] with a single range tombstone.
func (s *pebbleRaftStore) DeleteRange(min, max uint64) error {
	if min > max {
		return nil
	}
	upper := kv.PrefixUpperBound([]byte(raftLogPrefix))
	if max < ^uint64(0) {
		upper = raftLogKey(max + 1)
	}
	return s.db.DeleteRange(raftLogKey(min), upper, s.writeOpts)
}

func (s *pebbleRaftStore) Set(key []byte, val []byte) error {
	return s.db.Set(raftStableKey(key), val, s.writeOpts)
}

func (s *pebbleRaftStore) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(raftStableKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (s *pebbleRaftStore) SetUint64(key []byte, val uint64) error {
	return s.Set(key, encodeStableUint64(val))
}

func (s *pebbleRaftStore) GetUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	return decodeStableUint64(v)
}
