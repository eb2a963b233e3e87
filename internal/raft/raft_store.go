package raft

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

type raftStore interface {
	raft.LogStore
	raft.StableStore
	io.Closer
}

// openRaftStore opens the configured log/stable backend under raftDir.
func openRaftStore(raftDir string, cfg ClusterConfig) (raftStore, error) {
	var (
		store raftStore
		err   error
	)
	switch cfg.RaftStore {
	case "bolt":
		store, err = raftboltdb.New(raftboltdb.Options{
			Path:   filepath.Join(raftDir, "raft.db"),
			NoSync: cfg.RaftNoSync,
		})
	case "badger":
		store, err = openBadgerRaftStore(raftDir, cfg.RaftNoSync)
	case "pebble":
		store, err = openPebbleRaftStore(raftDir, cfg.RaftNoSync)
	default:
		return nil, fmt.Errorf("unsupported raft store %q (expected bolt, badger, or pebble)", cfg.RaftStore)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s raft store: %w", cfg.RaftStore, err)
	}
	return store, nil
}
