package raft

import "time"

// ClusterConfig configures a Raft node.
type ClusterConfig struct {
	NodeID            string        // Unique node identifier
	DataDir           string        // Base directory for pebble, sqlite and raft state
	SQLitePath        string        // Materialized view path (default DataDir/flowq.db)
	RaftBind          string        // Raft transport bind address (e.g. ":9400")
	RaftAdvertise     string        // Advertised Raft address peers should dial
	RaftStore         string        // Raft log/stable backend: bolt, badger or pebble
	RaftNoSync        bool          // Disable Raft log fsync (unsafe; benchmark only)
	PebbleNoSync      bool          // Disable Pebble fsync (unsafe; benchmark only)
	SQLiteMirror      bool          // Mirror Pebble mutations into SQLite
	Bootstrap         bool          // Bootstrap as single-node cluster
	JoinAddr          string        // HTTP address of an existing member to join
	ApplyTimeout      time.Duration // Timeout for raft.Apply
	ApplyMaxPending   int           // Max concurrent applies before fail-fast backpressure
	SnapshotThreshold uint64        // Log entries between snapshots
	SnapshotInterval  time.Duration // How often raft checks whether to snapshot
}

// DefaultClusterConfig returns a ClusterConfig with sensible defaults.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		NodeID:            "node-1",
		DataDir:           "data",
		RaftBind:          ":9400",
		RaftStore:         "bolt",
		SQLiteMirror:      true,
		Bootstrap:         true,
		ApplyTimeout:      10 * time.Second,
		ApplyMaxPending:   4096,
		SnapshotThreshold: 4096,
		SnapshotInterval:  time.Minute,
	}
}

func (cfg *ClusterConfig) withDefaults() {
	d := DefaultClusterConfig()
	if cfg.NodeID == "" {
		cfg.NodeID = d.NodeID
	}
	if cfg.DataDir == "" {
		cfg.DataDir = d.DataDir
	}
	if cfg.RaftBind == "" {
		cfg.RaftBind = d.RaftBind
	}
	if cfg.RaftStore == "" {
		cfg.RaftStore = d.RaftStore
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = d.ApplyTimeout
	}
	if cfg.ApplyMaxPending <= 0 {
		cfg.ApplyMaxPending = d.ApplyMaxPending
	}
	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = d.SnapshotThreshold
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = d.SnapshotInterval
	}
}
