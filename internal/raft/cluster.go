package raft

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/hashicorp/raft"
	"github.com/user/flowq/internal/store"
)

// ApplyObserver receives the outcome of every replicated apply.
type ApplyObserver func(opType store.OpType, d time.Duration, err error)

// Cluster manages the Raft node, the Pebble KV store and the SQLite
// materialized view.
type Cluster struct {
	raft      *raft.Raft
	fsm       *FSM
	transport *raft.NetworkTransport
	logStore  raftStore
	snapshot  raft.SnapshotStore
	config    ClusterConfig
	pending   chan struct{}
	observer  ApplyObserver
}

// NewCluster creates and starts a Raft node.
func NewCluster(cfg ClusterConfig) (*Cluster, error) {
	cfg.withDefaults()
	cfg.RaftStore = strings.ToLower(cfg.RaftStore)

	pebbleDir := filepath.Join(cfg.DataDir, "pebble")
	raftDir := filepath.Join(cfg.DataDir, "raft")
	for _, dir := range []string{pebbleDir, raftDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()
	pebbleOpts := &pebble.Options{
		Cache:                 cache,
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 8,
		L0StopWritesThreshold: 24,
		Levels: []pebble.LevelOptions{
			{FilterPolicy: bloom.FilterPolicy(10)},
		},
	}
	pdb, err := pebble.Open(pebbleDir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	sqlitePath := strings.TrimSpace(cfg.SQLitePath)
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.DataDir, "flowq.db")
	}
	sqliteDB, err := openMaterializedView(sqlitePath)
	if err != nil {
		pdb.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	fsm := NewFSM(pdb, sqliteDB)
	fsm.SetPebbleNoSync(cfg.PebbleNoSync)
	fsm.SetSQLiteMirrorEnabled(cfg.SQLiteMirror)

	closeAll := func(closers ...func() error) {
		for _, c := range closers {
			_ = c()
		}
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.SnapshotThreshold = cfg.SnapshotThreshold
	raftConfig.SnapshotInterval = cfg.SnapshotInterval

	transport, err := newTCPTransport(cfg.RaftBind, cfg.RaftAdvertise)
	if err != nil {
		closeAll(pdb.Close, sqliteDB.Close)
		return nil, fmt.Errorf("create transport: %w", err)
	}

	logStore, err := openRaftStore(raftDir, cfg)
	if err != nil {
		closeAll(pdb.Close, sqliteDB.Close, transport.Close)
		return nil, err
	}

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		closeAll(pdb.Close, sqliteDB.Close, transport.Close, logStore.Close)
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}
	if err := prepareFSMForRecovery(pdb, snapshotStore); err != nil {
		closeAll(pdb.Close, sqliteDB.Close, transport.Close, logStore.Close)
		return nil, fmt.Errorf("prepare fsm recovery: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, logStore, snapshotStore, transport)
	if err != nil {
		closeAll(pdb.Close, sqliteDB.Close, transport.Close, logStore.Close)
		return nil, fmt.Errorf("create raft: %w", err)
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: transport.LocalAddr(),
			}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			slog.Warn("bootstrap cluster", "error", err)
		}
	}

	slog.Info("raft cluster started",
		"node_id", cfg.NodeID,
		"raft_bind", cfg.RaftBind,
		"raft_store", cfg.RaftStore,
		"raft_no_sync", cfg.RaftNoSync,
		"pebble_no_sync", cfg.PebbleNoSync,
		"sqlite_mirror", cfg.SQLiteMirror,
		"snapshot_threshold", cfg.SnapshotThreshold,
		"bootstrap", cfg.Bootstrap,
	)

	return &Cluster{
		raft:      r,
		fsm:       fsm,
		transport: transport,
		logStore:  logStore,
		snapshot:  snapshotStore,
		config:    cfg,
		pending:   make(chan struct{}, cfg.ApplyMaxPending),
	}, nil
}

func prepareFSMForRecovery(pdb *pebble.DB, snapshotStore raft.SnapshotStore) error {
	snapshots, err := snapshotStore.List()
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	if len(snapshots) > 0 {
		return nil
	}
	// Without a snapshot the whole log is replayed, so start from empty.
	if err := clearPebbleAll(pdb); err != nil {
		return err
	}
	slog.Info("recovery prep: no snapshot found; cleared local pebble state before raft replay")
	return nil
}

func clearPebbleAll(pdb *pebble.DB) error {
	batch := pdb.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange([]byte{0x00}, []byte{0xff}, nil); err != nil {
		return fmt.Errorf("delete range pebble: %w", err)
	}
	return batch.Commit(pebble.Sync)
}

// SetApplyObserver installs a callback invoked after every apply.
func (c *Cluster) SetApplyObserver(fn ApplyObserver) {
	c.observer = fn
}

// Apply implements store.Applier by replicating the op through Raft.
func (c *Cluster) Apply(opType store.OpType, data any) *store.OpResult {
	select {
	case c.pending <- struct{}{}:
		defer func() { <-c.pending }()
	default:
		return &store.OpResult{Err: store.NewStoreUnavailable("apply backlog full, retry later")}
	}

	start := time.Now()
	res := c.apply(opType, data)
	if c.observer != nil {
		c.observer(opType, time.Since(start), res.Err)
	}
	return res
}

func (c *Cluster) apply(opType store.OpType, data any) *store.OpResult {
	opBytes, err := store.MarshalOp(opType, data)
	if err != nil {
		return &store.OpResult{Err: fmt.Errorf("marshal op: %w", err)}
	}
	future := c.raft.Apply(opBytes, c.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return &store.OpResult{Err: store.NewStoreUnavailable(
				fmt.Sprintf("not the leader (leader: %s)", c.LeaderAddr()))}
		}
		return &store.OpResult{Err: store.NewStoreUnavailable(fmt.Sprintf("raft apply: %v", err))}
	}
	result, ok := future.Response().(*store.OpResult)
	if !ok {
		return &store.OpResult{Err: fmt.Errorf("unexpected response type: %T", future.Response())}
	}
	return result
}

// Ready reports whether this node can accept writes.
func (c *Cluster) Ready() error {
	if c.IsLeader() {
		return nil
	}
	if addr := c.LeaderAddr(); addr != "" {
		return store.NewStoreUnavailable("not the leader (leader: " + addr + ")")
	}
	return store.NewStoreUnavailable("no raft leader elected")
}

// IsLeader returns true if this node is the Raft leader.
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// LeaderAddr returns the Raft address of the current leader.
func (c *Cluster) LeaderAddr() string {
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// LeaderID returns the ID of the current leader.
func (c *Cluster) LeaderID() string {
	_, id := c.raft.LeaderWithID()
	return string(id)
}

// SQLiteReadDB returns the local SQLite database for read queries.
func (c *Cluster) SQLiteReadDB() *sql.DB {
	return c.fsm.SQLiteDB()
}

// PebbleDB returns the underlying Pebble database.
func (c *Cluster) PebbleDB() *pebble.DB {
	return c.fsm.PebbleDB()
}

// State returns the Raft state (Leader, Follower, Candidate).
func (c *Cluster) State() string {
	return c.raft.State().String()
}

// AddVoter adds a new voting member to the cluster.
func (c *Cluster) AddVoter(nodeID, addr string) error {
	return c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, c.config.ApplyTimeout).Error()
}

// RemoveServer removes a node from the cluster.
func (c *Cluster) RemoveServer(nodeID string) error {
	return c.raft.RemoveServer(raft.ServerID(nodeID), 0, c.config.ApplyTimeout).Error()
}

// WaitForLeader blocks until the cluster has a leader or timeout.
func (c *Cluster) WaitForLeader(timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return fmt.Errorf("timeout waiting for leader")
		case <-ticker.C:
			if c.LeaderAddr() != "" {
				return nil
			}
		}
	}
}

// JoinCluster asks the member at httpAddr to add this node as a voter.
func (c *Cluster) JoinCluster(httpAddr string) error {
	base := strings.TrimSpace(httpAddr)
	if base == "" {
		return fmt.Errorf("leader address is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return fmt.Errorf("parse leader address: %w", err)
	}
	body, _ := json.Marshal(map[string]string{
		"node_id": c.config.NodeID,
		"addr":    string(c.transport.LocalAddr()),
	})
	req, err := http.NewRequest(http.MethodPost, u.String()+"/api/v1/cluster/join", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := (&http.Client{Timeout: c.config.ApplyTimeout}).Do(req)
	if err != nil {
		return fmt.Errorf("join request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		var m map[string]any
		_ = json.NewDecoder(res.Body).Decode(&m)
		if msg, ok := m["error"].(string); ok && msg != "" {
			return fmt.Errorf("join rejected: %s", msg)
		}
		return fmt.Errorf("join rejected: status %d", res.StatusCode)
	}
	return nil
}

// ServerInfo describes a node in the cluster.
type ServerInfo struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Voter   bool   `json:"voter"`
}

// Configuration returns the current Raft membership.
func (c *Cluster) Configuration() ([]ServerInfo, error) {
	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	var servers []ServerInfo
	for _, s := range future.Configuration().Servers {
		servers = append(servers, ServerInfo{
			ID:      string(s.ID),
			Address: string(s.Address),
			Voter:   s.Suffrage == raft.Voter,
		})
	}
	return servers, nil
}

// ClusterStatus returns a JSON-friendly status of the node.
func (c *Cluster) ClusterStatus() map[string]any {
	stats := c.raft.Stats()
	servers, _ := c.Configuration()
	return map[string]any{
		"mode":           "cluster",
		"state":          c.State(),
		"node_id":        c.config.NodeID,
		"leader_id":      c.LeaderID(),
		"leader_addr":    c.LeaderAddr(),
		"applied_index":  stats["applied_index"],
		"commit_index":   stats["commit_index"],
		"raft_store":     c.config.RaftStore,
		"pending":        len(c.pending),
		"snapshot":       c.snapshotStatus(),
		"sqlite_rebuild": c.fsm.SQLiteRebuildStatus(),
		"nodes":          servers,
	}
}

func (c *Cluster) snapshotStatus() map[string]any {
	list, err := c.snapshot.List()
	if err != nil {
		return map[string]any{"count": 0, "error": err.Error()}
	}
	out := map[string]any{"count": len(list)}
	if len(list) > 0 {
		out["latest_id"] = list[0].ID
		out["latest_index"] = list[0].Index
		out["latest_term"] = list[0].Term
	}
	return out
}

// RebuildSQLiteFromPebble rebuilds the local SQLite view from Pebble.
func (c *Cluster) RebuildSQLiteFromPebble() error {
	return c.fsm.RebuildSQLiteFromPebble()
}

// Shutdown stops the Raft node and closes all stores.
func (c *Cluster) Shutdown() error {
	slog.Info("shutting down raft cluster")
	if err := c.raft.Shutdown().Error(); err != nil {
		slog.Error("raft shutdown error", "error", err)
	}
	c.fsm.Close()
	if err := c.transport.Close(); err != nil {
		slog.Error("transport close error", "error", err)
	}
	if err := c.logStore.Close(); err != nil {
		slog.Error("log store close error", "error", err)
	}
	if err := c.fsm.pebble.Close(); err != nil {
		slog.Error("pebble close error", "error", err)
	}
	if c.fsm.sqlite != nil {
		if err := c.fsm.sqlite.Close(); err != nil {
			slog.Error("sqlite close error", "error", err)
		}
	}
	slog.Info("raft cluster shut down")
	return nil
}

// Snapshot forces a Raft snapshot of the current FSM state.
func (c *Cluster) Snapshot() error {
	return c.raft.Snapshot().Error()
}
