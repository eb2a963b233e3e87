package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/spf13/cobra"

	"github.com/user/flowq/internal/config"
	"github.com/user/flowq/internal/events"
	"github.com/user/flowq/internal/observability"
	raftcluster "github.com/user/flowq/internal/raft"
	"github.com/user/flowq/internal/rpc"
	rpcsvc "github.com/user/flowq/internal/rpcconnect"
	"github.com/user/flowq/internal/scheduler"
	"github.com/user/flowq/internal/server"
	"github.com/user/flowq/internal/store"
)

var (
	logLevel   string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "flowq",
	Short:         "flowq: persistent job queues with flows, retries and delayed jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logLevel)
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the flowq server",
	RunE:  runServer,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective server configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServerConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var (
	bindAddr   string
	dataDir    string
	respBind   string
	nodeID     string
	raftBind   string
	raftAdv    string
	raftStore  string
	bootstrap  bool
	joinAddr   string
	durable    bool
	singleNode bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (FLOWQ_* env vars override it)")

	for _, cmd := range []*cobra.Command{serverCmd, configCmd} {
		f := cmd.Flags()
		f.StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
		f.StringVar(&dataDir, "data-dir", "data", "Directory for pebble, sqlite and raft state")
		f.StringVar(&respBind, "resp-bind", "", "Line protocol bind address (disabled when empty)")
		f.StringVar(&nodeID, "node-id", "node-1", "Unique node ID")
		f.StringVar(&raftBind, "raft-bind", ":9400", "Raft transport bind address")
		f.StringVar(&raftAdv, "raft-advertise", "", "Raft address peers dial (defaults to the bind address)")
		f.StringVar(&raftStore, "raft-store", "bolt", "Raft log/stable backend: bolt, badger or pebble")
		f.BoolVar(&bootstrap, "bootstrap", true, "Bootstrap a new single-node cluster")
		f.StringVar(&joinAddr, "join", "", "Join an existing cluster via a member's HTTP address")
		f.BoolVar(&durable, "durable", false, "Fsync the raft log on every write")
		f.BoolVar(&singleNode, "single", false, "Run without raft, applying ops directly to local storage")
	}

	rootCmd.AddCommand(serverCmd, configCmd)
}

func setupLogging(lvl string) {
	var level slog.Level
	switch strings.ToLower(lvl) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// loadServerConfig layers file, environment and explicitly set flags.
func loadServerConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	if f.Changed("bind") {
		cfg.Server.Bind = bindAddr
	}
	if f.Changed("data-dir") {
		cfg.Server.DataDir = dataDir
	}
	if f.Changed("resp-bind") {
		cfg.Server.RESPBind = respBind
	}
	if f.Changed("node-id") {
		cfg.Raft.NodeID = nodeID
	}
	if f.Changed("raft-bind") {
		cfg.Raft.Bind = raftBind
	}
	if f.Changed("raft-advertise") {
		cfg.Raft.Advertise = raftAdv
	}
	if f.Changed("raft-store") {
		cfg.Raft.Store = raftStore
	}
	if f.Changed("bootstrap") {
		cfg.Raft.Bootstrap = bootstrap
	}
	if f.Changed("join") {
		cfg.Raft.Join = joinAddr
	}
	if f.Changed("durable") {
		cfg.Raft.Durable = durable
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

// node is the storage runtime: a raft cluster or a local direct applier.
type node struct {
	applier store.Applier
	pebble  *pebble.DB
	sqlite  *sql.DB
	cluster *raftcluster.Cluster
	close   func() error
}

func openNode(cfg config.Config, metrics *observability.Metrics) (*node, error) {
	if singleNode {
		da, err := raftcluster.NewDirectApplier(cfg.Server.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		return &node{applier: da, pebble: da.PebbleDB(), sqlite: da.SQLiteDB(), close: da.Close}, nil
	}

	clusterCfg := raftcluster.DefaultClusterConfig()
	clusterCfg.NodeID = cfg.Raft.NodeID
	clusterCfg.DataDir = cfg.Server.DataDir
	clusterCfg.RaftBind = cfg.Raft.Bind
	clusterCfg.RaftAdvertise = cfg.Raft.Advertise
	clusterCfg.RaftStore = cfg.Raft.Store
	clusterCfg.RaftNoSync = !cfg.Raft.Durable
	clusterCfg.SQLiteMirror = cfg.Raft.SQLiteMirror
	clusterCfg.Bootstrap = cfg.Raft.Bootstrap && cfg.Raft.Join == ""
	clusterCfg.JoinAddr = cfg.Raft.Join
	if cfg.Raft.ApplyTimeout > 0 {
		clusterCfg.ApplyTimeout = cfg.Raft.ApplyTimeout
	}
	if cfg.Raft.MaxPending > 0 {
		clusterCfg.ApplyMaxPending = cfg.Raft.MaxPending
	}
	if cfg.Raft.SnapshotThreshold > 0 {
		clusterCfg.SnapshotThreshold = cfg.Raft.SnapshotThreshold
	}

	cluster, err := raftcluster.NewCluster(clusterCfg)
	if err != nil {
		return nil, fmt.Errorf("start raft cluster: %w", err)
	}
	cluster.SetApplyObserver(metrics.ObserveApply)

	if cfg.Raft.Join != "" {
		if err := cluster.JoinCluster(cfg.Raft.Join); err != nil {
			cluster.Shutdown()
			return nil, fmt.Errorf("join cluster: %w", err)
		}
		slog.Info("joined cluster", "target", cfg.Raft.Join, "node_id", cfg.Raft.NodeID)
	}
	if err := cluster.WaitForLeader(10 * time.Second); err != nil {
		cluster.Shutdown()
		return nil, fmt.Errorf("wait for leader: %w", err)
	}
	return &node{
		applier: cluster,
		pebble:  cluster.PebbleDB(),
		sqlite:  cluster.SQLiteReadDB(),
		cluster: cluster,
		close:   cluster.Shutdown,
	}, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadServerConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	logger.Info("starting flowq server",
		"bind", cfg.Server.Bind,
		"data_dir", cfg.Server.DataDir,
		"single", singleNode,
		"node_id", cfg.Raft.NodeID,
		"raft_bind", cfg.Raft.Bind,
		"raft_store", cfg.Raft.Store,
		"bootstrap", cfg.Raft.Bootstrap,
		"join", cfg.Raft.Join,
		"durable", cfg.Raft.Durable,
		"resp_bind", cfg.Server.RESPBind,
		"tracing", cfg.Tracing.Enabled,
	)

	otelShutdown, err := observability.InitTracer(observability.TracerConfig{
		Enabled:  cfg.Tracing.Enabled,
		Service:  "flowq-server",
		Endpoint: cfg.Tracing.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			logger.Warn("otel shutdown error", "error", err)
		}
	}()

	metrics := observability.NewMetrics()
	n, err := openNode(cfg, metrics)
	if err != nil {
		return err
	}
	defer n.close()

	brokerOpts := []events.BrokerOption{events.WithSink(metrics)}
	if cfg.Events.RedisURL != "" {
		rp, err := events.NewRedisPublisher(events.RedisConfig{
			URL:          cfg.Events.RedisURL,
			StreamPrefix: cfg.Events.StreamPrefix,
			MaxLen:       cfg.Events.StreamMaxLen,
		}, logger)
		if err != nil {
			return err
		}
		defer rp.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rp.Ping(pingCtx); err != nil {
			logger.Warn("redis event stream unreachable; events will be dropped until it recovers", "error", err)
		}
		cancel()
		brokerOpts = append(brokerOpts, events.WithSink(rp))
	}
	broker := events.NewBroker(logger, brokerOpts...)
	defer broker.Close()
	metrics.GaugeFunc("flowq_event_subscribers", "Open event stream subscribers.", func() float64 {
		return float64(broker.Stats().Subscribers)
	})

	s := store.NewStore(n.applier, n.pebble,
		store.WithReadDB(n.sqlite),
		store.WithPublisher(broker),
		store.WithLogger(logger),
	)
	defer s.Close()

	schedCancel := func() {}
	if cfg.Scheduler.Enabled {
		schedCfg := scheduler.DefaultConfig()
		schedCfg.Interval = cfg.Scheduler.Interval
		schedCfg.ReclaimInterval = cfg.Scheduler.ReclaimInterval
		schedCfg.MaxStalledCount = cfg.Scheduler.MaxStalledCount
		schedCfg.KeepCompleted = cfg.Scheduler.KeepCompleted
		schedCfg.KeepFailed = cfg.Scheduler.KeepFailed
		var leader scheduler.LeaderCheck
		if n.cluster != nil {
			leader = n.cluster
		}
		sched := scheduler.New(s, leader, schedCfg).WithLogger(logger)
		var schedCtx context.Context
		schedCtx, schedCancel = context.WithCancel(context.Background())
		go sched.Run(schedCtx)
	}

	rpcOpts := []rpcsvc.Option{rpcsvc.WithDefaultLease(cfg.Worker.LeaseDuration)}
	srvOpts := []server.Option{
		server.WithBroker(broker),
		server.WithMetrics(metrics),
		server.WithLogger(logger),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithDefaultLease(cfg.Worker.LeaseDuration),
		server.WithRateLimit(server.RateLimitConfig{
			Enabled:    cfg.RateLimit.Enabled,
			ReadRPS:    cfg.RateLimit.ReadRPS,
			ReadBurst:  cfg.RateLimit.ReadBurst,
			WriteRPS:   cfg.RateLimit.WriteRPS,
			WriteBurst: cfg.RateLimit.WriteBurst,
		}),
	}
	if n.cluster != nil {
		srvOpts = append(srvOpts, server.WithCluster(n.cluster))
		rpcOpts = append(rpcOpts, rpcsvc.WithLeaderCheck(n.cluster))
	}
	auth, err := buildAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}
	if auth != nil {
		srvOpts = append(srvOpts, server.WithAuth(auth))
	} else {
		logger.Warn("authentication disabled; set auth.jwt_secret or auth.oidc_issuer to enable it")
	}
	rpcPath, rpcHandler, _ := rpcsvc.NewHandler(s, rpcOpts...)
	srvOpts = append(srvOpts, server.WithRPCHandler(rpcPath, rpcHandler))

	srv := server.New(s, cfg.Server.Bind, srvOpts...)
	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var lineSrv *rpc.Server
	if cfg.Server.RESPBind != "" {
		lineSrv = rpc.New(s, cfg.Server.RESPBind, logger)
		go func() {
			if err := lineSrv.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	logger.Info("flowq server ready", "bind", cfg.Server.Bind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("listener failed", "error", err)
	}

	logger.Info("stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error; forcing close", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			logger.Error("HTTP force close error", "error", closeErr)
		}
	}
	if lineSrv != nil {
		lineSrv.Shutdown()
	}

	logger.Info("stopping scheduler")
	schedCancel()

	logger.Info("flowq server stopped")
	return nil
}

func buildAuthenticator(cfg config.AuthConfig) (server.Authenticator, error) {
	var chain server.ChainAuthenticator
	if cfg.JWTSecret != "" {
		jwtAuth, err := server.NewJWTAuthenticator(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		chain = append(chain, jwtAuth)
	}
	if cfg.OIDCIssuer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		oidcAuth, err := server.NewOIDCAuthenticator(ctx, server.OIDCConfig{
			IssuerURL: cfg.OIDCIssuer,
			ClientID:  cfg.OIDCClientID,
		})
		if err != nil {
			return nil, fmt.Errorf("oidc: %w", err)
		}
		chain = append(chain, oidcAuth)
	}
	switch len(chain) {
	case 0:
		return nil, nil
	case 1:
		return chain[0], nil
	}
	return chain, nil
}
