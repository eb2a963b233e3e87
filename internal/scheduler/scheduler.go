package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/flowq/internal/store"
)

// Config holds scheduler configuration.
type Config struct {
	Interval          time.Duration // base tick cadence (default 1s)
	PromoteInterval   time.Duration // promote delayed jobs whose delay elapsed
	ReclaimInterval   time.Duration // reclaim expired leases
	RetentionInterval time.Duration // sweep old completed/failed jobs
	PromoteBatch      int           // delayed jobs moved per promote op
	MaxStalledCount   int           // stalls tolerated before a job fails
	KeepCompleted     time.Duration // 0 keeps completed jobs forever
	KeepFailed        time.Duration // 0 keeps failed jobs forever
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          1 * time.Second,
		PromoteInterval:   1 * time.Second,
		ReclaimInterval:   5 * time.Second,
		RetentionInterval: 1 * time.Minute,
		PromoteBatch:      store.DefaultBatchSize,
		MaxStalledCount:   1,
	}
}

// LeaderCheck is an optional interface that, if provided, restricts the scheduler
// to only run on the Raft leader node.
type LeaderCheck interface {
	IsLeader() bool
}

// Scheduler runs periodic maintenance tasks.
type Scheduler struct {
	store         *store.Store
	leaderCheck   LeaderCheck
	config        Config
	logger        *slog.Logger
	lastPromote   time.Time
	lastReclaim   time.Time
	lastRetention time.Time
}

// New creates a new Scheduler. If leaderCheck is nil, the scheduler always runs.
func New(s *store.Store, leaderCheck LeaderCheck, config Config) *Scheduler {
	def := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.PromoteInterval == 0 {
		config.PromoteInterval = def.PromoteInterval
	}
	if config.ReclaimInterval == 0 {
		config.ReclaimInterval = def.ReclaimInterval
	}
	if config.RetentionInterval == 0 {
		config.RetentionInterval = def.RetentionInterval
	}
	if config.PromoteBatch <= 0 {
		config.PromoteBatch = def.PromoteBatch
	}
	if config.MaxStalledCount < 0 {
		config.MaxStalledCount = 0
	}
	return &Scheduler{store: s, leaderCheck: leaderCheck, config: config, logger: slog.Default()}
}

// WithLogger replaces the scheduler logger.
func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	if l != nil {
		s.logger = l
	}
	return s
}

// Run starts the scheduler loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.config.Interval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(false)
		}
	}
}

func (s *Scheduler) tick(force bool) {
	if s.leaderCheck != nil && !s.leaderCheck.IsLeader() {
		return
	}

	now := time.Now()

	if force || now.Sub(s.lastPromote) >= s.config.PromoteInterval {
		s.promote()
		s.lastPromote = now
	}
	if force || now.Sub(s.lastReclaim) >= s.config.ReclaimInterval {
		res, err := s.store.ReclaimStalled(s.config.MaxStalledCount)
		if err != nil {
			s.logger.Error("reclaim stalled jobs", "error", err)
		} else if len(res.Requeued)+len(res.Failed) > 0 {
			s.logger.Warn("reclaimed stalled jobs", "requeued", len(res.Requeued), "failed", len(res.Failed))
		}
		s.lastReclaim = now
	}
	if force || now.Sub(s.lastRetention) >= s.config.RetentionInterval {
		s.retention()
		s.lastRetention = now
	}
}

// promote drains due delayed jobs one bounded op at a time.
func (s *Scheduler) promote() {
	for {
		res, err := s.store.PromoteDue(s.config.PromoteBatch)
		if err != nil {
			s.logger.Error("promote delayed jobs", "error", err)
			return
		}
		if res.Moved < s.config.PromoteBatch {
			return
		}
	}
}

func (s *Scheduler) retention() {
	if s.config.KeepCompleted <= 0 && s.config.KeepFailed <= 0 {
		return
	}
	queues, err := s.store.ListQueues()
	if err != nil {
		s.logger.Error("list queues for retention", "error", err)
		return
	}
	for _, q := range queues {
		for _, rule := range []struct {
			state store.State
			keep  time.Duration
		}{
			{store.StateCompleted, s.config.KeepCompleted},
			{store.StateFailed, s.config.KeepFailed},
		} {
			if rule.keep <= 0 || q.Counts[rule.state] == 0 {
				continue
			}
			n, err := s.store.Clean(q.Name, rule.state, rule.keep, 0)
			if err != nil {
				s.logger.Error("retention clean", "queue", q.Name, "state", rule.state, "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("retention clean", "queue", q.Name, "state", rule.state, "removed", n)
			}
		}
	}
}

// RunOnce executes a single scheduler tick. Useful for testing.
func (s *Scheduler) RunOnce() {
	s.tick(true)
}
