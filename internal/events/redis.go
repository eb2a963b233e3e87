package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/user/flowq/internal/store"
)

const (
	defaultStreamPrefix = "flowq:events:"
	defaultStreamMaxLen = 10_000
	redisBatchSize      = 128
	redisWriteTimeout   = 5 * time.Second
)

// RedisConfig configures the Redis Streams sink.
type RedisConfig struct {
	URL          string // redis://[:password@]host:port/db
	StreamPrefix string // stream key is prefix + queue
	MaxLen       int64  // approximate per-stream cap
	Buffer       int
}

// RedisPublisher appends job events to one Redis stream per queue. Publish
// only enqueues; a background loop writes batches through a pipeline.
// Events are dropped when the buffer is full or Redis is unreachable.
type RedisPublisher struct {
	client *goredis.Client
	prefix string
	maxLen int64
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan store.JobEvent
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
}

// NewRedisPublisher connects to cfg.URL and starts the writer loop.
func NewRedisPublisher(cfg RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisPublisher(goredis.NewClient(opts), cfg, logger), nil
}

func newRedisPublisher(client *goredis.Client, cfg RedisConfig, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = defaultStreamPrefix
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = defaultStreamMaxLen
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	p := &RedisPublisher{
		client: client,
		prefix: cfg.StreamPrefix,
		maxLen: cfg.MaxLen,
		logger: logger,
		ch:     make(chan store.JobEvent, cfg.Buffer),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// Ping checks connectivity.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish implements store.Publisher.
func (p *RedisPublisher) Publish(ev store.JobEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.ch <- ev:
	default:
		p.dropped.Add(1)
	}
}

// StreamKey returns the stream an event for queue is written to.
func (p *RedisPublisher) StreamKey(queue string) string {
	return p.prefix + queue
}

// Stats returns written and dropped counts.
func (p *RedisPublisher) Stats() (written, dropped int64) {
	return p.written.Load(), p.dropped.Load()
}

func (p *RedisPublisher) loop() {
	defer close(p.done)
	batch := make([]store.JobEvent, 0, redisBatchSize)
	for ev := range p.ch {
		batch = append(batch[:0], ev)
	fill:
		for len(batch) < redisBatchSize {
			select {
			case next, ok := <-p.ch:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		p.write(batch)
	}
}

func (p *RedisPublisher) write(batch []store.JobEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()
	pipe := p.client.Pipeline()
	for _, ev := range batch {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: p.StreamKey(ev.Queue),
			MaxLen: p.maxLen,
			Approx: true,
			Values: streamValues(ev),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.dropped.Add(int64(len(batch)))
		p.logger.Warn("redis event sink write failed", "events", len(batch), "error", err)
		return
	}
	p.written.Add(int64(len(batch)))
}

// streamValues flattens an event into stream entry fields.
func streamValues(ev store.JobEvent) map[string]any {
	v := map[string]any{
		"type":  string(ev.Type),
		"queue": ev.Queue,
		"at":    strconv.FormatInt(ev.At.UnixMilli(), 10),
	}
	if ev.JobID != "" {
		v["job_id"] = ev.JobID
	}
	if ev.State != "" {
		v["state"] = string(ev.State)
	}
	if ev.FailedReason != "" {
		v["failed_reason"] = ev.FailedReason
	}
	if len(ev.ReturnValue) > 0 {
		v["return_value"] = string(ev.ReturnValue)
	}
	if ev.Count > 0 {
		v["count"] = strconv.Itoa(ev.Count)
	}
	return v
}

// DecodeStreamValues is the inverse of the stream entry encoding.
func DecodeStreamValues(values map[string]any) (store.JobEvent, error) {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	ev := store.JobEvent{
		Type:         store.JobEventType(str("type")),
		Queue:        str("queue"),
		JobID:        str("job_id"),
		State:        store.State(str("state")),
		FailedReason: str("failed_reason"),
	}
	if ev.Type == "" || ev.Queue == "" {
		return ev, fmt.Errorf("stream entry missing type or queue")
	}
	if rv := str("return_value"); rv != "" {
		ev.ReturnValue = json.RawMessage(rv)
	}
	if c := str("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil {
			return ev, fmt.Errorf("stream entry count: %w", err)
		}
		ev.Count = n
	}
	if at := str("at"); at != "" {
		ms, err := strconv.ParseInt(at, 10, 64)
		if err != nil {
			return ev, fmt.Errorf("stream entry time: %w", err)
		}
		ev.At = time.UnixMilli(ms).UTC()
	}
	return ev, nil
}

// Close flushes buffered events and closes the client.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()
	<-p.done
	return p.client.Close()
}
