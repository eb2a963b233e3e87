package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/flowq/internal/store"
	"github.com/user/flowq/pkg/queue"
	"github.com/user/flowq/pkg/workerclient"
)

var (
	benchProtocol     string
	benchJobs         int
	benchConcurrency  int
	benchWorkers      int
	benchQueue        string
	benchBatchSize    int
	benchWorkDuration time.Duration
	benchSave         string
)

type benchRunSummary struct {
	OpsPerSec float64 `json:"ops_per_sec"`
	P50Us     int64   `json:"p50_us"`
	P90Us     int64   `json:"p90_us"`
	P99Us     int64   `json:"p99_us"`
	MinUs     int64   `json:"min_us"`
	MaxUs     int64   `json:"max_us"`
	StddevUs  int64   `json:"stddev_us"`
	Completed int     `json:"completed"`
	Errors    int64   `json:"errors,omitempty"`
}

type benchSaveData struct {
	Timestamp string           `json:"timestamp"`
	OS        string           `json:"os"`
	Arch      string           `json:"arch"`
	CPUs      int              `json:"cpus"`
	Config    map[string]any   `json:"config"`
	Enqueue   *benchRunSummary `json:"enqueue,omitempty"`
	Lifecycle *benchRunSummary `json:"lifecycle,omitempty"`
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure add latency and worker lifecycle throughput against a server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if benchJobs <= 0 || benchConcurrency <= 0 || benchWorkers <= 0 {
			return fmt.Errorf("--jobs, --concurrency and --workers must be > 0")
		}
		var backend queue.WorkerBackend
		switch benchProtocol {
		case "http":
			backend = newClient()
		case "rpc":
			backend = workerclient.New(serverURL, workerclient.WithToken(apiToken))
		default:
			return fmt.Errorf("--protocol must be http or rpc")
		}

		ctx := context.Background()
		enq, err := benchEnqueue(ctx)
		if err != nil {
			return err
		}
		printBenchSummary("enqueue", enq)

		life, err := benchLifecycle(ctx, backend)
		if err != nil {
			return err
		}
		printBenchSummary("lifecycle", life)

		if benchSave != "" {
			data := benchSaveData{
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				OS:        runtime.GOOS,
				Arch:      runtime.GOARCH,
				CPUs:      runtime.NumCPU(),
				Config: map[string]any{
					"protocol":    benchProtocol,
					"jobs":        benchJobs,
					"concurrency": benchConcurrency,
					"workers":     benchWorkers,
					"batch_size":  benchBatchSize,
					"work":        benchWorkDuration.String(),
				},
				Enqueue:   enq,
				Lifecycle: life,
			}
			raw, err := json.MarshalIndent(data, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(benchSave, raw, 0o644); err != nil {
				return fmt.Errorf("save results: %w", err)
			}
		}
		return nil
	},
}

// benchEnqueue adds benchJobs jobs from benchConcurrency goroutines, one
// request per batch.
func benchEnqueue(ctx context.Context) (*benchRunSummary, error) {
	c := newClient()
	batch := max(benchBatchSize, 1)
	batches := (benchJobs + batch - 1) / batch

	var (
		next   atomic.Int64
		errs   atomic.Int64
		mu     sync.Mutex
		lats   = make([]time.Duration, 0, batches)
		wg     sync.WaitGroup
		failed error
	)
	start := time.Now()
	for i := 0; i < benchConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				b := int(next.Add(1)) - 1
				if b >= batches {
					return
				}
				n := min(batch, benchJobs-b*batch)
				jobs := make([]store.NewJob, n)
				for j := range jobs {
					jobs[j] = store.NewJob{Queue: benchQueue, Name: "bench", Data: json.RawMessage(`{"i":` + fmt.Sprint(b*batch+j) + `}`)}
				}
				t0 := time.Now()
				_, err := c.AddJobs(ctx, jobs)
				d := time.Since(t0)
				if err != nil {
					if errs.Add(1) == 1 {
						mu.Lock()
						failed = err
						mu.Unlock()
					}
					continue
				}
				mu.Lock()
				lats = append(lats, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	if len(lats) == 0 && failed != nil {
		return nil, fmt.Errorf("enqueue: %w", failed)
	}
	sum := summarize(lats, elapsed, len(lats)*batch)
	sum.Errors = errs.Load()
	return sum, nil
}

// benchLifecycle runs workers until every benchmark job is completed.
func benchLifecycle(ctx context.Context, backend queue.WorkerBackend) (*benchRunSummary, error) {
	var (
		done  atomic.Int64
		mu    sync.Mutex
		lats  = make([]time.Duration, 0, benchJobs)
		ready = make(chan struct{})
		once  sync.Once
	)
	process := func(ctx context.Context, job *queue.Job) (any, error) {
		if benchWorkDuration > 0 {
			time.Sleep(benchWorkDuration)
		}
		return nil, nil
	}

	workers := make([]*queue.Worker, benchWorkers)
	for i := range workers {
		w := queue.NewWorker(benchQueue, backend, process,
			queue.WithConcurrency(benchConcurrency),
			queue.WithPollInterval(500*time.Millisecond))
		sub := w.Subscribe(1024)
		go func() {
			starts := map[string]time.Time{}
			for ev := range sub.C() {
				switch ev.Type {
				case queue.EventActive:
					starts[ev.Job.ID] = time.Now()
				case queue.EventCompleted:
					d := time.Since(starts[ev.Job.ID])
					delete(starts, ev.Job.ID)
					mu.Lock()
					lats = append(lats, d)
					mu.Unlock()
					if done.Add(1) >= int64(benchJobs) {
						once.Do(func() { close(ready) })
					}
				}
			}
		}()
		workers[i] = w
	}

	start := time.Now()
	errCh := make(chan error, len(workers))
	for _, w := range workers {
		go func(w *queue.Worker) { errCh <- w.Run(ctx) }(w)
	}

	timeout := time.NewTimer(10 * time.Minute)
	defer timeout.Stop()
	var runErr error
	select {
	case <-ready:
	case <-timeout.C:
		runErr = fmt.Errorf("lifecycle: timed out after %d of %d jobs", done.Load(), benchJobs)
	}
	elapsed := time.Since(start)
	for _, w := range workers {
		w.Close()
	}
	for range workers {
		if err := <-errCh; err != nil && runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	mu.Lock()
	defer mu.Unlock()
	return summarize(lats, elapsed, len(lats)), nil
}

func summarize(lats []time.Duration, elapsed time.Duration, completed int) *benchRunSummary {
	s := &benchRunSummary{Completed: completed}
	if len(lats) == 0 {
		return s
	}
	slices.Sort(lats)
	pct := func(p float64) time.Duration {
		i := int(math.Ceil(p*float64(len(lats)))) - 1
		return lats[max(0, min(i, len(lats)-1))]
	}
	var total float64
	for _, d := range lats {
		total += float64(d)
	}
	mean := total / float64(len(lats))
	var variance float64
	for _, d := range lats {
		diff := float64(d) - mean
		variance += diff * diff
	}
	variance /= float64(len(lats))

	s.OpsPerSec = float64(completed) / elapsed.Seconds()
	s.P50Us = pct(0.50).Microseconds()
	s.P90Us = pct(0.90).Microseconds()
	s.P99Us = pct(0.99).Microseconds()
	s.MinUs = lats[0].Microseconds()
	s.MaxUs = lats[len(lats)-1].Microseconds()
	s.StddevUs = time.Duration(math.Sqrt(variance)).Microseconds()
	return s
}

func printBenchSummary(phase string, s *benchRunSummary) {
	fmt.Printf("%-10s %8d jobs  %10.0f ops/s  p50 %6dus  p90 %6dus  p99 %6dus  max %6dus",
		phase, s.Completed, s.OpsPerSec, s.P50Us, s.P90Us, s.P99Us, s.MaxUs)
	if s.Errors > 0 {
		fmt.Printf("  errors %d", s.Errors)
	}
	fmt.Println()
}

func init() {
	f := benchCmd.Flags()
	f.StringVar(&benchProtocol, "protocol", "rpc", "Worker protocol: http or rpc")
	f.IntVar(&benchJobs, "jobs", 10000, "Jobs to add and process")
	f.IntVar(&benchConcurrency, "concurrency", 10, "Concurrent producers, and slots per worker")
	f.IntVar(&benchWorkers, "workers", 2, "Worker instances")
	f.StringVar(&benchQueue, "queue", "bench", "Queue name")
	f.IntVar(&benchBatchSize, "batch-size", 50, "Jobs per add request")
	f.DurationVar(&benchWorkDuration, "work", 0, "Simulated processing time per job")
	f.StringVar(&benchSave, "save", "", "Write results as JSON to this file")
	addClientFlags(benchCmd)
	rootCmd.AddCommand(benchCmd)
}
