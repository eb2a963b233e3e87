package rpc

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/flowq/internal/raft"
	"github.com/user/flowq/internal/store"
)

func setupTest(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	da, err := raft.NewDirectApplier(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectApplier: %v", err)
	}
	t.Cleanup(func() { _ = da.Close() })

	s := store.NewStore(da, da.PebbleDB(), store.WithReadDB(da.SQLiteDB()))
	t.Cleanup(func() { _ = s.Close() })

	srv := New(s, "127.0.0.1:0", nil)
	go func() { _ = srv.Start() }()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener not ready")
		}
		time.Sleep(time.Millisecond)
	}

	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv, s
}

type client struct {
	conn net.Conn
	sc   *bufio.Scanner
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, sc: bufio.NewScanner(conn)}
}

func (c *client) sendRecv(t *testing.T, cmd string) string {
	t.Helper()
	_, _ = fmt.Fprintf(c.conn, "%s\n", cmd)
	if !c.sc.Scan() {
		t.Fatalf("no response for %q: %v", cmd, c.sc.Err())
	}
	return c.sc.Text()
}

func TestPing(t *testing.T) {
	srv, _ := setupTest(t)
	c := dial(t, srv)

	if resp := c.sendRecv(t, "PING"); resp != "+PONG" {
		t.Fatalf("expected +PONG, got %q", resp)
	}
}

func TestAdd(t *testing.T) {
	srv, s := setupTest(t)
	c := dial(t, srv)

	resp := c.sendRecv(t, `ADD test.q greet {"task":"hello"}`)
	if resp[0] != '+' {
		t.Fatalf("expected +jobid, got %q", resp)
	}
	job, err := s.GetJob("test.q", resp[1:])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Name != "greet" || string(job.Data) != `{"task":"hello"}` {
		t.Fatalf("job = %s %s", job.Name, job.Data)
	}

	if resp := c.sendRecv(t, "COUNT test.q"); resp != ":1" {
		t.Fatalf("COUNT = %q, want :1", resp)
	}
}

func TestAddRejectsBadData(t *testing.T) {
	srv, _ := setupTest(t)
	c := dial(t, srv)

	resp := c.sendRecv(t, `ADD q name {not json`)
	if !strings.HasPrefix(resp, "-VALIDATION_ERROR") {
		t.Fatalf("expected validation error, got %q", resp)
	}
	if resp := c.sendRecv(t, "ADD"); !strings.HasPrefix(resp, "-ERR usage") {
		t.Fatalf("expected usage error, got %q", resp)
	}
}

func TestQueueAdmin(t *testing.T) {
	srv, s := setupTest(t)
	c := dial(t, srv)

	for i := 0; i < 2; i++ {
		c.sendRecv(t, fmt.Sprintf(`ADD admin.q job {"i":%d}`, i))
	}
	if _, err := s.Add("admin.q", "later", nil, store.JobOptions{DelayMs: 60_000}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if resp := c.sendRecv(t, "PAUSE admin.q"); resp != "+OK" {
		t.Fatalf("PAUSE = %q", resp)
	}
	if paused, _ := s.IsPaused("admin.q"); !paused {
		t.Fatal("queue not paused")
	}
	if resp := c.sendRecv(t, "RESUME admin.q"); resp != "+OK" {
		t.Fatalf("RESUME = %q", resp)
	}
	if resp := c.sendRecv(t, "PROMOTE admin.q"); resp != ":1" {
		t.Fatalf("PROMOTE = %q, want :1", resp)
	}
	if resp := c.sendRecv(t, "DRAIN admin.q"); resp != ":3" {
		t.Fatalf("DRAIN = %q, want :3", resp)
	}
}

func TestUnknownCommand(t *testing.T) {
	srv, _ := setupTest(t)
	c := dial(t, srv)

	if resp := c.sendRecv(t, "FOOBAR"); !strings.HasPrefix(resp, "-ERR") {
		t.Fatalf("expected -ERR, got %q", resp)
	}
}

func TestConcurrent(t *testing.T) {
	srv, s := setupTest(t)
	const workers = 10
	const perWorker = 50

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer func() { _ = conn.Close() }()

			scanner := bufio.NewScanner(conn)
			for i := range perWorker {
				_, _ = fmt.Fprintf(conn, "ADD conc.q job {\"i\":%d}\n", i)
				if !scanner.Scan() {
					t.Errorf("no response: %v", scanner.Err())
					return
				}
				if resp := scanner.Text(); resp[0] != '+' {
					t.Errorf("expected +jobid, got %q", resp)
				}
			}
		}()
	}
	wg.Wait()

	n, err := s.Count("conc.q")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != workers*perWorker {
		t.Fatalf("expected %d jobs, got %d", workers*perWorker, n)
	}
}
