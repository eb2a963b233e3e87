package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/user/flowq/internal/store"
)

// Server is a line-oriented TCP server for high-throughput ingest and
// queue admin. Replies use RESP framing: +simple, :integer, -ERR.
type Server struct {
	store    *store.Store
	logger   *slog.Logger
	mu       sync.RWMutex
	listener net.Listener
	addr     string
	wg       sync.WaitGroup
	quit     chan struct{}
	once     sync.Once
}

// New creates a new RPC server.
func New(s *store.Store, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  s,
		addr:   addr,
		logger: logger,
		quit:   make(chan struct{}),
	}
}

// Start begins listening and accepting connections. Blocks until the listener is closed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("RPC server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				s.logger.Error("RPC accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listener address. Only valid after Start is called.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

// Shutdown stops accepting, closes the listener and waits for open
// connections to finish.
func (s *Server) Shutdown() error {
	s.once.Do(func() { close(s.quit) })
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	// Allow up to 1MB lines for large payloads.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.dispatch(w, line)
		// Pipelined requests flush once the client stops sending.
		if scanner.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(w io.Writer, line string) {
	cmd, rest := splitFirst(line)
	switch strings.ToUpper(cmd) {
	case "PING":
		fmt.Fprintf(w, "+PONG\r\n")

	case "ADD":
		// ADD <queue> <name> <json_data>
		queue, rest := splitFirst(rest)
		name, data := splitFirst(rest)
		if queue == "" || name == "" {
			fmt.Fprintf(w, "-ERR usage: ADD <queue> <name> [json_data]\r\n")
			return
		}
		var raw json.RawMessage
		if data != "" {
			raw = json.RawMessage(data)
		}
		job, err := s.store.Add(queue, name, raw, store.JobOptions{})
		if err != nil {
			writeErr(w, err)
			return
		}
		fmt.Fprintf(w, "+%s\r\n", job.ID)

	case "COUNT":
		queue, _ := splitFirst(rest)
		n, err := s.store.Count(queue)
		if err != nil {
			writeErr(w, err)
			return
		}
		fmt.Fprintf(w, ":%d\r\n", n)

	case "PAUSE", "RESUME":
		queue, _ := splitFirst(rest)
		var err error
		if strings.EqualFold(cmd, "PAUSE") {
			err = s.store.Pause(queue)
		} else {
			err = s.store.Resume(queue)
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		fmt.Fprintf(w, "+OK\r\n")

	case "DRAIN":
		// DRAIN <queue> [DELAYED]
		queue, flag := splitFirst(rest)
		n, err := s.store.Drain(queue, strings.EqualFold(strings.TrimSpace(flag), "DELAYED"))
		if err != nil {
			writeErr(w, err)
			return
		}
		fmt.Fprintf(w, ":%d\r\n", n)

	case "PROMOTE":
		// PROMOTE <queue> [count]
		queue, arg := splitFirst(rest)
		count := 0
		if arg = strings.TrimSpace(arg); arg != "" {
			c, err := strconv.Atoi(arg)
			if err != nil {
				fmt.Fprintf(w, "-ERR count must be an integer\r\n")
				return
			}
			count = c
		}
		n, err := s.store.PromoteJobs(queue, count)
		if err != nil {
			writeErr(w, err)
			return
		}
		fmt.Fprintf(w, ":%d\r\n", n)

	default:
		fmt.Fprintf(w, "-ERR unknown command '%s'\r\n", cmd)
	}
}

func writeErr(w io.Writer, err error) {
	code := store.CodeOf(err)
	if code == "" {
		code = "ERR"
	}
	msg := strings.ReplaceAll(err.Error(), "\r\n", " ")
	fmt.Fprintf(w, "-%s %s\r\n", code, msg)
}

// splitFirst splits s into the first space-delimited word and the rest of the string.
func splitFirst(s string) (string, string) {
	s = strings.TrimLeft(s, " ")
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}
