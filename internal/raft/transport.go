package raft

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/raft"
)

const (
	transportMaxPool = 8
	transportTimeout = 10 * time.Second
)

// newTCPTransport binds the Raft transport and picks an address peers can dial.
func newTCPTransport(bindAddr, advertiseAddr string) (*raft.NetworkTransport, error) {
	bind, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind %q: %w", bindAddr, err)
	}
	advertise, err := resolveAdvertiseAddr(bind, advertiseAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft advertise %q: %w", advertiseAddr, err)
	}
	return raft.NewTCPTransport(bind.String(), advertise, transportMaxPool, transportTimeout, nil)
}

func resolveAdvertiseAddr(bind *net.TCPAddr, advertiseAddr string) (*net.TCPAddr, error) {
	if advertiseAddr != "" {
		return net.ResolveTCPAddr("tcp", advertiseAddr)
	}
	if bind == nil {
		return nil, fmt.Errorf("invalid raft bind address")
	}
	// Wildcard binds cannot be advertised; fall back to loopback.
	if bind.IP == nil || bind.IP.IsUnspecified() {
		return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: bind.Port}, nil
	}
	return bind, nil
}
