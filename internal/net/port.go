package net

import (
	"fmt"
	"net"
)

// ListenLocal listens on an ephemeral TCP port on the loopback interface.
func ListenLocal() (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return nil, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on ephemeral port: %w", err)
	}
	return listener, nil
}
