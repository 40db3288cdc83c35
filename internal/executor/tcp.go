package executor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// TCPExecutor checks that a host:port accepts connections.
type TCPExecutor struct {
	dialer net.Dialer
}

// NewTCPExecutor creates a TCP connect executor.
func NewTCPExecutor() *TCPExecutor {
	return &TCPExecutor{}
}

// Kind returns the check kind.
func (e *TCPExecutor) Kind() types.CheckKind {
	return types.CheckKindTCP
}

// Capabilities returns what this executor needs.
func (e *TCPExecutor) Capabilities() Capabilities {
	return Capabilities{}
}

// Execute dials the target once.
func (e *TCPExecutor) Execute(ctx context.Context, check *types.HealthCheck) *Outcome {
	_, port, err := net.SplitHostPort(check.Target)
	if err != nil {
		return Failed(0, fmt.Errorf("invalid target %q: %w", check.Target, err), nil)
	}
	metadata := map[string]any{"port": port, "reachable": false}

	start := time.Now()
	conn, err := e.dialer.DialContext(ctx, "tcp", check.Target)
	elapsed := time.Since(start)
	if err != nil {
		return Failed(elapsed, fmt.Errorf("connect failed: %w", err), metadata)
	}
	conn.Close()

	metadata["reachable"] = true
	return &Outcome{
		Success:      true,
		ResponseTime: elapsed,
		Message:      fmt.Sprintf("connected to %s in %dms", check.Target, elapsed.Milliseconds()),
		Metadata:     metadata,
	}
}
