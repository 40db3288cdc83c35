// Package executor - ICMP ping executor using fping.
//
// # Why fping?
//
// fping sends a configurable burst of echo requests in one process, with a
// fixed packet interval and a parseable summary line:
//
//	192.168.1.1 : 12.45 13.22 - 11.80
//
// Where:
// - Each number is a round-trip time in milliseconds
// - "-" indicates a timeout/failure for that probe
//
// # Installation
//
//	Ubuntu/Debian: apt-get install fping
//	RHEL/CentOS:   yum install fping
//	macOS:         brew install fping
package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// PingExecutor probes hosts using fping.
type PingExecutor struct {
	// FpingPath is the path to the fping binary. Default: "fping"
	FpingPath string

	// DefaultCount is the number of pings per run. Default: 3
	DefaultCount int

	// DefaultIntervalMs is the interval between pings in milliseconds. Default: 100
	DefaultIntervalMs int
}

// NewPingExecutor creates a ping executor with sensible defaults.
func NewPingExecutor() *PingExecutor {
	return &PingExecutor{
		FpingPath:         "fping",
		DefaultCount:      3,
		DefaultIntervalMs: 100,
	}
}

// PingParams are executor-specific parameters for ping checks.
type PingParams struct {
	Count         int     `json:"count,omitempty"`           // Pings per run (default: 3)
	IntervalMs    int     `json:"interval_ms,omitempty"`     // Interval between pings (default: 100)
	MaxPacketLoss float64 `json:"max_packet_loss,omitempty"` // Loss percent at or above which the check fails (default: 100)
}

// PingStats summarizes one fping run.
type PingStats struct {
	Reachable    bool    `json:"reachable"`
	MinMs        float64 `json:"min_ms"`
	MaxMs        float64 `json:"max_ms"`
	AvgMs        float64 `json:"avg_ms"`
	StdDevMs     float64 `json:"stddev_ms"`
	PacketLoss   float64 `json:"packet_loss_pct"`
	PacketsSent  int     `json:"packets_sent"`
	PacketsRecvd int     `json:"packets_recvd"`
}

// Kind returns the check kind.
func (e *PingExecutor) Kind() types.CheckKind {
	return types.CheckKindPing
}

// Capabilities returns what this executor needs.
func (e *PingExecutor) Capabilities() Capabilities {
	return Capabilities{
		RequiresRoot: false,
		Dependencies: []string{"fping"},
	}
}

// Execute pings the target and reports loss and latency statistics.
func (e *PingExecutor) Execute(ctx context.Context, check *types.HealthCheck) *Outcome {
	params, err := DecodeParams[PingParams](check.Config.Params)
	if err != nil {
		return Failed(0, fmt.Errorf("invalid params: %w", err), nil)
	}
	if params.Count <= 0 {
		params.Count = e.DefaultCount
	}
	if params.IntervalMs <= 0 {
		params.IntervalMs = e.DefaultIntervalMs
	}
	if params.MaxPacketLoss <= 0 {
		params.MaxPacketLoss = 100
	}

	timeout := check.Config.Timeout()
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	output := e.runFping(ctx, check.Target, params, timeout)
	stats, ok := e.parseOutput(output, check.Target)
	if !ok {
		stats = PingStats{PacketLoss: 100, PacketsSent: params.Count}
	}

	metadata := map[string]any{
		"packet_loss_pct": stats.PacketLoss,
		"avg_ms":          stats.AvgMs,
		"min_ms":          stats.MinMs,
		"max_ms":          stats.MaxMs,
		"stddev_ms":       stats.StdDevMs,
		"packets_sent":    stats.PacketsSent,
		"packets_recvd":   stats.PacketsRecvd,
	}
	elapsed := time.Duration(stats.AvgMs * float64(time.Millisecond))

	if !stats.Reachable || stats.PacketLoss >= params.MaxPacketLoss {
		return &Outcome{
			Success:      false,
			ResponseTime: elapsed,
			Message:      lossMessage(stats),
			Error:        lossMessage(stats),
			Metadata:     metadata,
		}
	}

	return &Outcome{
		Success:      true,
		ResponseTime: elapsed,
		Message:      fmt.Sprintf("avg %.2fms, %.1f%% loss", stats.AvgMs, stats.PacketLoss),
		Metadata:     metadata,
	}
}

// runFping executes fping and returns the raw output.
func (e *PingExecutor) runFping(ctx context.Context, host string, params PingParams, timeout time.Duration) []byte {
	fpingPath := e.FpingPath
	if fpingPath == "" {
		fpingPath = "fping"
	}

	// -C n  : Send n pings to the target
	// -q    : Quiet mode (summary output only)
	// -t ms : Initial timeout in milliseconds
	// -p ms : Interval between pings
	// -B 1  : Backoff multiplier (1 = no exponential backoff)
	args := []string{
		"-C", strconv.Itoa(params.Count),
		"-q",
		"-t", strconv.FormatInt(timeout.Milliseconds(), 10),
		"-p", strconv.Itoa(params.IntervalMs),
		"-B", "1",
		host,
	}

	cmd := exec.CommandContext(ctx, fpingPath, args...)

	// fping writes results to stderr (historical quirk)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// fping returns non-zero when the host is unreachable, which is expected
	_ = cmd.Run()

	return stderr.Bytes()
}

// parseOutput finds the summary line for host in fping output.
func (e *PingExecutor) parseOutput(output []byte, host string) (PingStats, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) != host {
			continue
		}
		return parseRTTValues(strings.TrimSpace(parts[1])), true
	}
	return PingStats{}, false
}

// parseRTTValues parses the RTT values from fping output.
func parseRTTValues(valuesStr string) PingStats {
	values := strings.Fields(valuesStr)

	var rtts []float64
	for _, v := range values {
		if v == "-" {
			continue
		}
		rtt, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		rtts = append(rtts, rtt)
	}

	stats := PingStats{
		PacketsSent:  len(values),
		PacketsRecvd: len(rtts),
	}
	if stats.PacketsSent > 0 {
		stats.PacketLoss = float64(stats.PacketsSent-stats.PacketsRecvd) / float64(stats.PacketsSent) * 100.0
	}
	if len(rtts) == 0 {
		return stats
	}

	stats.Reachable = true
	stats.MinMs = rtts[0]
	stats.MaxMs = rtts[0]
	sum := 0.0
	for _, rtt := range rtts {
		sum += rtt
		stats.MinMs = math.Min(stats.MinMs, rtt)
		stats.MaxMs = math.Max(stats.MaxMs, rtt)
	}
	stats.AvgMs = sum / float64(len(rtts))

	if len(rtts) > 1 {
		sumSquares := 0.0
		for _, rtt := range rtts {
			diff := rtt - stats.AvgMs
			sumSquares += diff * diff
		}
		stats.StdDevMs = math.Sqrt(sumSquares / float64(len(rtts)-1))
	}

	return stats
}

// lossMessage describes a failed ping run.
func lossMessage(stats PingStats) string {
	if stats.PacketsRecvd == 0 {
		return fmt.Sprintf("100%% packet loss (%d packets sent)", stats.PacketsSent)
	}
	return fmt.Sprintf("%.1f%% packet loss", stats.PacketLoss)
}
