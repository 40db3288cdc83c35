package executor

import (
	"context"
	"math"
	"os/exec"
	"testing"

	"github.com/pilot-net/healthmon/pkg/types"
)

func floatClose(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func TestPingExecutor_Capabilities(t *testing.T) {
	e := NewPingExecutor()
	if e.Kind() != types.CheckKindPing {
		t.Errorf("expected kind 'ping', got '%s'", e.Kind())
	}
	caps := e.Capabilities()
	if caps.RequiresRoot {
		t.Error("should not require root")
	}
	if len(caps.Dependencies) != 1 || caps.Dependencies[0] != "fping" {
		t.Errorf("expected fping dependency, got %v", caps.Dependencies)
	}
}

func TestParseRTTValues(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		wantReachable bool
		wantLoss      float64
		wantMinMs     float64
		wantMaxMs     float64
		wantAvgMs     float64
		wantPackets   int
		wantRecvd     int
	}{
		{
			name:          "all successful",
			input:         "12.45 13.22 11.80",
			wantReachable: true,
			wantMinMs:     11.80,
			wantMaxMs:     13.22,
			wantAvgMs:     12.49,
			wantPackets:   3,
			wantRecvd:     3,
		},
		{
			name:          "partial loss",
			input:         "12.45 - 11.80",
			wantReachable: true,
			wantLoss:      33.33,
			wantMinMs:     11.80,
			wantMaxMs:     12.45,
			wantAvgMs:     12.125,
			wantPackets:   3,
			wantRecvd:     2,
		},
		{
			name:          "all failed",
			input:         "- - -",
			wantReachable: false,
			wantLoss:      100.0,
			wantPackets:   3,
			wantRecvd:     0,
		},
		{
			name:          "single success",
			input:         "5.5",
			wantReachable: true,
			wantMinMs:     5.5,
			wantMaxMs:     5.5,
			wantAvgMs:     5.5,
			wantPackets:   1,
			wantRecvd:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := parseRTTValues(tt.input)

			if stats.Reachable != tt.wantReachable {
				t.Errorf("reachable: got %v, want %v", stats.Reachable, tt.wantReachable)
			}
			if stats.PacketsSent != tt.wantPackets {
				t.Errorf("packets sent: got %d, want %d", stats.PacketsSent, tt.wantPackets)
			}
			if stats.PacketsRecvd != tt.wantRecvd {
				t.Errorf("packets recvd: got %d, want %d", stats.PacketsRecvd, tt.wantRecvd)
			}
			if !floatClose(stats.PacketLoss, tt.wantLoss, 0.01) {
				t.Errorf("packet loss: got %f, want %f", stats.PacketLoss, tt.wantLoss)
			}
			if tt.wantReachable {
				if !floatClose(stats.MinMs, tt.wantMinMs, 0.01) {
					t.Errorf("min ms: got %f, want %f", stats.MinMs, tt.wantMinMs)
				}
				if !floatClose(stats.MaxMs, tt.wantMaxMs, 0.01) {
					t.Errorf("max ms: got %f, want %f", stats.MaxMs, tt.wantMaxMs)
				}
				if !floatClose(stats.AvgMs, tt.wantAvgMs, 0.01) {
					t.Errorf("avg ms: got %f, want %f", stats.AvgMs, tt.wantAvgMs)
				}
			}
		})
	}
}

func TestPingExecutor_ParseOutput(t *testing.T) {
	e := NewPingExecutor()

	output := []byte(`8.8.8.8  : 12.45 13.22 11.80
10.0.0.99 : - - -
`)

	stats, ok := e.parseOutput(output, "8.8.8.8")
	if !ok || !stats.Reachable {
		t.Fatalf("expected 8.8.8.8 to be found and reachable, got %+v", stats)
	}

	stats, ok = e.parseOutput(output, "10.0.0.99")
	if !ok || stats.Reachable || stats.PacketLoss != 100 {
		t.Errorf("expected 10.0.0.99 unreachable, got %+v", stats)
	}

	if _, ok := e.parseOutput(output, "1.1.1.1"); ok {
		t.Error("expected missing host not to be found")
	}
}

func TestPingExecutor_Localhost(t *testing.T) {
	if _, err := exec.LookPath("fping"); err != nil {
		t.Skip("fping not installed")
	}

	check := &types.HealthCheck{
		Kind:   types.CheckKindPing,
		Target: "127.0.0.1",
		Config: types.CheckConfig{TimeoutMs: 1000, Params: map[string]any{"count": 2, "interval_ms": 20}},
	}
	out := NewPingExecutor().Execute(context.Background(), check)
	if !out.Success {
		t.Fatalf("expected localhost to respond, got %+v", out)
	}
	if out.Metadata["packets_sent"] != 2 {
		t.Errorf("expected 2 packets sent, got %v", out.Metadata["packets_sent"])
	}
}
