package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// MockExecutor is a test executor for unit tests.
type MockExecutor struct {
	KindName    types.CheckKind
	Caps        Capabilities
	ExecuteFunc func(ctx context.Context, check *types.HealthCheck) *Outcome
}

func (m *MockExecutor) Kind() types.CheckKind {
	return m.KindName
}

func (m *MockExecutor) Capabilities() Capabilities {
	return m.Caps
}

func (m *MockExecutor) Execute(ctx context.Context, check *types.HealthCheck) *Outcome {
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, check)
	}
	return &Outcome{Success: true, ResponseTime: 5 * time.Millisecond, Message: "ok"}
}

func testCheck(retries int, timeoutMs int64) *types.HealthCheck {
	return &types.HealthCheck{
		ID:     "chk",
		Name:   "test",
		Kind:   "mock",
		Target: "localhost",
		Config: types.CheckConfig{IntervalMs: 1000, TimeoutMs: timeoutMs, Retries: retries},
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	exec := &MockExecutor{KindName: types.CheckKindHTTP}

	// First registration should succeed
	if err := r.Register(exec); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	// Duplicate registration should fail
	if err := r.Register(exec); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRegistry_MissingDependency(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&MockExecutor{
		KindName: types.CheckKindPing,
		Caps:     Capabilities{Dependencies: []string{"definitely-not-a-real-binary-xyz"}},
	})
	if err == nil {
		t.Fatal("expected missing dependency error")
	}
	if _, ok := r.Get(types.CheckKindPing); ok {
		t.Error("executor with missing dependency should not be registered")
	}
}

func TestRegistry_GetAndList(t *testing.T) {
	r := NewRegistry()
	r.Register(&MockExecutor{KindName: types.CheckKindTCP})
	r.Register(&MockExecutor{KindName: types.CheckKindHTTP})

	found, ok := r.Get(types.CheckKindTCP)
	if !ok {
		t.Fatal("expected to find executor")
	}
	if found.Kind() != types.CheckKindTCP {
		t.Fatalf("wrong executor kind: %s", found.Kind())
	}

	if _, ok := r.Get(types.CheckKindCustom); ok {
		t.Fatal("should not find unregistered executor")
	}

	kinds := r.List()
	if len(kinds) != 2 || kinds[0] != types.CheckKindHTTP || kinds[1] != types.CheckKindTCP {
		t.Errorf("expected sorted [http tcp], got %v", kinds)
	}
	if len(r.ListCapabilities()) != 2 {
		t.Errorf("expected 2 capabilities entries")
	}
}

func TestRun_RetriesUntilSuccess(t *testing.T) {
	RetryBackoff = time.Millisecond
	var calls atomic.Int32

	exec := &MockExecutor{
		ExecuteFunc: func(ctx context.Context, check *types.HealthCheck) *Outcome {
			if calls.Add(1) < 3 {
				return Failed(time.Millisecond, errors.New("refused"), nil)
			}
			return &Outcome{Success: true, ResponseTime: 2 * time.Millisecond}
		},
	}

	out := Run(context.Background(), exec, testCheck(3, 1000), time.Second)
	if !out.Success {
		t.Fatalf("expected success after retries, got %+v", out)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	if out.Metadata["attempts"] != 3 {
		t.Errorf("expected attempts=3, got %v", out.Metadata["attempts"])
	}
}

func TestRun_ExhaustsRetries(t *testing.T) {
	RetryBackoff = time.Millisecond
	var calls atomic.Int32

	exec := &MockExecutor{
		ExecuteFunc: func(ctx context.Context, check *types.HealthCheck) *Outcome {
			calls.Add(1)
			return Failed(time.Millisecond, errors.New("refused"), nil)
		},
	}

	out := Run(context.Background(), exec, testCheck(2, 1000), time.Second)
	if out.Success {
		t.Fatal("expected failure")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d", calls.Load())
	}
	if out.Error != "refused" {
		t.Errorf("expected error to be captured, got %q", out.Error)
	}
}

func TestRun_TimeoutIsHardBoundary(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	// Ignores ctx entirely
	exec := &MockExecutor{
		ExecuteFunc: func(ctx context.Context, check *types.HealthCheck) *Outcome {
			<-block
			return &Outcome{Success: true}
		},
	}

	start := time.Now()
	out := Run(context.Background(), exec, testCheck(0, 50), time.Second)
	if out.Success {
		t.Fatal("expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Run did not honor timeout, took %v", elapsed)
	}
	if out.ResponseTime < 50*time.Millisecond {
		t.Errorf("expected response time to cover the timeout, got %v", out.ResponseTime)
	}
}

func TestRun_RecoversPanic(t *testing.T) {
	exec := &MockExecutor{
		ExecuteFunc: func(ctx context.Context, check *types.HealthCheck) *Outcome {
			panic("boom")
		},
	}

	out := Run(context.Background(), exec, testCheck(0, 1000), time.Second)
	if out.Success {
		t.Fatal("expected failure from panic")
	}
	if out.Error == "" {
		t.Error("expected panic to be captured in error")
	}
}

func TestRun_DefaultTimeout(t *testing.T) {
	exec := &MockExecutor{
		ExecuteFunc: func(ctx context.Context, check *types.HealthCheck) *Outcome {
			dl, ok := ctx.Deadline()
			if !ok {
				t.Error("expected deadline")
			}
			if time.Until(dl) > 200*time.Millisecond {
				t.Errorf("expected default timeout to apply, deadline in %v", time.Until(dl))
			}
			return &Outcome{Success: true}
		},
	}
	Run(context.Background(), exec, testCheck(0, 0), 100*time.Millisecond)
}

func TestDecodeParams(t *testing.T) {
	p, err := DecodeParams[PingParams](map[string]any{"count": 5, "max_packet_loss": 50.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Count != 5 || p.MaxPacketLoss != 50 {
		t.Errorf("unexpected params: %+v", p)
	}

	empty, err := DecodeParams[PingParams](nil)
	if err != nil || empty.Count != 0 {
		t.Errorf("expected zero params, got %+v, %v", empty, err)
	}

	if _, err := DecodeParams[PingParams](map[string]any{"count": "many"}); err == nil {
		t.Error("expected error for wrong type")
	}
}
