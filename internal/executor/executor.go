// Package executor defines the strategy interface for check kinds.
//
// # Design Principles
//
// 1. Interface Segregation: Small, focused interface that all check kinds implement
// 2. Strategy Dispatch: Executors are selected by kind through the Registry, not a switch
// 3. Capability Declaration: Executors declare their requirements up front
// 4. Graceful Degradation: Missing dependencies detected at registration, not runtime
// 5. No Panics Past the Boundary: Probe failures are outcomes, never errors
//
// # Adding New Executors
//
// To add a new check kind:
//
//  1. Create a new file (e.g., grpc.go) implementing the Executor interface
//  2. Define a params struct decoded from CheckConfig.Params with DecodeParams
//  3. Register the executor in the registry
//
// Example:
//
//	type GRPCExecutor struct { /* ... */ }
//	func (e *GRPCExecutor) Kind() types.CheckKind { return "grpc" }
//	func (e *GRPCExecutor) Execute(ctx, check) *Outcome { /* ... */ }
//
//	// In service startup:
//	registry.Register(&GRPCExecutor{})
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// Executor is the interface all check kinds implement.
//
// Executors are responsible for:
// - Running one attempt of a probe against the check's target
// - Measuring response time and reporting kind-specific metadata
// - Honoring ctx as the hard timeout boundary
//
// Executors never classify status; that happens in the scheduler.
type Executor interface {
	// Kind returns the check kind this executor handles
	Kind() types.CheckKind

	// Capabilities returns what this executor needs
	Capabilities() Capabilities

	// Execute runs one probe attempt. It must always return an Outcome.
	Execute(ctx context.Context, check *types.HealthCheck) *Outcome
}

// Capabilities describes an executor's requirements.
type Capabilities struct {
	// RequiresRoot indicates the executor needs elevated privileges
	RequiresRoot bool

	// Dependencies lists external binaries required (e.g., ["fping"])
	Dependencies []string
}

// Outcome is the raw result of a probe before status classification.
type Outcome struct {
	Success      bool
	ResponseTime time.Duration
	Message      string
	Error        string
	Metadata     map[string]any
}

// Failed builds an unsuccessful outcome with err captured.
func Failed(elapsed time.Duration, err error, metadata map[string]any) *Outcome {
	return &Outcome{
		Success:      false,
		ResponseTime: elapsed,
		Message:      err.Error(),
		Error:        err.Error(),
		Metadata:     metadata,
	}
}

// =============================================================================
// EXECUTION
// =============================================================================

// RetryBackoff is the pause between attempts of a failing probe.
var RetryBackoff = 250 * time.Millisecond

// Run executes a check with its configured timeout and retry count.
//
// Each attempt gets its own deadline. An executor that ignores ctx is
// abandoned when the deadline passes, and a panic inside an executor is
// converted into a failed outcome. The number of attempts made is recorded
// in Metadata["attempts"].
func Run(ctx context.Context, e Executor, check *types.HealthCheck, defaultTimeout time.Duration) *Outcome {
	timeout := check.Config.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	attempts := check.Config.Retries + 1
	var out *Outcome
	for i := 1; i <= attempts; i++ {
		out = attempt(ctx, e, check, timeout)
		if out.Metadata == nil {
			out.Metadata = make(map[string]any)
		}
		out.Metadata["attempts"] = i

		if out.Success || i == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return out
		case <-time.After(RetryBackoff):
		}
	}
	return out
}

// attempt runs a single probe under its own deadline.
func attempt(parent context.Context, e Executor, check *types.HealthCheck, timeout time.Duration) *Outcome {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan *Outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failed(time.Since(start), fmt.Errorf("executor panic: %v", r), nil)
			}
		}()
		out := e.Execute(ctx, check)
		if out == nil {
			out = Failed(time.Since(start), fmt.Errorf("executor returned no outcome"), nil)
		}
		done <- out
	}()

	select {
	case out := <-done:
		if out.ResponseTime == 0 && !out.Success {
			out.ResponseTime = time.Since(start)
		}
		return out
	case <-ctx.Done():
		return Failed(time.Since(start), fmt.Errorf("timeout after %s", timeout), nil)
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages available executors.
type Registry struct {
	executors map[types.CheckKind]Executor
	mu        sync.RWMutex
}

// NewRegistry creates a new executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[types.CheckKind]Executor),
	}
}

// Register adds an executor to the registry.
// Returns an error if dependencies are missing or executor already registered.
func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := e.Kind()
	if _, exists := r.executors[kind]; exists {
		return fmt.Errorf("executor already registered: %s", kind)
	}

	// Verify dependencies are available
	caps := e.Capabilities()
	for _, dep := range caps.Dependencies {
		if _, err := exec.LookPath(dep); err != nil {
			return fmt.Errorf("executor %s missing dependency: %s", kind, dep)
		}
	}

	r.executors[kind] = e
	return nil
}

// Get returns an executor by kind.
func (r *Registry) Get(kind types.CheckKind) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	return e, ok
}

// List returns all registered kinds, sorted.
func (r *Registry) List() []types.CheckKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]types.CheckKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ListCapabilities returns capabilities for all registered executors.
func (r *Registry) ListCapabilities() map[types.CheckKind]Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make(map[types.CheckKind]Capabilities, len(r.executors))
	for k, e := range r.executors {
		caps[k] = e.Capabilities()
	}
	return caps
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// DecodeParams converts a check's free-form Params into a typed struct.
func DecodeParams[T any](params map[string]any) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(data, &v)
	return v, err
}
