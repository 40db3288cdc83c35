// Package scheduler owns the set of declared checks and runs each one on its
// own interval.
//
// # Design
//
// Every enabled check gets a dedicated goroutine with a ticker. The loop fires
// once immediately and then every interval. Each tick runs in its own
// goroutine so a slow probe does not delay the cadence; a tick that finds the
// previous execution of the same check still running is skipped.
//
// # Execution Path
//
// Scheduled runs and ExecuteNow share one path:
//  1. Run the executor for the check kind (timeout and retries enforced)
//  2. Classify the outcome against the check thresholds
//  3. Persist the result (errors are logged, never fatal)
//  4. On critical, call the incident hook synchronously
//  5. Publish check-completed, and check-failed for warning or critical
//
// Removing or updating a check cancels its loop. A scheduled execution whose
// loop was cancelled mid-flight has its result discarded.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/healthmon/internal/events"
	"github.com/pilot-net/healthmon/internal/executor"
	"github.com/pilot-net/healthmon/internal/status"
	"github.com/pilot-net/healthmon/pkg/types"
)

// ErrUptimeUnavailable is returned by Uptime when no result history is wired.
var ErrUptimeUnavailable = errors.New("uptime history unavailable")

// Store persists check definitions and results and reads result history.
// It is the default ResultSink.
type Store interface {
	SaveCheck(ctx context.Context, check *types.HealthCheck) error
	DeleteCheck(ctx context.Context, id string) error
	ListChecks(ctx context.Context) ([]*types.HealthCheck, error)
	SaveResult(ctx context.Context, result *types.HealthCheckResult) error
	QueryResults(ctx context.Context, q types.ResultQuery) ([]*types.HealthCheckResult, error)
}

// ResultSink receives every produced result. store.Store and buffer.ResultBuffer
// both satisfy it.
type ResultSink interface {
	SaveResult(ctx context.Context, result *types.HealthCheckResult) error
}

// IncidentHook is called synchronously for every critical result.
type IncidentHook interface {
	OnCriticalFailure(ctx context.Context, check *types.HealthCheck, result *types.HealthCheckResult) (*types.Incident, error)
}

// Config holds scheduler settings.
type Config struct {
	// DefaultTimeout applies to checks without a configured timeout.
	DefaultTimeout time.Duration

	// PersistTimeout bounds result persistence and the incident hook.
	PersistTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 10 * time.Second,
		PersistTimeout: 5 * time.Second,
	}
}

// entry is one registered check and its running loop.
type entry struct {
	check   *types.HealthCheck
	cancel  context.CancelFunc // nil when not scheduled
	running atomic.Bool
	last    atomic.Pointer[types.HealthCheckResult]
}

func (e *entry) stop() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Scheduler runs checks on their intervals.
type Scheduler struct {
	registry *executor.Registry
	store    Store
	sink     ResultSink
	hook     IncidentHook
	events   events.Publisher
	config   Config
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	ctx     context.Context // root for check loops, nil until Start
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	runs    atomic.Uint64
	skipped atomic.Uint64
}

// New creates a scheduler. Results are written to store until SetResultSink
// replaces the sink.
func New(registry *executor.Registry, store Store, config Config, logger *slog.Logger) *Scheduler {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = DefaultConfig().PersistTimeout
	}
	return &Scheduler{
		registry: registry,
		store:    store,
		sink:     store,
		config:   config,
		logger:   logger.With("component", "scheduler"),
		entries:  make(map[string]*entry),
	}
}

// SetResultSink routes results somewhere other than the store, such as the
// redis write buffer.
func (s *Scheduler) SetResultSink(sink ResultSink) {
	s.sink = sink
}

// SetIncidentHook wires the incident manager.
func (s *Scheduler) SetIncidentHook(hook IncidentHook) {
	s.hook = hook
}

// SetPublisher wires the event bus.
func (s *Scheduler) SetPublisher(p events.Publisher) {
	s.events = p
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Load registers every persisted check without writing them back.
func (s *Scheduler) Load(ctx context.Context) error {
	checks, err := s.store.ListChecks(ctx)
	if err != nil {
		return fmt.Errorf("loading checks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range checks {
		if err := c.Validate(); err != nil {
			s.logger.Warn("skipping invalid stored check", "check_id", c.ID, "error", err)
			continue
		}
		e := &entry{check: c}
		s.entries[c.ID] = e
		s.scheduleLocked(e)
	}
	s.logger.Info("checks loaded", "count", len(checks))
	return nil
}

// Start begins the loops of all enabled checks. Checks added later start
// immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.entries {
		s.scheduleLocked(e)
	}
	s.logger.Info("scheduler started", "checks", len(s.entries))
}

// Stop cancels every loop and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for _, e := range s.entries {
		e.stop()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped", "runs", s.runs.Load(), "skipped", s.skipped.Load())
}

// Runs returns the number of executions performed.
func (s *Scheduler) Runs() uint64 {
	return s.runs.Load()
}

// =============================================================================
// REGISTRY OPERATIONS
// =============================================================================

// AddCheck validates and registers a check, returning its ID. An enabled
// check is scheduled right away when the scheduler is running.
func (s *Scheduler) AddCheck(ctx context.Context, check *types.HealthCheck) (string, error) {
	if err := check.Validate(); err != nil {
		return "", err
	}

	c := check.Clone()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.entries[c.ID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("check %s: %w", c.ID, types.ErrConflict)
	}
	e := &entry{check: c}
	s.entries[c.ID] = e
	s.scheduleLocked(e)
	s.mu.Unlock()

	if err := s.store.SaveCheck(ctx, c); err != nil {
		s.logger.Error("failed to persist check", "check_id", c.ID, "error", err)
	}

	s.logger.Info("check added", "check_id", c.ID, "name", c.Name, "kind", c.Kind, "enabled", c.Enabled)
	s.publish(events.Event{Type: events.CheckAdded, Check: c.Clone()})
	return c.ID, nil
}

// UpdateCheck applies patch to a check. The running loop is cancelled before
// the change and restarted afterwards if the check is still enabled.
func (s *Scheduler) UpdateCheck(ctx context.Context, id string, patch types.CheckPatch) (*types.HealthCheck, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("check %s: %w", id, types.ErrNotFound)
	}

	updated := e.check.Clone()
	patch.Apply(updated)
	if err := updated.Validate(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	updated.UpdatedAt = time.Now()

	e.stop()
	e.check = updated
	s.scheduleLocked(e)
	s.mu.Unlock()

	if err := s.store.SaveCheck(ctx, updated); err != nil {
		s.logger.Error("failed to persist check", "check_id", id, "error", err)
	}

	s.logger.Info("check updated", "check_id", id, "enabled", updated.Enabled)
	s.publish(events.Event{Type: events.CheckUpdated, Check: updated.Clone()})
	return updated.Clone(), nil
}

// RemoveCheck cancels the check loop and deletes it from the registry and
// storage. Stored results and incidents are kept.
func (s *Scheduler) RemoveCheck(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("check %s: %w", id, types.ErrNotFound)
	}
	e.stop()
	delete(s.entries, id)
	s.mu.Unlock()

	if err := s.store.DeleteCheck(ctx, id); err != nil {
		s.logger.Error("failed to delete check", "check_id", id, "error", err)
	}

	s.logger.Info("check removed", "check_id", id)
	s.publish(events.Event{Type: events.CheckRemoved, Check: e.check.Clone()})
	return nil
}

// GetCheck returns a copy of a registered check.
func (s *Scheduler) GetCheck(id string) (*types.HealthCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("check %s: %w", id, types.ErrNotFound)
	}
	return e.check.Clone(), nil
}

// ListChecks returns copies of all checks ordered by creation time.
func (s *Scheduler) ListChecks() []*types.HealthCheck {
	s.mu.RLock()
	out := make([]*types.HealthCheck, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.check.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// LastResult returns the most recent result of a check, or nil.
func (s *Scheduler) LastResult(id string) *types.HealthCheckResult {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.last.Load()
}

// Summary counts checks by the status of their latest result. Checks that
// have not run yet count as unknown.
func (s *Scheduler) Summary() types.CheckSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum types.CheckSummary
	for _, e := range s.entries {
		sum.Total++
		if e.check.Enabled {
			sum.Enabled++
		}
		st := types.StatusUnknown
		if r := e.last.Load(); r != nil {
			st = r.Status
		}
		switch st {
		case types.StatusHealthy:
			sum.Healthy++
		case types.StatusWarning:
			sum.Warning++
		case types.StatusCritical:
			sum.Critical++
		default:
			sum.Unknown++
		}
	}
	return sum
}

// Uptime aggregates stored results of a check over the trailing window.
func (s *Scheduler) Uptime(ctx context.Context, checkID string, window time.Duration) (types.UptimeStats, error) {
	if s.store == nil {
		return types.UptimeStats{}, ErrUptimeUnavailable
	}
	results, err := s.store.QueryResults(ctx, types.ResultQuery{
		CheckID: checkID,
		Start:   time.Now().Add(-window),
	})
	if err != nil {
		return types.UptimeStats{}, fmt.Errorf("querying results: %w", err)
	}
	return types.ComputeUptime(checkID, results), nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// ExecuteNow runs a check out of band through the same path as scheduled
// runs. It does not wait for, or block, a scheduled execution.
func (s *Scheduler) ExecuteNow(ctx context.Context, id string) (*types.HealthCheckResult, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	var check *types.HealthCheck
	if ok {
		check = e.check.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("check %s: %w", id, types.ErrNotFound)
	}

	result := s.execute(ctx, e, check)
	if result == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("check %s removed during execution: %w", id, types.ErrNotFound)
	}
	return result, nil
}

// scheduleLocked starts the loop for e if the scheduler is running and the
// check is enabled. Caller holds s.mu.
func (s *Scheduler) scheduleLocked(e *entry) {
	if s.ctx == nil || !e.check.Enabled || e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel
	check := e.check.Clone()

	s.wg.Add(1)
	go s.loop(ctx, e, check)
}

func (s *Scheduler) loop(ctx context.Context, e *entry, check *types.HealthCheck) {
	defer s.wg.Done()

	interval := check.Config.Interval()
	s.logger.Debug("check loop started", "check_id", check.ID, "interval", interval)

	s.tick(ctx, e, check)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("check loop stopped", "check_id", check.ID)
			return
		case <-ticker.C:
			s.tick(ctx, e, check)
		}
	}
}

// tick starts one scheduled execution unless the previous one is still running.
func (s *Scheduler) tick(ctx context.Context, e *entry, check *types.HealthCheck) {
	if !e.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Debug("previous execution still running, skipping", "check_id", check.ID)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.running.Store(false)
		s.execute(ctx, e, check)
	}()
}

// execute is the single execution path. It returns nil when the result was
// discarded because the check was removed or its loop cancelled.
func (s *Scheduler) execute(ctx context.Context, e *entry, check *types.HealthCheck) *types.HealthCheckResult {
	start := time.Now()

	var result *types.HealthCheckResult
	if exec, ok := s.registry.Get(check.Kind); ok {
		out := executor.Run(ctx, exec, check, s.config.DefaultTimeout)
		result = &types.HealthCheckResult{
			Status:         status.Classify(out.Success, out.ResponseTime, check.Thresholds),
			ResponseTimeMs: float64(out.ResponseTime) / float64(time.Millisecond),
			Success:        out.Success,
			Message:        out.Message,
			Error:          out.Error,
			Metadata:       out.Metadata,
		}
	} else {
		msg := fmt.Sprintf("no executor registered for kind %q", check.Kind)
		result = &types.HealthCheckResult{
			Status:  types.StatusUnknown,
			Message: msg,
			Error:   msg,
		}
	}
	result.ID = uuid.New().String()
	result.CheckID = check.ID
	result.Timestamp = start
	s.runs.Add(1)

	if ctx.Err() != nil || !s.registered(check.ID, e) {
		s.logger.Debug("discarding result of cancelled execution", "check_id", check.ID)
		return nil
	}
	e.last.Store(result)

	// Persistence and the incident hook must finish even if the loop is
	// cancelled meanwhile.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PersistTimeout)
	defer cancel()

	if err := s.sink.SaveResult(pctx, result); err != nil {
		s.logger.Error("failed to persist result", "check_id", check.ID, "result_id", result.ID, "error", err)
	}

	if result.Status == types.StatusCritical && s.hook != nil {
		if _, err := s.hook.OnCriticalFailure(pctx, check, result); err != nil {
			s.logger.Error("incident hook failed", "check_id", check.ID, "error", err)
		}
	}

	s.publish(events.Event{Type: events.CheckCompleted, Check: check.Clone(), Result: result})
	if result.Status == types.StatusWarning || result.Status == types.StatusCritical {
		s.publish(events.Event{Type: events.CheckFailed, Check: check.Clone(), Result: result})
	}

	s.logger.Debug("check executed",
		"check_id", check.ID,
		"status", result.Status,
		"response_time_ms", result.ResponseTimeMs,
		"success", result.Success,
	)
	return result
}

func (s *Scheduler) registered(id string, e *entry) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id] == e
}

func (s *Scheduler) publish(ev events.Event) {
	if s.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.events.Publish(ev)
}
