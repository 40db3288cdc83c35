// Package incident turns sustained critical failures into tracked incidents
// and drives their lifecycle.
//
// # State Machine
//
//	open → investigating → identified → monitoring → resolved
//
// Transitions may skip states. Resolved is terminal and sets EndTime. Every
// change appends an entry to Updates, which is the audit trail.
//
// # Concurrency
//
// At most one open incident exists per check. Find-or-create for a check is
// serialised by a per-check lock; the manager-wide mutex only guards the
// in-memory maps for the duration of a read or write. Persistence failures
// leave the in-memory state authoritative and queue the incident for the
// next flush.
package incident

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/healthmon/internal/events"
	"github.com/pilot-net/healthmon/pkg/types"
)

// SystemActor is recorded as UpdatedBy on automatic updates.
const SystemActor = "system"

// Store persists incidents and reads recent results for auto-resolve.
type Store interface {
	SaveIncident(ctx context.Context, inc *types.Incident) error
	ListIncidents(ctx context.Context, status types.IncidentStatus) ([]*types.Incident, error)
	QueryResults(ctx context.Context, q types.ResultQuery) ([]*types.HealthCheckResult, error)
}

// Config holds incident manager settings.
type Config struct {
	// AutoResolveInterval is how often open incidents are checked for recovery.
	AutoResolveInterval time.Duration

	// ResolveHealthyCount is how many of the most recent results of every
	// associated check must be healthy to auto-resolve.
	ResolveHealthyCount int

	// FlushInterval is how often failed writes are retried.
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AutoResolveInterval: 5 * time.Minute,
		ResolveHealthyCount: 3,
		FlushInterval:       30 * time.Second,
	}
}

// Manager owns incident state.
type Manager struct {
	store  Store
	events events.Publisher
	config Config
	logger *slog.Logger

	mu        sync.RWMutex
	incidents map[string]*types.Incident
	byCheck   map[string]string // check ID -> open incident ID

	checkLocks *keyedMutex
	writeLocks *keyedMutex

	pendingMu sync.Mutex
	pending   map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates an incident manager.
func NewManager(store Store, config Config, logger *slog.Logger) *Manager {
	if config.ResolveHealthyCount < 1 {
		config.ResolveHealthyCount = 1
	}
	if config.AutoResolveInterval <= 0 {
		config.AutoResolveInterval = DefaultConfig().AutoResolveInterval
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Manager{
		store:      store,
		config:     config,
		logger:     logger.With("component", "incidents"),
		incidents:  make(map[string]*types.Incident),
		byCheck:    make(map[string]string),
		checkLocks: newKeyedMutex(),
		writeLocks: newKeyedMutex(),
		pending:    make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// SetPublisher wires the event bus.
func (m *Manager) SetPublisher(p events.Publisher) {
	m.events = p
}

// Load restores persisted incidents into memory.
func (m *Manager) Load(ctx context.Context) error {
	list, err := m.store.ListIncidents(ctx, "")
	if err != nil {
		return fmt.Errorf("loading incidents: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	open := 0
	for _, inc := range list {
		m.incidents[inc.ID] = inc
		if inc.IsOpen() {
			open++
			for _, id := range inc.CheckIDs {
				m.byCheck[id] = inc.ID
			}
		}
	}
	m.logger.Info("incidents loaded", "total", len(list), "open", open)
	return nil
}

// =============================================================================
// FAILURE HOOK
// =============================================================================

// OnCriticalFailure records a critical result. The open incident for the
// check gets a "still failing" update; otherwise a new critical incident is
// opened and incident-created is published.
func (m *Manager) OnCriticalFailure(ctx context.Context, check *types.HealthCheck, result *types.HealthCheckResult) (*types.Incident, error) {
	unlock := m.checkLocks.Lock(check.ID)
	defer unlock()

	now := time.Now()
	detail := result.Message
	if detail == "" {
		detail = result.Error
	}

	m.mu.Lock()
	if id, ok := m.byCheck[check.ID]; ok {
		inc := m.incidents[id]
		inc.Updates = append(inc.Updates, types.IncidentUpdate{
			ID:        uuid.New().String(),
			Timestamp: now,
			Status:    inc.Status,
			Message:   fmt.Sprintf("Check %s still failing: %s", check.Name, detail),
			UpdatedBy: SystemActor,
		})
		inc.UpdatedAt = now
		snap := inc.Clone()
		m.mu.Unlock()

		m.persist(ctx, snap.ID)
		m.publish(events.IncidentUpdated, snap)
		return snap, nil
	}

	inc := &types.Incident{
		ID:               uuid.New().String(),
		Title:            fmt.Sprintf("%s is critical", check.Name),
		Description:      detail,
		Severity:         types.SeverityCritical,
		Status:           types.IncidentOpen,
		AffectedServices: []string{check.Name},
		CheckIDs:         []string{check.ID},
		StartTime:        now,
		Updates: []types.IncidentUpdate{{
			ID:        uuid.New().String(),
			Timestamp: now,
			Status:    types.IncidentOpen,
			Message:   fmt.Sprintf("Incident opened: check %s reported critical: %s", check.Name, detail),
			UpdatedBy: SystemActor,
		}},
		Tags:      append([]string(nil), check.Tags...),
		Metadata:  map[string]any{"result_id": result.ID, "check_kind": string(check.Kind)},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.incidents[inc.ID] = inc
	m.byCheck[check.ID] = inc.ID
	snap := inc.Clone()
	m.mu.Unlock()

	m.logger.Warn("incident opened", "incident_id", snap.ID, "check_id", check.ID, "check", check.Name)
	m.persist(ctx, snap.ID)
	m.publish(events.IncidentCreated, snap)
	return snap, nil
}

// =============================================================================
// OPERATOR OPERATIONS
// =============================================================================

// CreateIncident opens an incident by hand. Checks it references must not
// already have an open incident.
func (m *Manager) CreateIncident(ctx context.Context, in *types.Incident, createdBy string) (*types.Incident, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	unlock := m.checkLocks.LockAll(in.CheckIDs)
	defer unlock()

	now := time.Now()
	inc := in.Clone()
	inc.ID = uuid.New().String()
	if inc.Severity == "" {
		inc.Severity = types.SeverityMedium
	}
	if inc.Status == "" || inc.Status == types.IncidentResolved {
		inc.Status = types.IncidentOpen
	}
	if createdBy == "" {
		createdBy = "operator"
	}
	inc.StartTime = now
	inc.EndTime = nil
	inc.Updates = []types.IncidentUpdate{{
		ID:        uuid.New().String(),
		Timestamp: now,
		Status:    inc.Status,
		Message:   "Incident created",
		UpdatedBy: createdBy,
	}}
	inc.CreatedAt = now
	inc.UpdatedAt = now

	m.mu.Lock()
	for _, checkID := range inc.CheckIDs {
		if existing, ok := m.byCheck[checkID]; ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("check %s already has open incident %s: %w", checkID, existing, types.ErrConflict)
		}
	}
	m.incidents[inc.ID] = inc
	for _, checkID := range inc.CheckIDs {
		m.byCheck[checkID] = inc.ID
	}
	snap := inc.Clone()
	m.mu.Unlock()

	m.logger.Info("incident created", "incident_id", snap.ID, "severity", snap.Severity, "created_by", createdBy)
	m.persist(ctx, snap.ID)
	m.publish(events.IncidentCreated, snap)
	return snap, nil
}

// UpdateIncident appends an update and applies the status and assignee
// changes. Resolving sets EndTime. A resolved incident accepts notes but
// cannot change status.
func (m *Manager) UpdateIncident(ctx context.Context, id string, change types.IncidentChange) (*types.Incident, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	inc, ok := m.incidents[id]
	var checkIDs []string
	if ok {
		checkIDs = append(checkIDs, inc.CheckIDs...)
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, types.ErrNotFound)
	}

	unlock := m.checkLocks.LockAll(checkIDs)
	defer unlock()
	return m.apply(ctx, id, change)
}

// apply mutates an incident. Caller holds the check locks of the incident.
func (m *Manager) apply(ctx context.Context, id string, change types.IncidentChange) (*types.Incident, error) {
	now := time.Now()

	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("incident %s: %w", id, types.ErrNotFound)
	}
	if !inc.IsOpen() && change.Status != "" && change.Status != types.IncidentResolved {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: incident %s is resolved", types.ErrInvalidIncident, id)
	}

	wasOpen := inc.IsOpen()
	if change.Status != "" {
		inc.Status = change.Status
	}
	if change.AssignedTo != nil {
		inc.AssignedTo = *change.AssignedTo
	}
	inc.Updates = append(inc.Updates, types.IncidentUpdate{
		ID:        uuid.New().String(),
		Timestamp: now,
		Status:    inc.Status,
		Message:   change.Message,
		UpdatedBy: change.UpdatedBy,
	})
	resolved := wasOpen && inc.Status == types.IncidentResolved
	if resolved {
		if inc.EndTime == nil {
			end := now
			inc.EndTime = &end
		}
		for _, checkID := range inc.CheckIDs {
			if m.byCheck[checkID] == inc.ID {
				delete(m.byCheck, checkID)
			}
		}
	}
	inc.UpdatedAt = now
	snap := inc.Clone()
	m.mu.Unlock()

	m.persist(ctx, id)
	m.publish(events.IncidentUpdated, snap)
	if resolved {
		m.logger.Info("incident resolved", "incident_id", id, "updated_by", change.UpdatedBy)
		m.publish(events.IncidentResolved, snap)
	}
	return snap, nil
}

// Get returns a copy of an incident.
func (m *Manager) Get(id string) (*types.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, types.ErrNotFound)
	}
	return inc.Clone(), nil
}

// List returns incidents with the given status (all when empty), newest first.
func (m *Manager) List(status types.IncidentStatus) []*types.Incident {
	m.mu.RLock()
	var out []*types.Incident
	for _, inc := range m.incidents {
		if status == "" || inc.Status == status {
			out = append(out, inc.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// OpenCount returns the number of non-resolved incidents.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, inc := range m.incidents {
		if inc.IsOpen() {
			n++
		}
	}
	return n
}

// OpenFor returns the open incident for a check, or nil.
func (m *Manager) OpenFor(checkID string) *types.Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byCheck[checkID]; ok {
		return m.incidents[id].Clone()
	}
	return nil
}

// =============================================================================
// AUTO-RESOLVE
// =============================================================================

// AutoResolve resolves every open incident whose checks have all recovered,
// meaning the last ResolveHealthyCount results of each are healthy. An
// incident without checks, or a check with too few results, is never
// resolved automatically. It returns the number of incidents resolved.
func (m *Manager) AutoResolve(ctx context.Context) (int, error) {
	m.mu.RLock()
	var candidates []*types.Incident
	for _, inc := range m.incidents {
		if inc.IsOpen() && len(inc.CheckIDs) > 0 {
			candidates = append(candidates, inc.Clone())
		}
	}
	m.mu.RUnlock()

	resolved := 0
	for _, inc := range candidates {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}

		ok, err := m.resolveIfRecovered(ctx, inc)
		if err != nil {
			m.logger.Error("auto-resolve check failed", "incident_id", inc.ID, "error", err)
			continue
		}
		if ok {
			resolved++
		}
	}

	if resolved > 0 {
		m.logger.Info("incidents auto-resolved", "count", resolved)
	}
	return resolved, nil
}

func (m *Manager) resolveIfRecovered(ctx context.Context, inc *types.Incident) (bool, error) {
	unlock := m.checkLocks.LockAll(inc.CheckIDs)
	defer unlock()

	// A critical result may have landed between the snapshot and the lock.
	for _, checkID := range inc.CheckIDs {
		recovered, err := m.recovered(ctx, checkID)
		if err != nil || !recovered {
			return false, err
		}
	}

	m.mu.RLock()
	current, ok := m.incidents[inc.ID]
	stillOpen := ok && current.IsOpen()
	m.mu.RUnlock()
	if !stillOpen {
		return false, nil
	}

	_, err := m.apply(ctx, inc.ID, types.IncidentChange{
		Status: types.IncidentResolved,
		Message: fmt.Sprintf("Automatically resolved: last %d results of every associated check are healthy",
			m.config.ResolveHealthyCount),
		UpdatedBy: SystemActor,
	})
	return err == nil, err
}

func (m *Manager) recovered(ctx context.Context, checkID string) (bool, error) {
	n := m.config.ResolveHealthyCount
	results, err := m.store.QueryResults(ctx, types.ResultQuery{CheckID: checkID, Limit: n})
	if err != nil {
		return false, fmt.Errorf("querying results for %s: %w", checkID, err)
	}
	if len(results) < n {
		return false, nil
	}
	for _, r := range results {
		if r.Status != types.StatusHealthy {
			return false, nil
		}
	}
	return true, nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// persist writes the current state of an incident. Concurrent writers of the
// same incident are serialised so the latest state is written last.
func (m *Manager) persist(ctx context.Context, id string) {
	if err := m.write(ctx, id); err != nil {
		m.logger.Warn("failed to persist incident, queued for retry", "incident_id", id, "error", err)
		m.pendingMu.Lock()
		m.pending[id] = struct{}{}
		m.pendingMu.Unlock()
	}
}

func (m *Manager) write(ctx context.Context, id string) error {
	unlock := m.writeLocks.Lock(id)
	defer unlock()

	m.mu.RLock()
	inc, ok := m.incidents[id]
	var snap *types.Incident
	if ok {
		snap = inc.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.store.SaveIncident(ctx, snap)
}

// Flush retries queued writes and returns how many are still pending.
func (m *Manager) Flush(ctx context.Context) int {
	m.pendingMu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.pendingMu.Unlock()

	for _, id := range ids {
		if err := m.write(ctx, id); err != nil {
			m.logger.Warn("incident write retry failed", "incident_id", id, "error", err)
			continue
		}
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

func (m *Manager) publish(t events.Type, inc *types.Incident) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.Event{Type: t, Timestamp: time.Now(), Incident: inc})
}

// =============================================================================
// WORKER
// =============================================================================

// Start runs auto-resolve and the pending-write flush on their own tickers.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop signals the worker to stop and waits for it.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	m.logger.Info("incident worker started",
		"auto_resolve_interval", m.config.AutoResolveInterval,
		"resolve_healthy_count", m.config.ResolveHealthyCount,
		"flush_interval", m.config.FlushInterval,
	)

	resolveTicker := time.NewTicker(m.config.AutoResolveInterval)
	flushTicker := time.NewTicker(m.config.FlushInterval)
	defer resolveTicker.Stop()
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("incident worker stopped (context cancelled)")
			return
		case <-m.stopCh:
			m.logger.Info("incident worker stopped")
			return
		case <-resolveTicker.C:
			if _, err := m.AutoResolve(ctx); err != nil {
				m.logger.Error("auto-resolve failed", "error", err)
			}
		case <-flushTicker.C:
			if n := m.Flush(ctx); n > 0 {
				m.logger.Warn("incident writes still pending", "count", n)
			}
		}
	}
}
