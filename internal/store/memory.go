package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// Memory is an in-process Store. Records are copied on the way in and out.
type Memory struct {
	mu        sync.RWMutex
	checks    map[string]*types.HealthCheck
	results   []*types.HealthCheckResult
	incidents map[string]*types.Incident
	rules     map[string]*types.AlertRule
	alerts    map[string]*types.Alert
	channels  map[string]*types.NotificationChannel
	metrics   []*types.SystemMetricsSnapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		checks:    make(map[string]*types.HealthCheck),
		incidents: make(map[string]*types.Incident),
		rules:     make(map[string]*types.AlertRule),
		alerts:    make(map[string]*types.Alert),
		channels:  make(map[string]*types.NotificationChannel),
	}
}

// =============================================================================
// CHECKS
// =============================================================================

func (m *Memory) SaveCheck(ctx context.Context, check *types.HealthCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[check.ID] = check.Clone()
	return nil
}

func (m *Memory) DeleteCheck(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, id)
	return nil
}

func (m *Memory) ListChecks(ctx context.Context) ([]*types.HealthCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.HealthCheck, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// RESULTS
// =============================================================================

func (m *Memory) SaveResult(ctx context.Context, result *types.HealthCheckResult) error {
	return m.SaveResults(ctx, []*types.HealthCheckResult{result})
}

func (m *Memory) SaveResults(ctx context.Context, results []*types.HealthCheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		cp := *r
		m.results = append(m.results, &cp)
	}
	return nil
}

func (m *Memory) QueryResults(ctx context.Context, q types.ResultQuery) ([]*types.HealthCheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.HealthCheckResult
	for _, r := range m.results {
		if q.Matches(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	// Arrival order is not timestamp order
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// =============================================================================
// INCIDENTS
// =============================================================================

func (m *Memory) SaveIncident(ctx context.Context, inc *types.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.ID] = inc.Clone()
	return nil
}

func (m *Memory) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, types.ErrNotFound)
	}
	return inc.Clone(), nil
}

func (m *Memory) ListIncidents(ctx context.Context, status types.IncidentStatus) ([]*types.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Incident
	for _, inc := range m.incidents {
		if status == "" || inc.Status == status {
			out = append(out, inc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

// =============================================================================
// ALERT RULES
// =============================================================================

func (m *Memory) SaveRule(ctx context.Context, rule *types.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule.Clone()
	return nil
}

func (m *Memory) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
	return nil
}

func (m *Memory) ListRules(ctx context.Context) ([]*types.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// ALERTS
// =============================================================================

func (m *Memory) SaveAlert(ctx context.Context, alert *types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = alert.Clone()
	return nil
}

func (m *Memory) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, types.ErrNotFound)
	}
	return a.Clone(), nil
}

func (m *Memory) ListAlerts(ctx context.Context, f types.AlertFilter) ([]*types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Alert
	for _, a := range m.alerts {
		if f.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// =============================================================================
// CHANNELS
// =============================================================================

func (m *Memory) SaveChannel(ctx context.Context, ch *types.NotificationChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch.Clone()
	return nil
}

func (m *Memory) DeleteChannel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, id)
	return nil
}

func (m *Memory) ListChannels(ctx context.Context) ([]*types.NotificationChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.NotificationChannel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// METRICS
// =============================================================================

func (m *Memory) SaveMetrics(ctx context.Context, snap *types.SystemMetricsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.metrics = append(m.metrics, &cp)
	return nil
}

func (m *Memory) QueryMetrics(ctx context.Context, q types.MetricsQuery) ([]*types.SystemMetricsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.SystemMetricsSnapshot
	for _, s := range m.metrics {
		if q.Matches(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func (m *Memory) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupStats, error) {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	var stats CleanupStats
	kept := m.results[:0]
	for _, r := range m.results {
		if r.Timestamp.Before(cutoff) {
			stats.Results++
			continue
		}
		kept = append(kept, r)
	}
	m.results = kept

	keptMetrics := m.metrics[:0]
	for _, s := range m.metrics {
		if s.Timestamp.Before(cutoff) {
			stats.Metrics++
			continue
		}
		keptMetrics = append(keptMetrics, s)
	}
	m.metrics = keptMetrics

	for id, a := range m.alerts {
		if a.Status == types.AlertResolved && a.TriggeredAt.Before(cutoff) {
			delete(m.alerts, id)
			stats.Alerts++
		}
	}
	return stats, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
