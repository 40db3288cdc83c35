package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pilot-net/healthmon/internal/config"
	"github.com/pilot-net/healthmon/internal/executor"
	"github.com/pilot-net/healthmon/internal/metrics"
	"github.com/pilot-net/healthmon/internal/store"
	"github.com/pilot-net/healthmon/pkg/types"
)

const cacheKeyInfraHealth = "infrastructure_health"

func uptimePrefix(checkID string) string {
	return "uptime:" + checkID + ":"
}

// =============================================================================
// CHECK OPERATIONS
// =============================================================================

// AddCheck registers a check and returns it with its assigned ID.
func (s *Service) AddCheck(ctx context.Context, check *types.HealthCheck) (*types.HealthCheck, error) {
	if _, ok := s.executors.Get(check.Kind); !ok && check.Kind.Valid() {
		return nil, fmt.Errorf("%w: no executor for kind %q", types.ErrInvalidCheck, check.Kind)
	}
	id, err := s.scheduler.AddCheck(ctx, check)
	if err != nil {
		return nil, err
	}
	return s.scheduler.GetCheck(id)
}

// UpdateCheck applies a partial update.
func (s *Service) UpdateCheck(ctx context.Context, id string, patch types.CheckPatch) (*types.HealthCheck, error) {
	return s.scheduler.UpdateCheck(ctx, id, patch)
}

// RemoveCheck stops and deletes a check. Its result history is kept until
// retention cleanup.
func (s *Service) RemoveCheck(ctx context.Context, id string) error {
	return s.scheduler.RemoveCheck(ctx, id)
}

// ExecuteCheck runs a check immediately, outside its schedule.
func (s *Service) ExecuteCheck(ctx context.Context, id string) (*types.HealthCheckResult, error) {
	return s.scheduler.ExecuteNow(ctx, id)
}

// GetCheck returns one check.
func (s *Service) GetCheck(id string) (*types.HealthCheck, error) {
	return s.scheduler.GetCheck(id)
}

// ListChecks returns every check, optionally only those carrying tag.
func (s *Service) ListChecks(tag string) []*types.HealthCheck {
	checks := s.scheduler.ListChecks()
	if tag == "" {
		return checks
	}
	out := checks[:0]
	for _, c := range checks {
		if c.HasTag(tag) {
			out = append(out, c)
		}
	}
	return out
}

// CheckStatus is a check with its most recent result.
type CheckStatus struct {
	Check      *types.HealthCheck       `json:"check"`
	LastResult *types.HealthCheckResult `json:"last_result,omitempty"`
}

// GetCheckStatus returns a check and its last result.
func (s *Service) GetCheckStatus(id string) (*CheckStatus, error) {
	check, err := s.scheduler.GetCheck(id)
	if err != nil {
		return nil, err
	}
	return &CheckStatus{Check: check, LastResult: s.scheduler.LastResult(id)}, nil
}

// ExecutorCapabilities lists the registered check kinds.
func (s *Service) ExecutorCapabilities() map[types.CheckKind]executor.Capabilities {
	return s.executors.ListCapabilities()
}

// =============================================================================
// INCIDENT OPERATIONS
// =============================================================================

// CreateIncident opens an incident by hand.
func (s *Service) CreateIncident(ctx context.Context, in *types.Incident, createdBy string) (*types.Incident, error) {
	for _, id := range in.CheckIDs {
		if _, err := s.scheduler.GetCheck(id); err != nil {
			return nil, fmt.Errorf("%w: check_ids: unknown check %s", types.ErrInvalidIncident, id)
		}
	}
	return s.incidents.CreateIncident(ctx, in, createdBy)
}

// UpdateIncident records an operator update.
func (s *Service) UpdateIncident(ctx context.Context, id string, change types.IncidentChange) (*types.Incident, error) {
	return s.incidents.UpdateIncident(ctx, id, change)
}

// GetIncident returns one incident.
func (s *Service) GetIncident(id string) (*types.Incident, error) {
	return s.incidents.Get(id)
}

// ListIncidents returns incidents, filtered by status when set.
func (s *Service) ListIncidents(status types.IncidentStatus) ([]*types.Incident, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", types.ErrInvalidIncident, status)
	}
	return s.incidents.List(status), nil
}

// =============================================================================
// ALERT RULE OPERATIONS
// =============================================================================

// AddRule registers an alert rule.
func (s *Service) AddRule(ctx context.Context, rule *types.AlertRule) (*types.AlertRule, error) {
	return s.evaluator.AddRule(ctx, rule)
}

// UpdateRule replaces a rule definition.
func (s *Service) UpdateRule(ctx context.Context, id string, rule *types.AlertRule) (*types.AlertRule, error) {
	return s.evaluator.UpdateRule(ctx, id, rule)
}

// RemoveRule deletes a rule. Alerts it fired stay in history.
func (s *Service) RemoveRule(ctx context.Context, id string) error {
	return s.evaluator.RemoveRule(ctx, id)
}

// GetRule returns one rule.
func (s *Service) GetRule(id string) (*types.AlertRule, error) {
	return s.evaluator.GetRule(id)
}

// ListRules returns every rule.
func (s *Service) ListRules() []*types.AlertRule {
	return s.evaluator.ListRules()
}

// =============================================================================
// CHANNEL OPERATIONS
// =============================================================================

// AddChannel registers a notification channel.
func (s *Service) AddChannel(ctx context.Context, ch *types.NotificationChannel) (*types.NotificationChannel, error) {
	return s.channels.Add(ctx, ch)
}

// UpdateChannel replaces a channel definition.
func (s *Service) UpdateChannel(ctx context.Context, id string, ch *types.NotificationChannel) (*types.NotificationChannel, error) {
	return s.channels.Update(ctx, id, ch)
}

// RemoveChannel deletes a channel.
func (s *Service) RemoveChannel(ctx context.Context, id string) error {
	return s.channels.Remove(ctx, id)
}

// GetChannel returns one channel.
func (s *Service) GetChannel(id string) (*types.NotificationChannel, error) {
	return s.channels.Get(id)
}

// ListChannels returns every channel.
func (s *Service) ListChannels() []*types.NotificationChannel {
	return s.channels.List()
}

// TestChannel sends a synthetic alert through a channel and records the
// outcome on it. Delivery failures are reported in the result, not as an
// error.
func (s *Service) TestChannel(ctx context.Context, id string) (*types.ChannelTestResult, error) {
	return s.dispatcher.TestChannel(ctx, id)
}

// =============================================================================
// ALERT OPERATIONS
// =============================================================================

// ResolveAlert marks a firing alert resolved.
func (s *Service) ResolveAlert(ctx context.Context, id string) (*types.Alert, error) {
	return s.evaluator.ResolveAlert(ctx, id)
}

// GetAlert returns one alert.
func (s *Service) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	return s.evaluator.GetAlert(ctx, id)
}

// ListAlerts returns alert history, newest first.
func (s *Service) ListAlerts(ctx context.Context, f types.AlertFilter) ([]*types.Alert, error) {
	return s.evaluator.ListAlerts(ctx, f)
}

// =============================================================================
// HISTORY QUERIES
// =============================================================================

// CheckHistory returns stored results of a check within tr, newest first.
func (s *Service) CheckHistory(ctx context.Context, checkID string, tr types.TimeRange, limit int) ([]*types.HealthCheckResult, error) {
	start, end, err := tr.Bounds(time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidQuery, err)
	}
	return s.store.QueryResults(ctx, types.ResultQuery{
		CheckID: checkID,
		Start:   start,
		End:     end,
		Limit:   clampLimit(limit),
	})
}

// Uptime aggregates a check's results over window. Aggregates are cached
// briefly per check and window.
func (s *Service) Uptime(ctx context.Context, checkID string, window time.Duration) (*types.UptimeStats, error) {
	if _, err := s.scheduler.GetCheck(checkID); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s%s", uptimePrefix(checkID), window)
	var stats types.UptimeStats
	if found, err := s.cache.GetJSON(ctx, key, &stats); err != nil {
		s.logger.Warn("uptime cache read failed", "key", key, "error", err)
	} else if found {
		return &stats, nil
	}

	stats, err := s.scheduler.Uptime(ctx, checkID, window)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, key, stats, config.CacheTTLUptime); err != nil {
		s.logger.Warn("uptime cache write failed", "key", key, "error", err)
	}
	return &stats, nil
}

// MetricsHistory returns stored system snapshots within tr, newest first.
func (s *Service) MetricsHistory(ctx context.Context, tr types.TimeRange, limit int) ([]*types.SystemMetricsSnapshot, error) {
	start, end, err := tr.Bounds(time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidQuery, err)
	}
	return s.store.QueryMetrics(ctx, types.MetricsQuery{
		Start: start,
		End:   end,
		Limit: clampLimit(limit),
	})
}

// LatestMetrics returns the most recent snapshot, or nil before the first
// collection or when metrics are disabled.
func (s *Service) LatestMetrics() *types.SystemMetricsSnapshot {
	if s.collector == nil {
		return nil
	}
	return s.collector.Latest()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return config.DefaultPaginationLimit
	case limit > config.MaxPaginationLimit:
		return config.MaxPaginationLimit
	default:
		return limit
	}
}

// =============================================================================
// INFRASTRUCTURE HEALTH
// =============================================================================

// InfrastructureHealth summarises checks, incidents, alerts and the
// monitor's own health. The summary is cached for config.CacheTTLInfraHealth
// and invalidated when checks, incidents or alerts change.
func (s *Service) InfrastructureHealth(ctx context.Context) (*types.InfrastructureHealth, error) {
	var cached types.InfrastructureHealth
	if found, err := s.cache.GetJSON(ctx, cacheKeyInfraHealth, &cached); err != nil {
		s.logger.Warn("infrastructure health cache read failed", "error", err)
	} else if found {
		return &cached, nil
	}

	firing, err := s.evaluator.FiringCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting firing alerts: %w", err)
	}

	summary := s.scheduler.Summary()
	monitor := metrics.ProcessHealth(ctx, s.startedAt)
	monitor.ScheduledRuns = s.scheduler.Runs()
	monitor.DroppedEvents = s.bus.Dropped()

	var bufferStats metrics.BufferStatsProvider
	if s.flusher != nil {
		bufferStats = s.flusher
	}

	health := &types.InfrastructureHealth{
		Timestamp:     time.Now().UTC(),
		Status:        worstStatus(summary),
		Monitor:       monitor,
		Checks:        summary,
		OpenIncidents: s.incidents.OpenCount(),
		FiringAlerts:  firing,
		LatestMetrics: s.LatestMetrics(),
		Storage:       s.storageHealth(ctx),
		Buffer:        metrics.BufferHealth(ctx, bufferStats),
	}

	if err := s.cache.SetJSON(ctx, cacheKeyInfraHealth, health, config.CacheTTLInfraHealth); err != nil {
		s.logger.Warn("infrastructure health cache write failed", "error", err)
	}
	return health, nil
}

func (s *Service) storageHealth(ctx context.Context) types.StorageHealth {
	health := types.StorageHealth{
		Driver: strings.ToLower(s.config.Storage.Driver),
		Status: "healthy",
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
	defer cancel()
	if err := s.store.Ping(pingCtx); err != nil {
		s.logger.Warn("store ping failed", "error", err)
		health.Status = "unhealthy"
	}

	if pg, ok := s.store.(*store.Postgres); ok {
		health.Pool = pg.PoolStats()
	}
	return health
}

// worstStatus is the most severe latest status in sum.
func worstStatus(sum types.CheckSummary) types.CheckStatus {
	switch {
	case sum.Critical > 0:
		return types.StatusCritical
	case sum.Warning > 0:
		return types.StatusWarning
	case sum.Healthy > 0:
		return types.StatusHealthy
	default:
		return types.StatusUnknown
	}
}
