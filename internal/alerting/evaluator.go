// Package alerting evaluates alert rules against pipeline events and fires
// alerts.
//
// # Evaluation
//
// Every check result, metrics snapshot and created incident is matched
// against the enabled rules. A rule is a candidate when it declares a
// condition for the event source, its filters match and its schedule is
// active. Conditions are evaluated in declaration order and the first true
// condition fires the rule, so each rule produces at most one alert per
// event.
//
// # Throttling
//
// Before an alert is created the fire is offered to the Throttle, which
// checks and records it atomically per rule. A throttled fire is logged and
// produces no alert. Throttling can be disabled per rule or globally.
//
// # Delivery
//
// A fired alert starts with one pending action result per configured
// action. Delivery is handed to the Dispatcher, which reports each outcome
// back exactly once; the alert is re-saved on every transition.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/healthmon/internal/events"
	"github.com/pilot-net/healthmon/pkg/types"
)

// Store persists rules and alerts and reads result history for
// consecutive-failure conditions.
type Store interface {
	SaveRule(ctx context.Context, rule *types.AlertRule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]*types.AlertRule, error)
	SaveAlert(ctx context.Context, alert *types.Alert) error
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	ListAlerts(ctx context.Context, f types.AlertFilter) ([]*types.Alert, error)
	QueryResults(ctx context.Context, q types.ResultQuery) ([]*types.HealthCheckResult, error)
}

// UptimeSource aggregates result history for uptime-threshold conditions.
type UptimeSource interface {
	Uptime(ctx context.Context, checkID string, window time.Duration) (types.UptimeStats, error)
}

// Dispatcher delivers the actions of a fired alert. report is called once
// per action index with its final result.
type Dispatcher interface {
	Dispatch(alert *types.Alert, actions []types.AlertAction, report func(index int, result types.AlertActionResult))
}

// Config holds evaluator settings.
type Config struct {
	// ThrottlingEnabled is the global switch. When false no rule is throttled.
	ThrottlingEnabled bool

	// SweepInterval is how often old throttle entries are discarded.
	SweepInterval time.Duration

	// Workers bounds how many events are evaluated concurrently.
	Workers int

	// DefaultUptimeWindow applies to uptime conditions without window_minutes.
	DefaultUptimeWindow time.Duration

	// PersistTimeout bounds alert writes made from delivery callbacks.
	PersistTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ThrottlingEnabled:   true,
		SweepInterval:       time.Hour,
		Workers:             8,
		DefaultUptimeWindow: time.Hour,
		PersistTimeout:      5 * time.Second,
	}
}

// activeAlert is a fired alert with deliveries still outstanding.
type activeAlert struct {
	alert   *types.Alert
	pending int
}

// Evaluator owns the rule set and fires alerts.
type Evaluator struct {
	store      Store
	throttle   Throttle
	dispatcher Dispatcher
	uptime     UptimeSource
	events     events.Publisher
	config     Config
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.RWMutex
	rules map[string]*types.AlertRule

	// writeMu orders alert writes so an older snapshot never overwrites a
	// newer one. alertMu guards active and the alerts it holds.
	writeMu sync.Mutex
	alertMu sync.Mutex
	active  map[string]*activeAlert

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEvaluator creates an evaluator with no rules loaded.
func NewEvaluator(store Store, throttle Throttle, config Config, logger *slog.Logger) *Evaluator {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.DefaultUptimeWindow <= 0 {
		config.DefaultUptimeWindow = time.Hour
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = 5 * time.Second
	}
	if throttle == nil {
		throttle = NewMemoryThrottle()
	}
	return &Evaluator{
		store:    store,
		throttle: throttle,
		config:   config,
		logger:   logger.With("component", "alerting"),
		now:      time.Now,
		rules:    make(map[string]*types.AlertRule),
		active:   make(map[string]*activeAlert),
		stopCh:   make(chan struct{}),
	}
}

// SetDispatcher wires notification delivery.
func (e *Evaluator) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

// SetUptimeSource wires the history aggregation used by uptime conditions.
func (e *Evaluator) SetUptimeSource(u UptimeSource) {
	e.uptime = u
}

// SetPublisher wires the event bus.
func (e *Evaluator) SetPublisher(p events.Publisher) {
	e.events = p
}

// =============================================================================
// RULES
// =============================================================================

// LoadRules restores persisted rules. Invalid definitions are skipped.
func (e *Evaluator) LoadRules(ctx context.Context) error {
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			e.logger.Warn("skipping invalid stored rule", "rule_id", r.ID, "error", err)
			continue
		}
		e.rules[r.ID] = r.Clone()
	}
	e.logger.Info("alert rules loaded", "count", len(e.rules))
	return nil
}

// AddRule validates and registers a rule. An empty ID is assigned.
func (e *Evaluator) AddRule(ctx context.Context, rule *types.AlertRule) (*types.AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	r := rule.Clone()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := e.now()
	r.CreatedAt = now
	r.UpdatedAt = now

	e.mu.Lock()
	if _, exists := e.rules[r.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: rule %s already exists", types.ErrConflict, r.ID)
	}
	e.rules[r.ID] = r
	e.mu.Unlock()

	if err := e.store.SaveRule(ctx, r); err != nil {
		e.logger.Error("failed to persist rule", "rule_id", r.ID, "error", err)
	}
	e.logger.Info("alert rule added", "rule_id", r.ID, "name", r.Name)
	return r.Clone(), nil
}

// UpdateRule replaces a rule definition, keeping its ID and creation time.
func (e *Evaluator) UpdateRule(ctx context.Context, id string, rule *types.AlertRule) (*types.AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	existing, ok := e.rules[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("rule %s: %w", id, types.ErrNotFound)
	}
	r := rule.Clone()
	r.ID = id
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = e.now()
	e.rules[id] = r
	e.mu.Unlock()

	if err := e.store.SaveRule(ctx, r); err != nil {
		e.logger.Error("failed to persist rule", "rule_id", id, "error", err)
	}
	return r.Clone(), nil
}

// RemoveRule unregisters a rule. Alerts it already fired are kept.
func (e *Evaluator) RemoveRule(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.rules[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("rule %s: %w", id, types.ErrNotFound)
	}
	delete(e.rules, id)
	e.mu.Unlock()

	if err := e.store.DeleteRule(ctx, id); err != nil {
		e.logger.Error("failed to delete rule", "rule_id", id, "error", err)
	}
	return nil
}

// GetRule returns a copy of a rule.
func (e *Evaluator) GetRule(id string) (*types.AlertRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, types.ErrNotFound)
	}
	return r.Clone(), nil
}

// ListRules returns copies of all rules ordered by name.
func (e *Evaluator) ListRules() []*types.AlertRule {
	e.mu.RLock()
	out := make([]*types.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Clone())
	}
	e.mu.RUnlock()

	sortRules(out)
	return out
}

func sortRules(rules []*types.AlertRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].ID < rules[j].ID
	})
}

// =============================================================================
// EVALUATION
// =============================================================================

// signal is one event under evaluation.
type signal struct {
	source   types.SourceType
	check    *types.HealthCheck
	result   *types.HealthCheckResult
	metrics  *types.SystemMetricsSnapshot
	doc      any
	incident *types.Incident
}

// severity is the value severity filters match against.
func (s *signal) severity() string {
	switch {
	case s.result != nil:
		return string(s.result.Status)
	case s.incident != nil:
		return string(s.incident.Severity)
	}
	return ""
}

// match describes the condition that fired a rule.
type match struct {
	condition types.AlertCondition
	severity  string
	title     string
	message   string
	source    types.AlertSource
	context   map[string]any
}

// HandleResult evaluates a check result. It returns the alerts fired.
func (e *Evaluator) HandleResult(ctx context.Context, check *types.HealthCheck, result *types.HealthCheckResult) []*types.Alert {
	return e.evaluate(ctx, &signal{source: types.SourceCheck, check: check, result: result})
}

// HandleMetrics evaluates a system metrics snapshot.
func (e *Evaluator) HandleMetrics(ctx context.Context, snap *types.SystemMetricsSnapshot) []*types.Alert {
	doc, err := snapshotDoc(snap)
	if err != nil {
		e.logger.Error("failed to encode metrics snapshot", "error", err)
		return nil
	}
	return e.evaluate(ctx, &signal{source: types.SourceMetrics, metrics: snap, doc: doc})
}

// HandleIncident evaluates a newly created incident.
func (e *Evaluator) HandleIncident(ctx context.Context, inc *types.Incident) []*types.Alert {
	return e.evaluate(ctx, &signal{source: types.SourceIncident, incident: inc})
}

func (e *Evaluator) evaluate(ctx context.Context, sig *signal) []*types.Alert {
	now := e.now()
	var fired []*types.Alert
	for _, rule := range e.candidates(sig, now) {
		m, ok := e.firstMatch(ctx, rule, sig)
		if !ok {
			continue
		}
		if alert := e.fire(ctx, rule, m); alert != nil {
			fired = append(fired, alert)
		}
	}
	return fired
}

// candidates returns copies of the rules that should see sig.
func (e *Evaluator) candidates(sig *signal, now time.Time) []*types.AlertRule {
	e.mu.RLock()
	var out []*types.AlertRule
	for _, r := range e.rules {
		if !r.Enabled || !r.HasConditionFor(sig.source) {
			continue
		}
		if !filtersMatch(r.Filters, sig) || !r.Schedule.Contains(now) {
			continue
		}
		out = append(out, r.Clone())
	}
	e.mu.RUnlock()

	sortRules(out)
	return out
}

// filtersMatch applies rule filters. Check filters only constrain events
// that carry a check; an incident matches check_ids through its checks.
func filtersMatch(f types.AlertFilters, sig *signal) bool {
	if c := sig.check; c != nil {
		if len(f.CheckIDs) > 0 && !slices.Contains(f.CheckIDs, c.ID) {
			return false
		}
		if len(f.CheckKinds) > 0 && !slices.Contains(f.CheckKinds, c.Kind) {
			return false
		}
		if len(f.Tags) > 0 && !slices.ContainsFunc(f.Tags, c.HasTag) {
			return false
		}
	}
	if inc := sig.incident; inc != nil && len(f.CheckIDs) > 0 {
		if !slices.ContainsFunc(inc.CheckIDs, func(id string) bool { return slices.Contains(f.CheckIDs, id) }) {
			return false
		}
	}
	if len(f.Severities) > 0 {
		if sev := sig.severity(); sev != "" && !slices.Contains(f.Severities, sev) {
			return false
		}
	}
	return true
}

func (e *Evaluator) firstMatch(ctx context.Context, rule *types.AlertRule, sig *signal) (*match, bool) {
	for _, c := range rule.Conditions {
		if c.Type.Source() != sig.source {
			continue
		}
		var (
			m  *match
			ok bool
		)
		switch c.Type {
		case types.ConditionCheckFailed:
			m, ok = e.checkFailed(ctx, c, sig)
		case types.ConditionResponseTime:
			m, ok = responseTime(c, sig)
		case types.ConditionUptime:
			m, ok = e.uptimeBelow(ctx, c, sig)
		case types.ConditionMetricThreshold:
			m, ok = metricThreshold(c, sig)
		case types.ConditionIncidentCreated:
			m, ok = incidentCreated(c, sig)
		}
		if ok {
			m.condition = c
			if rule.Severity != "" {
				m.severity = rule.Severity
			}
			m.title = rule.Name + ": " + m.title
			return m, true
		}
	}
	return nil, false
}

func checkSource(c *types.HealthCheck) types.AlertSource {
	return types.AlertSource{Type: types.SourceCheck, ID: c.ID, Name: c.Name}
}

func checkSeverity(s types.CheckStatus) string {
	if s == types.StatusCritical {
		return string(types.StatusCritical)
	}
	return string(types.StatusWarning)
}

func resultContext(r *types.HealthCheckResult) map[string]any {
	out := map[string]any{
		"check_id":         r.CheckID,
		"result_id":        r.ID,
		"status":           string(r.Status),
		"success":          r.Success,
		"response_time_ms": r.ResponseTimeMs,
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

func (e *Evaluator) checkFailed(ctx context.Context, c types.AlertCondition, sig *signal) (*match, bool) {
	r := sig.result
	if !r.Failing() {
		return nil, false
	}
	if c.ConsecutiveFailures > 1 && !e.previousFailing(ctx, r, c.ConsecutiveFailures-1) {
		return nil, false
	}

	msg := r.Message
	if r.Error != "" {
		msg = fmt.Sprintf("%s: %s", r.Message, r.Error)
	}
	m := &match{
		severity: checkSeverity(r.Status),
		title:    fmt.Sprintf("%s is %s", sig.check.Name, r.Status),
		message:  msg,
		source:   checkSource(sig.check),
		context:  resultContext(r),
	}
	if c.ConsecutiveFailures > 1 {
		m.context["consecutive_failures"] = c.ConsecutiveFailures
	}
	return m, true
}

// previousFailing reports whether the n results stored before r all failed.
// Fewer than n stored results is not a streak.
func (e *Evaluator) previousFailing(ctx context.Context, r *types.HealthCheckResult, n int) bool {
	history, err := e.store.QueryResults(ctx, types.ResultQuery{
		CheckID: r.CheckID,
		End:     r.Timestamp,
		Limit:   n + 1,
	})
	if err != nil {
		e.logger.Warn("result history unavailable", "check_id", r.CheckID, "error", err)
		return false
	}

	seen := 0
	for _, prev := range history {
		if prev.ID == r.ID {
			continue
		}
		if !prev.Failing() {
			return false
		}
		seen++
		if seen == n {
			return true
		}
	}
	return false
}

func responseTime(c types.AlertCondition, sig *signal) (*match, bool) {
	r := sig.result
	if !c.Operator.Compare(r.ResponseTimeMs, c.Value) {
		return nil, false
	}
	m := &match{
		severity: checkSeverity(r.Status),
		title:    fmt.Sprintf("%s response time %.0fms", sig.check.Name, r.ResponseTimeMs),
		message:  fmt.Sprintf("response time %.0fms %s %.0fms", r.ResponseTimeMs, c.Operator, c.Value),
		source:   checkSource(sig.check),
		context:  resultContext(r),
	}
	m.context["threshold"] = c.Value
	return m, true
}

func (e *Evaluator) uptimeBelow(ctx context.Context, c types.AlertCondition, sig *signal) (*match, bool) {
	if e.uptime == nil {
		return nil, false
	}
	window := e.config.DefaultUptimeWindow
	if c.WindowMinutes > 0 {
		window = time.Duration(c.WindowMinutes) * time.Minute
	}

	stats, err := e.uptime.Uptime(ctx, sig.check.ID, window)
	if err != nil {
		e.logger.Debug("uptime unavailable", "check_id", sig.check.ID, "error", err)
		return nil, false
	}
	if stats.Total == 0 || !c.Operator.Compare(stats.UptimePercent, c.Value) {
		return nil, false
	}

	m := &match{
		severity: checkSeverity(sig.result.Status),
		title:    fmt.Sprintf("%s uptime %.2f%%", sig.check.Name, stats.UptimePercent),
		message:  fmt.Sprintf("uptime over %s is %.2f%% (%s %.2f%%)", window, stats.UptimePercent, c.Operator, c.Value),
		source:   checkSource(sig.check),
		context:  resultContext(sig.result),
	}
	m.context["uptime_percent"] = stats.UptimePercent
	m.context["window"] = window.String()
	return m, true
}

func metricThreshold(c types.AlertCondition, sig *signal) (*match, bool) {
	v, ok := lookupPath(sig.doc, c.Field)
	if !ok || !c.Operator.Compare(v, c.Value) {
		return nil, false
	}
	return &match{
		severity: string(types.StatusWarning),
		title:    fmt.Sprintf("%s is %g", c.Field, v),
		message:  fmt.Sprintf("%s = %g (%s %g)", c.Field, v, c.Operator, c.Value),
		source:   types.AlertSource{Type: types.SourceMetrics, ID: "system", Name: "system metrics"},
		context: map[string]any{
			"field":     c.Field,
			"value":     v,
			"threshold": c.Value,
			"timestamp": sig.metrics.Timestamp,
		},
	}, true
}

func incidentCreated(c types.AlertCondition, sig *signal) (*match, bool) {
	inc := sig.incident
	if c.Severity != "" && c.Severity != inc.Severity {
		return nil, false
	}
	return &match{
		severity: string(inc.Severity),
		title:    fmt.Sprintf("incident opened: %s", inc.Title),
		message:  inc.Description,
		source:   types.AlertSource{Type: types.SourceIncident, ID: inc.ID, Name: inc.Title},
		context: map[string]any{
			"incident_id": inc.ID,
			"severity":    string(inc.Severity),
			"check_ids":   append([]string(nil), inc.CheckIDs...),
		},
	}, true
}

// =============================================================================
// FIRING
// =============================================================================

func (e *Evaluator) fire(ctx context.Context, rule *types.AlertRule, m *match) *types.Alert {
	now := e.now()
	alertID := uuid.NewString()
	log := e.logger.With("rule_id", rule.ID, "alert_id", alertID)

	if e.config.ThrottlingEnabled && rule.Throttling.Enabled {
		allowed, err := e.throttle.Allow(ctx, rule, alertID, now)
		switch {
		case err != nil:
			log.Warn("throttle unavailable, firing unthrottled", "error", err)
		case !allowed:
			log.Info("alert throttled",
				"window_minutes", rule.Throttling.WindowMinutes,
				"max_alerts", rule.Throttling.MaxAlerts,
			)
			return nil
		}
	}

	alert := &types.Alert{
		ID:          alertID,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		TriggeredAt: now,
		Status:      types.AlertFiring,
		Severity:    m.severity,
		Title:       m.title,
		Message:     m.message,
		Source:      m.source,
		Context:     m.context,
		Actions:     make([]types.AlertActionResult, len(rule.Actions)),
	}
	if alert.Context == nil {
		alert.Context = map[string]any{}
	}
	alert.Context["condition"] = string(m.condition.Type)
	for i, a := range rule.Actions {
		alert.Actions[i] = types.AlertActionResult{Type: a.Type, Status: types.ActionPending}
	}

	e.alertMu.Lock()
	e.active[alert.ID] = &activeAlert{alert: alert, pending: len(alert.Actions)}
	snapshot := alert.Clone()
	e.alertMu.Unlock()

	e.writeMu.Lock()
	if err := e.store.SaveAlert(ctx, snapshot); err != nil {
		log.Error("failed to persist alert", "error", err)
	}
	e.writeMu.Unlock()

	log.Info("alert fired",
		"rule", rule.Name,
		"severity", alert.Severity,
		"source", alert.Source.ID,
		"actions", len(rule.Actions),
	)
	e.publish(events.Event{Type: events.AlertFired, Alert: snapshot.Clone()})

	if e.dispatcher == nil {
		for i := range rule.Actions {
			e.recordAction(alert.ID, i, types.AlertActionResult{
				Type:   rule.Actions[i].Type,
				Status: types.ActionFailed,
				Error:  "no dispatcher configured",
			})
		}
		return snapshot
	}

	e.dispatcher.Dispatch(snapshot.Clone(), rule.Actions, func(i int, res types.AlertActionResult) {
		e.recordAction(alert.ID, i, res)
	})
	return snapshot
}

// recordAction transitions one pending action. Later reports for the same
// index are ignored.
func (e *Evaluator) recordAction(alertID string, index int, res types.AlertActionResult) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.alertMu.Lock()
	aa, ok := e.active[alertID]
	if !ok || index < 0 || index >= len(aa.alert.Actions) || aa.alert.Actions[index].Status != types.ActionPending {
		e.alertMu.Unlock()
		return
	}
	if res.Type == "" {
		res.Type = aa.alert.Actions[index].Type
	}
	aa.alert.Actions[index] = res
	aa.pending--
	if aa.pending <= 0 {
		delete(e.active, alertID)
	}
	snapshot := aa.alert.Clone()
	e.alertMu.Unlock()

	if res.Status == types.ActionFailed {
		e.logger.Warn("alert action failed",
			"alert_id", alertID,
			"action", res.Type,
			"error", res.Error,
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.config.PersistTimeout)
	defer cancel()
	if err := e.store.SaveAlert(ctx, snapshot); err != nil {
		e.logger.Error("failed to persist alert action", "alert_id", alertID, "error", err)
	}
}

// =============================================================================
// ALERTS
// =============================================================================

// ResolveAlert marks an alert resolved. Resolving twice is a no-op.
func (e *Evaluator) ResolveAlert(ctx context.Context, id string) (*types.Alert, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.alertMu.Lock()
	var alert *types.Alert
	if aa, ok := e.active[id]; ok {
		alert = aa.alert
	}
	e.alertMu.Unlock()

	if alert == nil {
		stored, err := e.store.GetAlert(ctx, id)
		if err != nil {
			return nil, err
		}
		alert = stored
	}

	e.alertMu.Lock()
	if alert.Status == types.AlertResolved {
		snapshot := alert.Clone()
		e.alertMu.Unlock()
		return snapshot, nil
	}
	now := e.now()
	alert.Status = types.AlertResolved
	alert.ResolvedAt = &now
	snapshot := alert.Clone()
	e.alertMu.Unlock()

	if err := e.store.SaveAlert(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("saving alert %s: %w", id, err)
	}
	e.logger.Info("alert resolved", "alert_id", id, "rule_id", snapshot.RuleID)
	e.publish(events.Event{Type: events.AlertResolved, Alert: snapshot.Clone()})
	return snapshot, nil
}

// GetAlert returns one alert.
func (e *Evaluator) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	e.alertMu.Lock()
	if aa, ok := e.active[id]; ok {
		snapshot := aa.alert.Clone()
		e.alertMu.Unlock()
		return snapshot, nil
	}
	e.alertMu.Unlock()

	return e.store.GetAlert(ctx, id)
}

// ListAlerts queries alert history, newest first.
func (e *Evaluator) ListAlerts(ctx context.Context, f types.AlertFilter) ([]*types.Alert, error) {
	return e.store.ListAlerts(ctx, f)
}

// FiringCount returns how many alerts are not yet resolved.
func (e *Evaluator) FiringCount(ctx context.Context) (int, error) {
	alerts, err := e.store.ListAlerts(ctx, types.AlertFilter{Status: types.AlertFiring})
	if err != nil {
		return 0, err
	}
	return len(alerts), nil
}

// =============================================================================
// WORKER
// =============================================================================

// Sweep discards throttle entries older than the longest configured window.
func (e *Evaluator) Sweep(ctx context.Context) (int, error) {
	return e.throttle.Sweep(ctx, e.longestWindow(), e.now())
}

func (e *Evaluator) longestWindow() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()

	longest := time.Duration(0)
	for _, r := range e.rules {
		if w := r.Throttling.Window(); w > longest {
			longest = w
		}
	}
	if longest == 0 {
		longest = time.Hour
	}
	return longest
}

// Start launches the sweep worker and, when in is non-nil, a consumer that
// evaluates events from the bus with at most Config.Workers in flight.
func (e *Evaluator) Start(ctx context.Context, in <-chan events.Event) {
	e.wg.Add(1)
	go e.sweepLoop(ctx)

	if in != nil {
		e.wg.Add(1)
		go e.consume(ctx, in)
	}
}

// Stop signals the workers to stop and waits for in-flight evaluations.
func (e *Evaluator) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Evaluator) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			n, err := e.Sweep(ctx)
			if err != nil {
				e.logger.Error("throttle sweep failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger.Debug("throttle entries swept", "count", n)
			}
		}
	}
}

func (e *Evaluator) consume(ctx context.Context, in <-chan events.Event) {
	defer e.wg.Done()

	sem := make(chan struct{}, e.config.Workers)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer func() { <-sem }()
				e.handle(ctx, ev)
			}()
		}
	}
}

func (e *Evaluator) handle(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case events.CheckCompleted:
		if ev.Check != nil && ev.Result != nil {
			e.HandleResult(ctx, ev.Check, ev.Result)
		}
	case events.MetricsCollected:
		if ev.Metrics != nil {
			e.HandleMetrics(ctx, ev.Metrics)
		}
	case events.IncidentCreated:
		if ev.Incident != nil {
			e.HandleIncident(ctx, ev.Incident)
		}
	}
}

func (e *Evaluator) publish(ev events.Event) {
	if e.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.events.Publish(ev)
}
