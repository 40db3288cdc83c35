package alerting

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilot-net/healthmon/internal/events"
	"github.com/pilot-net/healthmon/internal/store"
	"github.com/pilot-net/healthmon/internal/testutil"
	"github.com/pilot-net/healthmon/pkg/types"
)

// MockDispatcher is a mock Dispatcher for testing.
type MockDispatcher struct {
	DispatchFunc func(alert *types.Alert, actions []types.AlertAction, report func(int, types.AlertActionResult))

	mu    sync.Mutex
	calls []*types.Alert
}

func (m *MockDispatcher) Dispatch(alert *types.Alert, actions []types.AlertAction, report func(int, types.AlertActionResult)) {
	m.mu.Lock()
	m.calls = append(m.calls, alert)
	m.mu.Unlock()
	if m.DispatchFunc != nil {
		m.DispatchFunc(alert, actions, report)
	}
}

func (m *MockDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// MockUptime is a mock UptimeSource for testing.
type MockUptime struct {
	UptimeFunc func(ctx context.Context, checkID string, window time.Duration) (types.UptimeStats, error)
}

func (m *MockUptime) Uptime(ctx context.Context, checkID string, window time.Duration) (types.UptimeStats, error) {
	return m.UptimeFunc(ctx, checkID, window)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// sendAll reports every action as sent.
func sendAll(alert *types.Alert, actions []types.AlertAction, report func(int, types.AlertActionResult)) {
	for i, a := range actions {
		now := time.Now()
		report(i, types.AlertActionResult{Type: a.Type, Status: types.ActionSent, SentAt: &now})
	}
}

func newTestEvaluator(t *testing.T) (*Evaluator, *store.Memory, *MockDispatcher) {
	t.Helper()
	st := store.NewMemory()
	d := &MockDispatcher{DispatchFunc: sendAll}
	e := NewEvaluator(st, NewMemoryThrottle(), DefaultConfig(), testutil.NewTestLogger())
	e.SetDispatcher(d)
	return e, st, d
}

func addRule(t *testing.T, e *Evaluator, overrides ...func(*types.AlertRule)) *types.AlertRule {
	t.Helper()
	rule := testutil.FixtureRule(overrides...)
	added, err := e.AddRule(context.Background(), rule)
	if err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	return added
}

func storedAlerts(t *testing.T, st *store.Memory) []*types.Alert {
	t.Helper()
	alerts, err := st.ListAlerts(context.Background(), types.AlertFilter{})
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	return alerts
}

func TestHandleResult_CheckFailed(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		status  types.CheckStatus
		rtMs    float64
		fires   bool
	}{
		{"healthy", true, types.StatusHealthy, 200, false},
		{"slow but successful is warning only", true, types.StatusWarning, 1200, false},
		{"critical response time", true, types.StatusCritical, 6000, true},
		{"probe failure", false, types.StatusCritical, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, st, d := newTestEvaluator(t)
			rule := addRule(t, e)
			check := testutil.FixtureCheck()
			result := testutil.FixtureResult(check.ID, func(r *types.HealthCheckResult) {
				r.Success = tt.success
				r.Status = tt.status
				r.ResponseTimeMs = tt.rtMs
			})

			fired := e.HandleResult(context.Background(), check, result)

			if got := len(fired) == 1; got != tt.fires {
				t.Fatalf("fired %d alerts, want fires=%v", len(fired), tt.fires)
			}
			if !tt.fires {
				if d.count() != 0 || len(storedAlerts(t, st)) != 0 {
					t.Error("no alert should be dispatched or stored")
				}
				return
			}

			alert := fired[0]
			if alert.RuleID != rule.ID || alert.RuleName != rule.Name {
				t.Errorf("alert rule = %s/%s, want %s/%s", alert.RuleID, alert.RuleName, rule.ID, rule.Name)
			}
			if alert.Status != types.AlertFiring {
				t.Errorf("Status = %s, want firing", alert.Status)
			}
			if alert.Severity != "critical" {
				t.Errorf("Severity = %s, want critical", alert.Severity)
			}
			if alert.Source.Type != types.SourceCheck || alert.Source.ID != check.ID {
				t.Errorf("Source = %+v", alert.Source)
			}
			if alert.Context["condition"] != string(types.ConditionCheckFailed) {
				t.Errorf("Context[condition] = %v", alert.Context["condition"])
			}
		})
	}
}

func TestFire_ActionsRecorded(t *testing.T) {
	e, st, _ := newTestEvaluator(t)
	rec := &recorder{}
	e.SetPublisher(rec)
	addRule(t, e, func(r *types.AlertRule) {
		r.Actions = []types.AlertAction{{Type: types.ChannelSlack}, {Type: types.ChannelEmail}}
	})

	var reports []func(int, types.AlertActionResult)
	e.SetDispatcher(&MockDispatcher{DispatchFunc: func(a *types.Alert, actions []types.AlertAction, report func(int, types.AlertActionResult)) {
		if len(a.Actions) != 2 || a.Actions[0].Status != types.ActionPending {
			t.Errorf("dispatched alert actions = %+v, want 2 pending", a.Actions)
		}
		reports = append(reports, report)
	}})

	check := testutil.FixtureCheck()
	fired := e.HandleResult(context.Background(), check, testutil.FixtureCriticalResult(check.ID))
	if len(fired) != 1 || len(reports) != 1 {
		t.Fatalf("fired %d, dispatched %d; want 1 each", len(fired), len(reports))
	}
	id := fired[0].ID
	report := reports[0]

	now := time.Now()
	report(0, types.AlertActionResult{Type: types.ChannelSlack, Status: types.ActionSent, SentAt: &now})
	report(1, types.AlertActionResult{Type: types.ChannelEmail, Status: types.ActionFailed, SentAt: &now, Error: "smtp: timeout"})
	// A second report for the same action is ignored
	report(1, types.AlertActionResult{Type: types.ChannelEmail, Status: types.ActionSent, SentAt: &now})

	alert, err := st.GetAlert(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAlert() error = %v", err)
	}
	if alert.Actions[0].Status != types.ActionSent {
		t.Errorf("action 0 = %s, want sent", alert.Actions[0].Status)
	}
	if alert.Actions[1].Status != types.ActionFailed || alert.Actions[1].Error != "smtp: timeout" {
		t.Errorf("action 1 = %+v, want failed with error", alert.Actions[1])
	}
	if rec.count(events.AlertFired) != 1 {
		t.Errorf("alert-fired events = %d, want 1", rec.count(events.AlertFired))
	}
}

func TestFire_NoDispatcher(t *testing.T) {
	st := store.NewMemory()
	e := NewEvaluator(st, nil, DefaultConfig(), testutil.NewTestLogger())
	addRule(t, e)

	check := testutil.FixtureCheck()
	fired := e.HandleResult(context.Background(), check, testutil.FixtureCriticalResult(check.ID))
	if len(fired) != 1 {
		t.Fatalf("fired %d alerts, want 1", len(fired))
	}

	alert, err := st.GetAlert(context.Background(), fired[0].ID)
	if err != nil {
		t.Fatalf("GetAlert() error = %v", err)
	}
	if alert.Actions[0].Status != types.ActionFailed {
		t.Errorf("action status = %s, want failed", alert.Actions[0].Status)
	}
}

func TestThrottle_MaxAlertsInWindow(t *testing.T) {
	e, st, d := newTestEvaluator(t)
	addRule(t, e, func(r *types.AlertRule) {
		r.Throttling = types.Throttling{Enabled: true, WindowMinutes: 15, MaxAlerts: 2}
	})
	check := testutil.FixtureCheck()

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	total := 0
	for i := 0; i < 5; i++ {
		at := start.Add(time.Duration(i) * 150 * time.Second)
		e.now = func() time.Time { return at }
		total += len(e.HandleResult(context.Background(), check, testutil.FixtureCriticalResult(check.ID)))
	}

	if total != 2 {
		t.Errorf("fired %d alerts, want 2", total)
	}
	if n := len(storedAlerts(t, st)); n != 2 {
		t.Errorf("stored %d alerts, want 2", n)
	}
	if d.count() != 2 {
		t.Errorf("dispatched %d alerts, want 2", d.count())
	}

	// Once the first fire leaves the window the rule may fire again
	e.now = func() time.Time { return start.Add(15 * time.Minute) }
	if fired := e.HandleResult(context.Background(), check, testutil.FixtureCriticalResult(check.ID)); len(fired) != 1 {
		t.Errorf("after window fired %d, want 1", len(fired))
	}
}

func TestThrottle_Concurrent(t *testing.T) {
	e, st, _ := newTestEvaluator(t)
	addRule(t, e, func(r *types.AlertRule) {
		r.Throttling = types.Throttling{Enabled: true, WindowMinutes: 15, MaxAlerts: 3}
	})
	check := testutil.FixtureCheck()

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := e.HandleResult(context.Background(), check, testutil.FixtureCriticalResult(check.ID))
			fired.Add(int32(len(n)))
		}()
	}
	wg.Wait()

	if fired.Load() != 3 {
		t.Errorf("fired %d alerts, want 3", fired.Load())
	}
	if n := len(storedAlerts(t, st)); n != 3 {
		t.Errorf("stored %d alerts, want 3", n)
	}
}

func TestThrottle_Disabled(t *testing.T) {
	tests := []struct {
		name      string
		global    bool
		ruleOptIn bool
		wantFired int
	}{
		{"enabled", true, true, 1},
		{"rule opted out", true, false, 5},
		{"globally disabled", false, true, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ThrottlingEnabled = tt.global
			e := NewEvaluator(store.NewMemory(), NewMemoryThrottle(), cfg, testutil.NewTestLogger())
			e.SetDispatcher(&MockDispatcher{DispatchFunc: sendAll})
			addRule(t, e, func(r *types.AlertRule) {
				r.Throttling = types.Throttling{Enabled: tt.ruleOptIn, WindowMinutes: 60, MaxAlerts: 1}
			})
			check := testutil.FixtureCheck()

			total := 0
			for i := 0; i < 5; i++ {
				total += len(e.HandleResult(context.Background(), check, testutil.FixtureCriticalResult(check.ID)))
			}
			if total != tt.wantFired {
				t.Errorf("fired %d, want %d", total, tt.wantFired)
			}
		})
	}
}

// failingThrottle always errors.
type failingThrottle struct{}

func (failingThrottle) Allow(context.Context, *types.AlertRule, string, time.Time) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (failingThrottle) Sweep(context.Context, time.Duration, time.Time) (int, error) {
	return 0, errors.New("redis: connection refused")
}

func TestThrottle_ErrorFiresUnthrottled(t *testing.T) {
	e := NewEvaluator(store.NewMemory(), failingThrottle{}, DefaultConfig(), testutil.NewTestLogger())
	addRule(t, e, func(r *types.AlertRule) {
		r.Throttling = types.Throttling{Enabled: true, WindowMinutes: 60, MaxAlerts: 1}
	})
	check := testutil.FixtureCheck()

	if fired := e.HandleResult(context.Background(), check, testutil.FixtureCriticalResult(check.ID)); len(fired) != 1 {
		t.Errorf("fired %d, want 1", len(fired))
	}
}

func TestSchedule_Gating(t *testing.T) {
	tests := []struct {
		name  string
		at    time.Time
		fires bool
	}{
		{"late evening", time.Date(2024, 6, 3, 23, 0, 0, 0, time.UTC), true},
		{"early morning", time.Date(2024, 6, 4, 2, 0, 0, 0, time.UTC), true},
		{"midday", time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC), false},
		{"end is exclusive", time.Date(2024, 6, 4, 6, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEvaluator(t)
			addRule(t, e, func(r *types.AlertRule) {
				r.Schedule = &types.Schedule{Timezone: "UTC", StartTime: "22:00", EndTime: "06:00"}
			})
			e.now = func() time.Time { return tt.at }
			check := testutil.FixtureCheck()

			fired := e.HandleResult(context.Background(), check, testutil.FixtureCriticalResult(check.ID))
			if got := len(fired) == 1; got != tt.fires {
				t.Errorf("fired = %v, want %v", got, tt.fires)
			}
		})
	}
}

func TestFilters(t *testing.T) {
	check := testutil.FixtureCheck(func(c *types.HealthCheck) {
		c.Kind = types.CheckKindTCP
		c.Tags = []string{"db", "prod"}
	})

	tests := []struct {
		name    string
		filters types.AlertFilters
		fires   bool
	}{
		{"no filters", types.AlertFilters{}, true},
		{"check id match", types.AlertFilters{CheckIDs: []string{check.ID}}, true},
		{"check id miss", types.AlertFilters{CheckIDs: []string{"other"}}, false},
		{"kind match", types.AlertFilters{CheckKinds: []types.CheckKind{types.CheckKindTCP}}, true},
		{"kind miss", types.AlertFilters{CheckKinds: []types.CheckKind{types.CheckKindHTTP}}, false},
		{"any tag", types.AlertFilters{Tags: []string{"api", "prod"}}, true},
		{"tag miss", types.AlertFilters{Tags: []string{"api"}}, false},
		{"severity match", types.AlertFilters{Severities: []string{"critical"}}, true},
		{"severity miss", types.AlertFilters{Severities: []string{"warning"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEvaluator(t)
			addRule(t, e, func(r *types.AlertRule) { r.Filters = tt.filters })

			fired := e.HandleResult(context.Background(), check, testutil.FixtureCriticalResult(check.ID))
			if got := len(fired) == 1; got != tt.fires {
				t.Errorf("fired = %v, want %v", got, tt.fires)
			}
		})
	}
}

func TestDisabledRuleIgnored(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	addRule(t, e, func(r *types.AlertRule) { r.Enabled = false })
	check := testutil.FixtureCheck()

	if fired := e.HandleResult(context.Background(), check, testutil.FixtureCriticalResult(check.ID)); len(fired) != 0 {
		t.Errorf("disabled rule fired %d alerts", len(fired))
	}
}

func TestFirstTrueConditionFires(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	addRule(t, e, func(r *types.AlertRule) {
		r.Conditions = []types.AlertCondition{
			{Type: types.ConditionResponseTime, Operator: types.OpGreaterThan, Value: 100000},
			{Type: types.ConditionResponseTime, Operator: types.OpGreaterThan, Value: 500},
			{Type: types.ConditionCheckFailed},
		}
	})
	check := testutil.FixtureCheck()
	result := testutil.FixtureCriticalResult(check.ID, func(r *types.HealthCheckResult) {
		r.ResponseTimeMs = 6000
	})

	fired := e.HandleResult(context.Background(), check, result)
	if len(fired) != 1 {
		t.Fatalf("fired %d alerts, want exactly 1", len(fired))
	}
	if fired[0].Context["threshold"] != float64(500) {
		t.Errorf("fired on threshold %v, want 500", fired[0].Context["threshold"])
	}
}

func TestResponseTimeCondition(t *testing.T) {
	tests := []struct {
		op    types.Operator
		value float64
		rtMs  float64
		fires bool
	}{
		{types.OpGreaterThan, 1000, 1200, true},
		{types.OpGreaterThan, 1000, 1000, false},
		{types.OpGreaterOrEqual, 1000, 1000, true},
		{types.OpLessThan, 50, 42, true},
		{types.OpLessOrEqual, 41, 42, false},
		{types.OpEqual, 42, 42, true},
		{types.OpNotEqual, 42, 42, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			e, _, _ := newTestEvaluator(t)
			addRule(t, e, func(r *types.AlertRule) {
				r.Conditions = []types.AlertCondition{{Type: types.ConditionResponseTime, Operator: tt.op, Value: tt.value}}
			})
			check := testutil.FixtureCheck()
			result := testutil.FixtureResult(check.ID, func(r *types.HealthCheckResult) { r.ResponseTimeMs = tt.rtMs })

			fired := e.HandleResult(context.Background(), check, result)
			if got := len(fired) == 1; got != tt.fires {
				t.Errorf("fired = %v, want %v", got, tt.fires)
			}
			if tt.fires && fired[0].Severity != "warning" {
				t.Errorf("Severity = %s, want warning for a healthy result", fired[0].Severity)
			}
		})
	}
}

func TestConsecutiveFailures(t *testing.T) {
	H, C := true, false
	tests := []struct {
		name    string
		history []bool // oldest first, true = healthy
		fires   bool
	}{
		{"no history", nil, false},
		{"one prior failure", []bool{C}, false},
		{"two prior failures", []bool{C, C}, true},
		{"streak broken", []bool{C, H}, false},
		{"older success ignored", []bool{H, C, C}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, st, _ := newTestEvaluator(t)
			addRule(t, e, func(r *types.AlertRule) {
				r.Conditions = []types.AlertCondition{{Type: types.ConditionCheckFailed, ConsecutiveFailures: 3}}
			})
			check := testutil.FixtureCheck()
			ctx := context.Background()

			base := time.Now().Add(-time.Hour)
			for i, healthy := range tt.history {
				at := base.Add(time.Duration(i) * time.Minute)
				var r *types.HealthCheckResult
				if healthy {
					r = testutil.FixtureResult(check.ID, func(r *types.HealthCheckResult) { r.Timestamp = at })
				} else {
					r = testutil.FixtureCriticalResult(check.ID, func(r *types.HealthCheckResult) { r.Timestamp = at })
				}
				if err := st.SaveResult(ctx, r); err != nil {
					t.Fatalf("SaveResult() error = %v", err)
				}
			}

			// The current result is already stored by the time it is evaluated
			current := testutil.FixtureCriticalResult(check.ID)
			if err := st.SaveResult(ctx, current); err != nil {
				t.Fatalf("SaveResult() error = %v", err)
			}

			fired := e.HandleResult(ctx, check, current)
			if got := len(fired) == 1; got != tt.fires {
				t.Errorf("fired = %v, want %v", got, tt.fires)
			}
		})
	}
}

func TestUptimeCondition(t *testing.T) {
	tests := []struct {
		name   string
		stats  types.UptimeStats
		err    error
		window int
		fires  bool
	}{
		{"below threshold", types.UptimeStats{Total: 100, Successful: 90, UptimePercent: 90}, nil, 0, true},
		{"above threshold", types.UptimeStats{Total: 100, Successful: 99, UptimePercent: 99}, nil, 30, false},
		{"no history", types.UptimeStats{}, nil, 0, false},
		{"aggregation unavailable", types.UptimeStats{}, errors.New("unavailable"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEvaluator(t)
			var gotWindow time.Duration
			e.SetUptimeSource(&MockUptime{UptimeFunc: func(ctx context.Context, checkID string, window time.Duration) (types.UptimeStats, error) {
				gotWindow = window
				return tt.stats, tt.err
			}})
			addRule(t, e, func(r *types.AlertRule) {
				r.Conditions = []types.AlertCondition{{
					Type: types.ConditionUptime, Operator: types.OpLessThan, Value: 95, WindowMinutes: tt.window,
				}}
			})
			check := testutil.FixtureCheck()

			fired := e.HandleResult(context.Background(), check, testutil.FixtureResult(check.ID))
			if got := len(fired) == 1; got != tt.fires {
				t.Errorf("fired = %v, want %v", got, tt.fires)
			}

			want := time.Hour
			if tt.window > 0 {
				want = time.Duration(tt.window) * time.Minute
			}
			if gotWindow != want {
				t.Errorf("window = %s, want %s", gotWindow, want)
			}
		})
	}
}

func TestUptimeCondition_NoSource(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	addRule(t, e, func(r *types.AlertRule) {
		r.Conditions = []types.AlertCondition{{Type: types.ConditionUptime, Operator: types.OpLessThan, Value: 101}}
	})
	check := testutil.FixtureCheck()

	if fired := e.HandleResult(context.Background(), check, testutil.FixtureResult(check.ID)); len(fired) != 0 {
		t.Errorf("fired %d alerts without an uptime source", len(fired))
	}
}

func TestHandleMetrics(t *testing.T) {
	tests := []struct {
		name  string
		field string
		op    types.Operator
		value float64
		fires bool
	}{
		{"cpu above", "cpu.usage_percent", types.OpGreaterThan, 80, true},
		{"cpu below", "cpu.usage_percent", types.OpGreaterThan, 95, false},
		{"memory", "memory.used_percent", types.OpGreaterOrEqual, 50, true},
		{"disk by index", "disk.0.used_percent", types.OpGreaterThan, 30, true},
		{"disk index out of range", "disk.3.used_percent", types.OpGreaterThan, 0, false},
		{"missing field", "cpu.temperature", types.OpGreaterThan, 0, false},
		{"non-numeric leaf", "disk.0.path", types.OpEqual, 0, false},
		{"object leaf", "cpu", types.OpGreaterThan, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEvaluator(t)
			addRule(t, e, func(r *types.AlertRule) {
				r.Conditions = []types.AlertCondition{{
					Type: types.ConditionMetricThreshold, Field: tt.field, Operator: tt.op, Value: tt.value,
				}}
			})

			fired := e.HandleMetrics(context.Background(), testutil.FixtureSnapshot(90))
			if got := len(fired) == 1; got != tt.fires {
				t.Fatalf("fired = %v, want %v", got, tt.fires)
			}
			if tt.fires {
				if fired[0].Source.Type != types.SourceMetrics {
					t.Errorf("Source.Type = %s", fired[0].Source.Type)
				}
				if fired[0].Severity != "warning" {
					t.Errorf("Severity = %s, want warning", fired[0].Severity)
				}
			}
		})
	}
}

func TestHandleMetrics_IgnoresCheckRules(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	addRule(t, e)

	if fired := e.HandleMetrics(context.Background(), testutil.FixtureSnapshot(99)); len(fired) != 0 {
		t.Errorf("check-failed rule fired on metrics: %d", len(fired))
	}
}

func TestHandleIncident(t *testing.T) {
	tests := []struct {
		name     string
		want     types.IncidentSeverity
		severity string
		incident types.IncidentSeverity
		fires    bool
	}{
		{"any severity", "", "", types.SeverityLow, true},
		{"matching severity", types.SeverityCritical, "", types.SeverityCritical, true},
		{"other severity", types.SeverityCritical, "", types.SeverityHigh, false},
		{"rule severity override", "", "page", types.SeverityLow, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEvaluator(t)
			addRule(t, e, func(r *types.AlertRule) {
				r.Severity = tt.severity
				r.Conditions = []types.AlertCondition{{Type: types.ConditionIncidentCreated, Severity: tt.want}}
			})
			inc := testutil.FixtureIncident([]string{"c1"}, func(i *types.Incident) { i.Severity = tt.incident })

			fired := e.HandleIncident(context.Background(), inc)
			if got := len(fired) == 1; got != tt.fires {
				t.Fatalf("fired = %v, want %v", got, tt.fires)
			}
			if !tt.fires {
				return
			}
			want := string(tt.incident)
			if tt.severity != "" {
				want = tt.severity
			}
			if fired[0].Severity != want {
				t.Errorf("Severity = %s, want %s", fired[0].Severity, want)
			}
			if fired[0].Source.ID != inc.ID {
				t.Errorf("Source.ID = %s, want %s", fired[0].Source.ID, inc.ID)
			}
		})
	}
}

func TestRuleCRUD(t *testing.T) {
	e, st, _ := newTestEvaluator(t)
	ctx := context.Background()

	_, err := e.AddRule(ctx, testutil.FixtureRule(func(r *types.AlertRule) { r.Conditions = nil }))
	if !errors.Is(err, types.ErrInvalidRule) {
		t.Fatalf("AddRule(no conditions) error = %v, want ErrInvalidRule", err)
	}
	if len(e.ListRules()) != 0 {
		t.Fatal("invalid rule was registered")
	}

	rule := addRule(t, e)
	if _, err := e.AddRule(ctx, rule); !errors.Is(err, types.ErrConflict) {
		t.Errorf("AddRule(duplicate) error = %v, want ErrConflict", err)
	}

	changed := rule.Clone()
	changed.Name = "renamed"
	updated, err := e.UpdateRule(ctx, rule.ID, changed)
	if err != nil {
		t.Fatalf("UpdateRule() error = %v", err)
	}
	if updated.Name != "renamed" || !updated.CreatedAt.Equal(rule.CreatedAt) {
		t.Errorf("updated = %+v", updated)
	}

	stored, err := st.ListRules(ctx)
	if err != nil || len(stored) != 1 || stored[0].Name != "renamed" {
		t.Errorf("stored rules = %v, %v", stored, err)
	}

	if _, err := e.UpdateRule(ctx, "missing", changed); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("UpdateRule(missing) error = %v, want ErrNotFound", err)
	}

	if err := e.RemoveRule(ctx, rule.ID); err != nil {
		t.Fatalf("RemoveRule() error = %v", err)
	}
	if _, err := e.GetRule(rule.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetRule() after remove error = %v", err)
	}
	if err := e.RemoveRule(ctx, rule.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("RemoveRule(twice) error = %v, want ErrNotFound", err)
	}
}

func TestLoadRules(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	valid := testutil.FixtureRule()
	invalid := testutil.FixtureRule(func(r *types.AlertRule) { r.Actions = nil })
	for _, r := range []*types.AlertRule{valid, invalid} {
		if err := st.SaveRule(ctx, r); err != nil {
			t.Fatalf("SaveRule() error = %v", err)
		}
	}

	e := NewEvaluator(st, nil, DefaultConfig(), testutil.NewTestLogger())
	if err := e.LoadRules(ctx); err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	rules := e.ListRules()
	if len(rules) != 1 || rules[0].ID != valid.ID {
		t.Errorf("loaded %d rules, want only the valid one", len(rules))
	}
}

func TestResolveAlert(t *testing.T) {
	e, st, _ := newTestEvaluator(t)
	rec := &recorder{}
	e.SetPublisher(rec)
	ctx := context.Background()
	addRule(t, e)
	check := testutil.FixtureCheck()

	fired := e.HandleResult(ctx, check, testutil.FixtureCriticalResult(check.ID))
	if len(fired) != 1 {
		t.Fatalf("fired %d alerts, want 1", len(fired))
	}

	if n, err := e.FiringCount(ctx); err != nil || n != 1 {
		t.Errorf("FiringCount() = %d, %v; want 1", n, err)
	}

	resolved, err := e.ResolveAlert(ctx, fired[0].ID)
	if err != nil {
		t.Fatalf("ResolveAlert() error = %v", err)
	}
	if resolved.Status != types.AlertResolved || resolved.ResolvedAt == nil {
		t.Errorf("resolved = %+v", resolved)
	}

	again, err := e.ResolveAlert(ctx, fired[0].ID)
	if err != nil || !again.ResolvedAt.Equal(*resolved.ResolvedAt) {
		t.Errorf("second ResolveAlert() = %+v, %v", again, err)
	}
	if rec.count(events.AlertResolved) != 1 {
		t.Errorf("alert-resolved events = %d, want 1", rec.count(events.AlertResolved))
	}

	stored, _ := st.GetAlert(ctx, fired[0].ID)
	if stored.Status != types.AlertResolved {
		t.Errorf("stored status = %s", stored.Status)
	}
	if n, _ := e.FiringCount(ctx); n != 0 {
		t.Errorf("FiringCount() = %d, want 0", n)
	}

	if _, err := e.ResolveAlert(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("ResolveAlert(missing) error = %v, want ErrNotFound", err)
	}
}

func TestResolveAlert_BeforeDeliveryCompletes(t *testing.T) {
	e, st, _ := newTestEvaluator(t)
	ctx := context.Background()
	addRule(t, e)

	var report func(int, types.AlertActionResult)
	e.SetDispatcher(&MockDispatcher{DispatchFunc: func(_ *types.Alert, _ []types.AlertAction, r func(int, types.AlertActionResult)) {
		report = r
	}})

	check := testutil.FixtureCheck()
	fired := e.HandleResult(ctx, check, testutil.FixtureCriticalResult(check.ID))
	if _, err := e.ResolveAlert(ctx, fired[0].ID); err != nil {
		t.Fatalf("ResolveAlert() error = %v", err)
	}

	now := time.Now()
	report(0, types.AlertActionResult{Status: types.ActionSent, SentAt: &now})

	stored, _ := st.GetAlert(ctx, fired[0].ID)
	if stored.Status != types.AlertResolved {
		t.Errorf("late delivery report overwrote resolution: %s", stored.Status)
	}
	if stored.Actions[0].Status != types.ActionSent || stored.Actions[0].Type != types.ChannelWebhook {
		t.Errorf("action = %+v, want sent webhook", stored.Actions[0])
	}
}

func TestSweep(t *testing.T) {
	th := NewMemoryThrottle()
	e := NewEvaluator(store.NewMemory(), th, DefaultConfig(), testutil.NewTestLogger())
	rule := addRule(t, e, func(r *types.AlertRule) {
		r.Throttling = types.Throttling{Enabled: true, WindowMinutes: 10, MaxAlerts: 5}
	})
	check := testutil.FixtureCheck()

	start := time.Now()
	e.now = func() time.Time { return start }
	e.HandleResult(context.Background(), check, testutil.FixtureCriticalResult(check.ID))
	if th.Count(rule.ID) != 1 {
		t.Fatalf("Count() = %d, want 1", th.Count(rule.ID))
	}

	e.now = func() time.Time { return start.Add(11 * time.Minute) }
	n, err := e.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Errorf("Sweep() = %d, %v; want 1", n, err)
	}
	if th.Count(rule.ID) != 0 {
		t.Errorf("Count() after sweep = %d", th.Count(rule.ID))
	}
}

func TestStart_ConsumesBusEvents(t *testing.T) {
	e, st, _ := newTestEvaluator(t)
	addRule(t, e)

	bus := events.NewBus(time.Second, testutil.NewTestLogger())
	in := bus.Subscribe("alerting", 16, events.CheckCompleted, events.MetricsCollected, events.IncidentCreated)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx, in)

	check := testutil.FixtureCheck()
	bus.Publish(events.Event{Type: events.CheckCompleted, Check: check, Result: testutil.FixtureCriticalResult(check.ID)})
	bus.Publish(events.Event{Type: events.CheckCompleted, Check: check, Result: testutil.FixtureResult(check.ID)})

	deadline := time.Now().Add(2 * time.Second)
	for len(storedAlerts(t, st)) < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	e.Stop()

	if n := len(storedAlerts(t, st)); n != 1 {
		t.Errorf("stored %d alerts, want 1", n)
	}
}
