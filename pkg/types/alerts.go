// Package types - Alert rules and fired alerts
//
// # Alerting Design
//
// Rules are evaluated against three kinds of input: check results, system
// metrics snapshots and incident events. A rule is a candidate when:
// - It is enabled and declares a condition of the matching type
// - Its filters match the event (check id, check kind, tag, severity)
// - The current time is inside its schedule, if it has one
//
// A candidate rule fires on the first condition that evaluates true. Each
// fire is counted against the rule's throttling window and produces one
// Alert whose actions are delivered by the notification dispatcher.
//
// # Example Configuration
//
//	alert_rules:
//	  - name: "API down"
//	    severity: critical
//	    conditions:
//	      - type: check-failed
//	    filters:
//	      tags: ["api"]
//	    actions:
//	      - type: slack
//	      - type: pagerduty
//	        delay_seconds: 300
//	    throttling:
//	      enabled: true
//	      window_minutes: 15
//	      max_alerts: 2
//	    schedule:
//	      timezone: "America/Chicago"
//	      start_time: "22:00"
//	      end_time: "06:00"
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ALERT RULES
// =============================================================================

// ConditionType selects which input a condition is evaluated against.
type ConditionType string

const (
	ConditionCheckFailed     ConditionType = "check-failed"
	ConditionResponseTime    ConditionType = "response-time-threshold"
	ConditionUptime          ConditionType = "uptime-threshold"
	ConditionMetricThreshold ConditionType = "metric-threshold"
	ConditionIncidentCreated ConditionType = "incident-created"
)

// Source returns the event source a condition type applies to.
func (t ConditionType) Source() SourceType {
	switch t {
	case ConditionCheckFailed, ConditionResponseTime, ConditionUptime:
		return SourceCheck
	case ConditionMetricThreshold:
		return SourceMetrics
	case ConditionIncidentCreated:
		return SourceIncident
	}
	return ""
}

// Operator is a numeric comparison.
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
	OpNotEqual       Operator = "ne"
)

// Compare applies the operator to actual and threshold.
func (o Operator) Compare(actual, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return actual > threshold
	case OpGreaterOrEqual:
		return actual >= threshold
	case OpLessThan:
		return actual < threshold
	case OpLessOrEqual:
		return actual <= threshold
	case OpEqual:
		return actual == threshold
	case OpNotEqual:
		return actual != threshold
	default:
		return false
	}
}

func (o Operator) valid() bool {
	switch o {
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// AlertCondition is one signal a rule responds to.
type AlertCondition struct {
	Type     ConditionType `json:"type"`
	Operator Operator      `json:"operator,omitempty"`
	Value    float64       `json:"value,omitempty"`

	// Dotted path into the metrics snapshot (metric-threshold only)
	Field string `json:"field,omitempty"`

	// Incident severity to match (incident-created only, empty = any)
	Severity IncidentSeverity `json:"severity,omitempty"`

	// Lookback for uptime-threshold
	WindowMinutes int `json:"window_minutes,omitempty"`

	// check-failed only fires after this many failing results in a row
	ConsecutiveFailures int `json:"consecutive_failures,omitempty"`
}

// AlertAction is one delivery a fired rule performs.
type AlertAction struct {
	Type         ChannelType    `json:"type"`
	Config       map[string]any `json:"config,omitempty"`
	DelaySeconds int            `json:"delay_seconds,omitempty"`
}

// Delay returns the configured delivery delay.
func (a AlertAction) Delay() time.Duration {
	return time.Duration(a.DelaySeconds) * time.Second
}

// AlertFilters restrict which events a rule considers. Empty lists match all.
type AlertFilters struct {
	CheckIDs   []string    `json:"check_ids,omitempty"`
	CheckKinds []CheckKind `json:"check_kinds,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	Severities []string    `json:"severities,omitempty"`
}

// Throttling bounds how many alerts a rule may fire in a rolling window.
type Throttling struct {
	Enabled       bool `json:"enabled"`
	WindowMinutes int  `json:"window_minutes"`
	MaxAlerts     int  `json:"max_alerts"`
}

// Window returns the throttling window as a duration.
func (t Throttling) Window() time.Duration {
	return time.Duration(t.WindowMinutes) * time.Minute
}

// Schedule restricts when a rule is active.
type Schedule struct {
	// Timezone for evaluation (e.g., "America/Chicago")
	Timezone string `json:"timezone,omitempty"`

	// Time range (24h format). start > end wraps past midnight.
	StartTime string `json:"start_time,omitempty"` // "22:00"
	EndTime   string `json:"end_time,omitempty"`   // "06:00"

	// Days of week (0=Sunday, 6=Saturday)
	Days []int `json:"days,omitempty"`
}

// Contains reports whether t falls inside the schedule.
func (s *Schedule) Contains(t time.Time) bool {
	if s == nil {
		return true
	}
	if s.Timezone != "" {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return false
		}
		t = t.In(loc)
	}

	if len(s.Days) > 0 {
		day := int(t.Weekday())
		found := false
		for _, d := range s.Days {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if s.StartTime == "" || s.EndTime == "" {
		return true
	}
	start, err := parseClock(s.StartTime)
	if err != nil {
		return false
	}
	end, err := parseClock(s.EndTime)
	if err != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()

	if start <= end {
		return now >= start && now < end
	}
	// Window spans midnight
	return now >= start || now < end
}

// parseClock converts "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// AlertRule is a declarative condition-plus-action definition.
type AlertRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	// Overrides the condition-derived alert severity when set
	Severity string `json:"severity,omitempty"`

	// Evaluated in order, first true condition fires the rule
	Conditions []AlertCondition `json:"conditions"`

	// Delivered in order when the rule fires
	Actions []AlertAction `json:"actions"`

	Filters    AlertFilters `json:"filters"`
	Throttling Throttling   `json:"throttling"`
	Schedule   *Schedule    `json:"schedule,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasConditionFor reports whether the rule declares any condition for src.
func (r *AlertRule) HasConditionFor(src SourceType) bool {
	for _, c := range r.Conditions {
		if c.Type.Source() == src {
			return true
		}
	}
	return false
}

// Validate checks a rule definition before it is registered.
func (r *AlertRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("%w: at least one condition is required", ErrInvalidRule)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidRule)
	}

	for i, c := range r.Conditions {
		switch c.Type {
		case ConditionCheckFailed, ConditionIncidentCreated:
		case ConditionResponseTime, ConditionUptime:
			if !c.Operator.valid() {
				return fmt.Errorf("%w: condition %d: unknown operator %q", ErrInvalidRule, i, c.Operator)
			}
		case ConditionMetricThreshold:
			if !c.Operator.valid() {
				return fmt.Errorf("%w: condition %d: unknown operator %q", ErrInvalidRule, i, c.Operator)
			}
			if c.Field == "" {
				return fmt.Errorf("%w: condition %d: field is required for metric-threshold", ErrInvalidRule, i)
			}
		default:
			return fmt.Errorf("%w: condition %d: unknown type %q", ErrInvalidRule, i, c.Type)
		}
		if c.ConsecutiveFailures < 0 || c.WindowMinutes < 0 {
			return fmt.Errorf("%w: condition %d: counts must not be negative", ErrInvalidRule, i)
		}
	}

	for i, a := range r.Actions {
		if !a.Type.Valid() {
			return fmt.Errorf("%w: action %d: unknown channel type %q", ErrInvalidRule, i, a.Type)
		}
		if a.DelaySeconds < 0 {
			return fmt.Errorf("%w: action %d: delay must not be negative", ErrInvalidRule, i)
		}
	}

	if r.Throttling.Enabled && (r.Throttling.WindowMinutes <= 0 || r.Throttling.MaxAlerts <= 0) {
		return fmt.Errorf("%w: throttling requires positive window_minutes and max_alerts", ErrInvalidRule)
	}

	if s := r.Schedule; s != nil {
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("%w: schedule: %v", ErrInvalidRule, err)
			}
		}
		if (s.StartTime == "") != (s.EndTime == "") {
			return fmt.Errorf("%w: schedule: start_time and end_time must be set together", ErrInvalidRule)
		}
		if s.StartTime != "" {
			if _, err := parseClock(s.StartTime); err != nil {
				return fmt.Errorf("%w: schedule: %v", ErrInvalidRule, err)
			}
			if _, err := parseClock(s.EndTime); err != nil {
				return fmt.Errorf("%w: schedule: %v", ErrInvalidRule, err)
			}
		}
		for _, d := range s.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: schedule: day %d out of range", ErrInvalidRule, d)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the rule.
func (r *AlertRule) Clone() *AlertRule {
	cp := *r
	cp.Conditions = append([]AlertCondition(nil), r.Conditions...)
	cp.Actions = make([]AlertAction, len(r.Actions))
	for i, a := range r.Actions {
		a.Config = cloneMap(a.Config)
		cp.Actions[i] = a
	}
	cp.Filters = AlertFilters{
		CheckIDs:   append([]string(nil), r.Filters.CheckIDs...),
		CheckKinds: append([]CheckKind(nil), r.Filters.CheckKinds...),
		Tags:       append([]string(nil), r.Filters.Tags...),
		Severities: append([]string(nil), r.Filters.Severities...),
	}
	if r.Schedule != nil {
		s := *r.Schedule
		s.Days = append([]int(nil), r.Schedule.Days...)
		cp.Schedule = &s
	}
	return &cp
}

// =============================================================================
// ALERT
// =============================================================================

// AlertStatus is the lifecycle state of a fired alert.
type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// SourceType identifies what triggered an alert.
type SourceType string

const (
	SourceCheck    SourceType = "check"
	SourceMetrics  SourceType = "metrics"
	SourceIncident SourceType = "incident"
)

// AlertSource describes the object that triggered an alert.
type AlertSource struct {
	Type SourceType `json:"type"`
	ID   string     `json:"id"`
	Name string     `json:"name"`
}

// ActionStatus is the delivery state of one alert action.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionSent    ActionStatus = "sent"
	ActionFailed  ActionStatus = "failed"
)

// AlertActionResult records one delivery attempt.
type AlertActionResult struct {
	Type   ChannelType  `json:"type"`
	Status ActionStatus `json:"status"`
	SentAt *time.Time   `json:"sent_at,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Alert is created once per rule fire. RuleName is frozen at fire time.
type Alert struct {
	ID          string              `json:"id"`
	RuleID      string              `json:"rule_id"`
	RuleName    string              `json:"rule_name"`
	TriggeredAt time.Time           `json:"triggered_at"`
	ResolvedAt  *time.Time          `json:"resolved_at,omitempty"`
	Status      AlertStatus         `json:"status"`
	Severity    string              `json:"severity"`
	Title       string              `json:"title"`
	Message     string              `json:"message"`
	Source      AlertSource         `json:"source"`
	Context     map[string]any      `json:"context,omitempty"`
	Actions     []AlertActionResult `json:"actions"`
}

// Clone returns a copy safe to hand to other goroutines.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.Context = cloneMap(a.Context)
	cp.Actions = append([]AlertActionResult(nil), a.Actions...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// AlertFilter queries alert history.
type AlertFilter struct {
	RuleID string      `json:"rule_id,omitempty"`
	Status AlertStatus `json:"status,omitempty"`
	Since  time.Time   `json:"since,omitempty"`
	Limit  int         `json:"limit,omitempty"`
}

// Matches reports whether a satisfies the filter (limit excluded).
func (f AlertFilter) Matches(a *Alert) bool {
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && a.TriggeredAt.Before(f.Since) {
		return false
	}
	return true
}
