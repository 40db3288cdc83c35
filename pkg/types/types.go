// Package types defines the core domain types shared by the scheduler, the
// incident manager, the alert engine and the HTTP facade.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport and storage
// 3. Immutability: Results and fired alerts are never edited in place by consumers
// 4. Validation: Definitions include Validate() methods for configuration errors
package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckKind selects the executor that probes a check's target.
type CheckKind string

const (
	CheckKindHTTP     CheckKind = "http"
	CheckKindTCP      CheckKind = "tcp"
	CheckKindPing     CheckKind = "ping"
	CheckKindDatabase CheckKind = "database"
	CheckKindService  CheckKind = "service"
	CheckKindCustom   CheckKind = "custom"
)

// Valid reports whether k is a known check kind.
func (k CheckKind) Valid() bool {
	switch k {
	case CheckKindHTTP, CheckKindTCP, CheckKindPing, CheckKindDatabase, CheckKindService, CheckKindCustom:
		return true
	}
	return false
}

// CheckStatus is the classified health of a single result.
type CheckStatus string

const (
	StatusHealthy  CheckStatus = "healthy"
	StatusWarning  CheckStatus = "warning"
	StatusCritical CheckStatus = "critical"
	StatusUnknown  CheckStatus = "unknown"
)

// Level returns numeric level for comparison (higher = worse).
func (s CheckStatus) Level() int {
	switch s {
	case StatusCritical:
		return 3
	case StatusWarning:
		return 2
	case StatusHealthy:
		return 1
	default:
		return 0
	}
}

// Threshold is a warning/critical pair. A zero value disables that level.
type Threshold struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// Thresholds configures status classification for a check.
type Thresholds struct {
	ResponseTime Threshold `json:"response_time"` // milliseconds
	Availability Threshold `json:"availability"`  // percent
}

// HealthCheck is a declared, recurring probe against one target.
type HealthCheck struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Kind       CheckKind      `json:"kind"`
	Target     string         `json:"target"`
	Config     CheckConfig    `json:"config"`
	Thresholds Thresholds     `json:"thresholds"`
	Enabled    bool           `json:"enabled"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// CheckConfig holds the execution settings shared by all kinds plus a
// free-form Params map decoded by the executor for its kind.
type CheckConfig struct {
	IntervalMs     int64             `json:"interval_ms"`
	TimeoutMs      int64             `json:"timeout_ms"`
	Retries        int               `json:"retries,omitempty"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ExpectedStatus []int             `json:"expected_status,omitempty"`
	Auth           *CheckAuth        `json:"auth,omitempty"`
	Params         map[string]any    `json:"params,omitempty"`
}

// CheckAuth carries credentials for HTTP checks.
type CheckAuth struct {
	Type     string `json:"type"` // basic, bearer
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Interval returns the configured interval as a duration.
func (c CheckConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Timeout returns the configured per-attempt timeout as a duration.
func (c CheckConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// HasTag reports whether the check carries tag.
func (c *HealthCheck) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks that the definition can be scheduled.
func (c *HealthCheck) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCheck)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCheck, c.Kind)
	}
	if strings.TrimSpace(c.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidCheck)
	}
	if c.Config.IntervalMs <= 0 {
		return fmt.Errorf("%w: interval_ms must be positive", ErrInvalidCheck)
	}
	if c.Config.TimeoutMs <= 0 {
		return fmt.Errorf("%w: timeout_ms must be positive", ErrInvalidCheck)
	}
	if c.Config.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrInvalidCheck)
	}
	if c.Kind == CheckKindHTTP {
		u, err := url.Parse(c.Target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: invalid URL %q", ErrInvalidCheck, c.Target)
		}
	}
	if c.Config.Auth != nil {
		switch c.Config.Auth.Type {
		case "basic", "bearer":
		default:
			return fmt.Errorf("%w: unknown auth type %q", ErrInvalidCheck, c.Config.Auth.Type)
		}
	}
	t := c.Thresholds.ResponseTime
	if t.Warning < 0 || t.Critical < 0 {
		return fmt.Errorf("%w: response time thresholds must not be negative", ErrInvalidCheck)
	}
	if t.Warning > 0 && t.Critical > 0 && t.Warning > t.Critical {
		return fmt.Errorf("%w: response time warning threshold exceeds critical", ErrInvalidCheck)
	}
	return nil
}

// Clone returns a deep copy of the check.
func (c *HealthCheck) Clone() *HealthCheck {
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	cp.Metadata = cloneMap(c.Metadata)
	cp.Config.Headers = cloneStringMap(c.Config.Headers)
	cp.Config.ExpectedStatus = append([]int(nil), c.Config.ExpectedStatus...)
	cp.Config.Params = cloneMap(c.Config.Params)
	if c.Config.Auth != nil {
		auth := *c.Config.Auth
		cp.Config.Auth = &auth
	}
	return &cp
}

// CheckPatch is a partial update to a check. Nil fields are left unchanged.
type CheckPatch struct {
	Name       *string        `json:"name,omitempty"`
	Target     *string        `json:"target,omitempty"`
	Config     *CheckConfig   `json:"config,omitempty"`
	Thresholds *Thresholds    `json:"thresholds,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
	Tags       *[]string      `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Apply writes the non-nil patch fields onto c.
func (p CheckPatch) Apply(c *HealthCheck) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Target != nil {
		c.Target = *p.Target
	}
	if p.Config != nil {
		c.Config = *p.Config
	}
	if p.Thresholds != nil {
		c.Thresholds = *p.Thresholds
	}
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.Tags != nil {
		c.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Metadata != nil {
		c.Metadata = cloneMap(p.Metadata)
	}
}

// =============================================================================
// HEALTH CHECK RESULT
// =============================================================================

// HealthCheckResult is the immutable record of one execution.
type HealthCheckResult struct {
	ID             string         `json:"id"`
	CheckID        string         `json:"check_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         CheckStatus    `json:"status"`
	ResponseTimeMs float64        `json:"response_time_ms"`
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Failing reports whether the result should count as a failure signal.
func (r *HealthCheckResult) Failing() bool {
	return !r.Success || r.Status == StatusCritical
}

// CheckSummary aggregates current status across all checks.
type CheckSummary struct {
	Total    int `json:"total"`
	Enabled  int `json:"enabled"`
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Unknown  int `json:"unknown"`
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func containsString(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
