package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// INCIDENT
// =============================================================================

// IncidentSeverity ranks the impact of an incident.
type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "low"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityHigh     IncidentSeverity = "high"
	SeverityCritical IncidentSeverity = "critical"
)

// Valid reports whether s is a known severity.
func (s IncidentSeverity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// IncidentStatus is the lifecycle state of an incident.
// open -> investigating -> identified -> monitoring -> resolved.
// Intermediate states may be skipped, resolved is terminal.
type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentIdentified    IncidentStatus = "identified"
	IncidentMonitoring    IncidentStatus = "monitoring"
	IncidentResolved      IncidentStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentOpen, IncidentInvestigating, IncidentIdentified, IncidentMonitoring, IncidentResolved:
		return true
	}
	return false
}

// IncidentUpdate is one entry in an incident's audit trail.
type IncidentUpdate struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Status    IncidentStatus `json:"status"`
	Message   string         `json:"message"`
	UpdatedBy string         `json:"updated_by"`
}

// Incident tracks a sustained failure. Updates is append-only.
type Incident struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	Severity         IncidentSeverity `json:"severity"`
	Status           IncidentStatus   `json:"status"`
	AffectedServices []string         `json:"affected_services,omitempty"`
	CheckIDs         []string         `json:"check_ids,omitempty"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          *time.Time       `json:"end_time,omitempty"`
	Updates          []IncidentUpdate `json:"updates"`
	AssignedTo       string           `json:"assigned_to,omitempty"`
	Tags             []string         `json:"tags,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// IsOpen reports whether the incident has not been resolved.
func (i *Incident) IsOpen() bool {
	return i.Status != IncidentResolved
}

// References reports whether the incident is associated with checkID.
func (i *Incident) References(checkID string) bool {
	return containsString(i.CheckIDs, checkID)
}

// Validate checks a manually created incident.
func (i *Incident) Validate() error {
	if strings.TrimSpace(i.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidIncident)
	}
	if i.Severity != "" && !i.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidIncident, i.Severity)
	}
	if i.Status != "" && !i.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidIncident, i.Status)
	}
	return nil
}

// Clone returns a deep copy of the incident.
func (i *Incident) Clone() *Incident {
	cp := *i
	cp.AffectedServices = append([]string(nil), i.AffectedServices...)
	cp.CheckIDs = append([]string(nil), i.CheckIDs...)
	cp.Updates = append([]IncidentUpdate(nil), i.Updates...)
	cp.Tags = append([]string(nil), i.Tags...)
	cp.Metadata = cloneMap(i.Metadata)
	if i.EndTime != nil {
		t := *i.EndTime
		cp.EndTime = &t
	}
	return &cp
}

// IncidentChange is an operator update to an incident.
type IncidentChange struct {
	Status     IncidentStatus `json:"status,omitempty"`
	Message    string         `json:"message"`
	UpdatedBy  string         `json:"updated_by"`
	AssignedTo *string        `json:"assigned_to,omitempty"`
}

// Validate checks the change before it is applied.
func (c IncidentChange) Validate() error {
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidIncident, c.Status)
	}
	if strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidIncident)
	}
	return nil
}
