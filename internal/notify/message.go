package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pilot-net/healthmon/pkg/types"
)

// smsLimit is the length of a single SMS segment.
const smsLimit = 160

// Message is an alert rendered for delivery. Sinks pick the form they need.
type Message struct {
	AlertID     string
	RuleName    string
	Severity    string
	Title       string
	Body        string
	Source      types.AlertSource
	Context     map[string]any
	TriggeredAt time.Time
	Alert       *types.Alert
}

// NewMessage renders an alert.
func NewMessage(a *types.Alert) *Message {
	return &Message{
		AlertID:     a.ID,
		RuleName:    a.RuleName,
		Severity:    a.Severity,
		Title:       a.Title,
		Body:        a.Message,
		Source:      a.Source,
		Context:     a.Context,
		TriggeredAt: a.TriggeredAt,
		Alert:       a,
	}
}

// Subject is a one-line summary for mail subjects.
func (m *Message) Subject() string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(m.Severity), m.Title)
}

// Text is the full plain-text body: message, source, then context keys in
// sorted order.
func (m *Message) Text() string {
	var b strings.Builder
	if m.Body != "" {
		b.WriteString(m.Body)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Severity: %s\n", m.Severity)
	fmt.Fprintf(&b, "Source: %s %s (%s)\n", m.Source.Type, m.Source.Name, m.Source.ID)
	fmt.Fprintf(&b, "Rule: %s\n", m.RuleName)
	fmt.Fprintf(&b, "Triggered: %s\n", m.TriggeredAt.UTC().Format(time.RFC3339))

	for _, k := range m.contextKeys() {
		fmt.Fprintf(&b, "%s: %v\n", k, m.Context[k])
	}
	fmt.Fprintf(&b, "Alert ID: %s\n", m.AlertID)
	return b.String()
}

// Short fits one SMS segment of smsLimit characters.
func (m *Message) Short() string {
	s := fmt.Sprintf("[%s] %s", strings.ToUpper(m.Severity), m.Title)
	if m.Body != "" {
		s += ": " + m.Body
	}
	if utf8.RuneCountInString(s) > smsLimit {
		s = string([]rune(s)[:smsLimit-3]) + "..."
	}
	return s
}

func (m *Message) contextKeys() []string {
	keys := make([]string, 0, len(m.Context))
	for k := range m.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// testMessage is the synthetic alert sent by channel tests.
func testMessage(ch *types.NotificationChannel, now time.Time) *Message {
	return NewMessage(&types.Alert{
		ID:          "test-" + ch.ID,
		RuleID:      "test",
		RuleName:    "channel test",
		TriggeredAt: now,
		Status:      types.AlertFiring,
		Severity:    "info",
		Title:       fmt.Sprintf("Test notification for %s", ch.Name),
		Message:     "This is a test alert from healthmon. No action is required.",
		Source:      types.AlertSource{Type: "test", ID: ch.ID, Name: ch.Name},
	})
}
