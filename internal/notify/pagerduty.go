package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyConfig is the config of a pagerduty channel.
type PagerDutyConfig struct {
	RoutingKey string `json:"routing_key"`
	APIURL     string `json:"api_url"`
}

// PagerDutyEvent is an Events API v2 request.
type PagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key,omitempty"`
	Payload     PagerDutyPayload `json:"payload"`
}

// PagerDutyPayload is the event body.
type PagerDutyPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Timestamp     string         `json:"timestamp,omitempty"`
	Component     string         `json:"component,omitempty"`
	Class         string         `json:"class,omitempty"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

// PagerDutySink triggers PagerDuty incidents. The alert ID is the dedup key.
type PagerDutySink struct {
	client *http.Client
}

// NewPagerDutySink creates a pagerduty sink.
func NewPagerDutySink() *PagerDutySink {
	return &PagerDutySink{client: newHTTPClient()}
}

func (s *PagerDutySink) Type() types.ChannelType {
	return types.ChannelPagerDuty
}

func (s *PagerDutySink) Deliver(ctx context.Context, ch *types.NotificationChannel, msg *Message) error {
	cfg, err := decodeConfig[PagerDutyConfig](ch.Config)
	if err != nil {
		return err
	}
	if cfg.RoutingKey == "" {
		return fmt.Errorf("pagerduty: routing_key is required")
	}
	url := cfg.APIURL
	if url == "" {
		url = pagerDutyEventsURL
	}

	details := map[string]any{"message": msg.Body, "rule": msg.RuleName}
	for k, v := range msg.Context {
		details[k] = v
	}

	event := PagerDutyEvent{
		RoutingKey:  cfg.RoutingKey,
		EventAction: "trigger",
		DedupKey:    msg.AlertID,
		Payload: PagerDutyPayload{
			Summary:       truncate(msg.Title, 1024),
			Source:        msg.Source.Name,
			Severity:      pagerDutySeverity(msg.Severity),
			Timestamp:     msg.TriggeredAt.UTC().Format(time.RFC3339),
			Component:     msg.Source.ID,
			Class:         string(msg.Source.Type),
			CustomDetails: details,
		},
	}
	if event.Payload.Source == "" {
		event.Payload.Source = "healthmon"
	}

	if _, err := postJSON(ctx, s.client, url, event, nil); err != nil {
		return fmt.Errorf("pagerduty: %w", err)
	}
	return nil
}

// pagerDutySeverity maps to the four severities the Events API accepts.
func pagerDutySeverity(s string) string {
	switch s {
	case "critical":
		return "critical"
	case "high":
		return "error"
	case "warning", "medium":
		return "warning"
	default:
		return "info"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
