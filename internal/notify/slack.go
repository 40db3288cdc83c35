package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pilot-net/healthmon/pkg/types"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackConfig is the config of a slack channel. Either WebhookURL or
// Token plus Channel is required.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
	Token      string `json:"token"`
	Channel    string `json:"channel"`
	APIURL     string `json:"api_url"`
}

// SlackMessage is the chat.postMessage / incoming webhook payload.
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the colour bar and fields.
type SlackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Footer string       `json:"footer,omitempty"`
	Ts     int64        `json:"ts,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

// SlackField is one short key/value in an attachment.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SlackSink posts to a Slack incoming webhook or through the Web API.
type SlackSink struct {
	client *http.Client
}

// NewSlackSink creates a slack sink.
func NewSlackSink() *SlackSink {
	return &SlackSink{client: newHTTPClient()}
}

func (s *SlackSink) Type() types.ChannelType {
	return types.ChannelSlack
}

func (s *SlackSink) Deliver(ctx context.Context, ch *types.NotificationChannel, msg *Message) error {
	cfg, err := decodeConfig[SlackConfig](ch.Config)
	if err != nil {
		return err
	}
	payload := slackPayload(msg)

	switch {
	case cfg.WebhookURL != "":
		if _, err := postJSON(ctx, s.client, cfg.WebhookURL, payload, nil); err != nil {
			return fmt.Errorf("slack: %w", err)
		}
		return nil

	case cfg.Token != "" && cfg.Channel != "":
		url := cfg.APIURL
		if url == "" {
			url = slackPostMessageURL
		}
		payload.Channel = cfg.Channel
		header := http.Header{}
		header.Set("Authorization", "Bearer "+cfg.Token)

		body, err := postJSON(ctx, s.client, url, payload, header)
		if err != nil {
			return fmt.Errorf("slack: %w", err)
		}
		var resp slackResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("slack: failed to parse response: %w", err)
		}
		if !resp.OK {
			return fmt.Errorf("slack API error: %s", resp.Error)
		}
		return nil

	default:
		return fmt.Errorf("slack: webhook_url or token and channel are required")
	}
}

// severityColor maps alert severity to an attachment colour.
func severityColor(severity string) string {
	switch severity {
	case "critical", "high":
		return "#dc3545"
	case "warning", "medium":
		return "#ffc107"
	case "resolved":
		return "#36a64f"
	default:
		return "#439fe0"
	}
}

func slackPayload(msg *Message) SlackMessage {
	fields := []SlackField{
		{Title: "Severity", Value: msg.Severity, Short: true},
		{Title: "Source", Value: fmt.Sprintf("%s %s", msg.Source.Type, msg.Source.Name), Short: true},
	}
	for _, k := range msg.contextKeys() {
		fields = append(fields, SlackField{Title: k, Value: fmt.Sprint(msg.Context[k]), Short: true})
	}

	return SlackMessage{
		Text: msg.Subject(),
		Attachments: []SlackAttachment{{
			Color:  severityColor(msg.Severity),
			Title:  msg.Title,
			Text:   msg.Body,
			Footer: "healthmon · " + msg.RuleName,
			Ts:     msg.TriggeredAt.Unix(),
			Fields: fields,
		}},
	}
}
