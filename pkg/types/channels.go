package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// NOTIFICATION CHANNELS
// =============================================================================

// ChannelType identifies a notification sink.
type ChannelType string

const (
	ChannelEmail     ChannelType = "email"
	ChannelSlack     ChannelType = "slack"
	ChannelSMS       ChannelType = "sms"
	ChannelWebhook   ChannelType = "webhook"
	ChannelPagerDuty ChannelType = "pagerduty"
)

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelEmail, ChannelSlack, ChannelSMS, ChannelWebhook, ChannelPagerDuty:
		return true
	}
	return false
}

// ChannelTestResult is the outcome of the last self-test.
type ChannelTestResult struct {
	Success  bool      `json:"success"`
	TestedAt time.Time `json:"tested_at"`
	Error    string    `json:"error,omitempty"`
}

// NotificationChannel is a configured delivery target for one sink type.
//
// Config keys by type:
//   - email: to, from, smtp_host, smtp_port, username, password
//   - slack: webhook_url, or token + channel
//   - sms: to, from, account_sid, auth_token, api_url
//   - webhook: url, method, headers, secret
//   - pagerduty: routing_key, api_url
//
// String values beginning with "op://" are resolved as secret references
// before delivery.
type NotificationChannel struct {
	ID        string             `json:"id"`
	Type      ChannelType        `json:"type"`
	Name      string             `json:"name"`
	Enabled   bool               `json:"enabled"`
	Config    map[string]any     `json:"config"`
	LastTest  *ChannelTestResult `json:"last_test,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Validate checks a channel before it is registered.
func (c *NotificationChannel) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidChannel)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidChannel, c.Type)
	}
	return nil
}

// Clone returns a deep copy of the channel.
func (c *NotificationChannel) Clone() *NotificationChannel {
	cp := *c
	cp.Config = cloneMap(c.Config)
	if c.LastTest != nil {
		lt := *c.LastTest
		cp.LastTest = &lt
	}
	return &cp
}
