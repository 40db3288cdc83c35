package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// SignatureHeader carries the HMAC of the request body when a secret is set.
const SignatureHeader = "X-Healthmon-Signature"

// WebhookConfig is the config of a webhook channel.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Secret  string            `json:"secret"`
}

// WebhookEnvelope is the JSON body posted to generic webhooks.
type WebhookEnvelope struct {
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Alert     *types.Alert `json:"alert"`
}

// WebhookSink posts a JSON envelope to an arbitrary endpoint.
type WebhookSink struct {
	client *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink() *WebhookSink {
	return &WebhookSink{client: newHTTPClient()}
}

func (s *WebhookSink) Type() types.ChannelType {
	return types.ChannelWebhook
}

func (s *WebhookSink) Deliver(ctx context.Context, ch *types.NotificationChannel, msg *Message) error {
	cfg, err := decodeConfig[WebhookConfig](ch.Config)
	if err != nil {
		return err
	}
	if cfg.URL == "" {
		return fmt.Errorf("webhook: url is required")
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(WebhookEnvelope{
		Event:     "alert.fired",
		Timestamp: time.Now().UTC(),
		Alert:     msg.Alert,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	if cfg.Secret != "" {
		header.Set(SignatureHeader, Sign(cfg.Secret, body))
	}

	if _, err := send(ctx, s.client, method, cfg.URL, body, header); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// Sign returns the signature header value for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(secret, payload)))
}
