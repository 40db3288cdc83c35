package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pilot-net/healthmon/pkg/types"
)

const twilioMessagesURL = "https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json"

// SMSConfig is the config of an sms channel (Twilio Messages API).
type SMSConfig struct {
	To         stringList `json:"to"`
	From       string     `json:"from"`
	AccountSID string     `json:"account_sid"`
	AuthToken  string     `json:"auth_token"`
	APIURL     string     `json:"api_url"`
}

// SMSSink sends the short form of an alert as a text message.
type SMSSink struct {
	client *http.Client
}

// NewSMSSink creates an sms sink.
func NewSMSSink() *SMSSink {
	return &SMSSink{client: newHTTPClient()}
}

func (s *SMSSink) Type() types.ChannelType {
	return types.ChannelSMS
}

// Deliver sends one message per recipient. Every recipient is attempted;
// the error lists the ones that failed.
func (s *SMSSink) Deliver(ctx context.Context, ch *types.NotificationChannel, msg *Message) error {
	cfg, err := decodeConfig[SMSConfig](ch.Config)
	if err != nil {
		return err
	}
	if len(cfg.To) == 0 || cfg.From == "" {
		return fmt.Errorf("sms: to and from are required")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return fmt.Errorf("sms: account_sid and auth_token are required")
	}

	endpoint := cfg.APIURL
	if endpoint == "" {
		endpoint = fmt.Sprintf(twilioMessagesURL, url.PathEscape(cfg.AccountSID))
	}

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Authorization", basicAuth(cfg.AccountSID, cfg.AuthToken))

	var errs []error
	for _, to := range cfg.To {
		form := url.Values{}
		form.Set("To", to)
		form.Set("From", cfg.From)
		form.Set("Body", msg.Short())

		if _, err := send(ctx, s.client, http.MethodPost, endpoint, []byte(form.Encode()), header); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sms: %w", errors.Join(errs...))
	}
	return nil
}

func basicAuth(user, pass string) string {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(user, pass)
	return strings.TrimSpace(req.Header.Get("Authorization"))
}
