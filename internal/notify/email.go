package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// SMTPDefaults fill in email channel fields a channel leaves empty.
type SMTPDefaults struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// EmailConfig is the config of an email channel.
type EmailConfig struct {
	To       stringList `json:"to"`
	From     string     `json:"from"`
	Host     string     `json:"smtp_host"`
	Port     int        `json:"smtp_port"`
	Username string     `json:"username"`
	Password string     `json:"password"`
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSink sends plain-text mail over SMTP.
type EmailSink struct {
	defaults SMTPDefaults
	sendMail sendMailFunc
}

// NewEmailSink creates an email sink.
func NewEmailSink(defaults SMTPDefaults) *EmailSink {
	return &EmailSink{defaults: defaults, sendMail: smtp.SendMail}
}

func (s *EmailSink) Type() types.ChannelType {
	return types.ChannelEmail
}

func (s *EmailSink) Deliver(ctx context.Context, ch *types.NotificationChannel, msg *Message) error {
	cfg, err := decodeConfig[EmailConfig](ch.Config)
	if err != nil {
		return err
	}
	s.applyDefaults(&cfg)
	if len(cfg.To) == 0 {
		return fmt.Errorf("email: no recipients")
	}
	if cfg.Host == "" || cfg.From == "" {
		return fmt.Errorf("email: smtp_host and from are required")
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	body := buildMail(cfg.From, cfg.To, msg, time.Now())

	// net/smtp has no context support, so the send runs aside and the
	// caller stops waiting at the deadline.
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(addr, auth, cfg.From, cfg.To, body)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("email: %w", ctx.Err())
	}
}

func (s *EmailSink) applyDefaults(cfg *EmailConfig) {
	if cfg.Host == "" {
		cfg.Host = s.defaults.Host
	}
	if cfg.Port == 0 {
		cfg.Port = s.defaults.Port
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = s.defaults.From
	}
	if cfg.Username == "" {
		cfg.Username = s.defaults.Username
		cfg.Password = s.defaults.Password
	}
}

func buildMail(from string, to []string, msg *Message, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject()))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&b, "X-Healthmon-Alert: %s\r\n", msg.AlertID)
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Text(), "\n", "\r\n"))
	return []byte(b.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
