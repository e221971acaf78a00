package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"marketpulse/internal/config"
	"marketpulse/internal/model"
	"marketpulse/pkg/log"
)

// Payload is one rendered notification: a single match for instant
// alerts, a digest of several for batched ones.
type Payload struct {
	OwnerID string              `json:"owner_id"`
	Target  string              `json:"target"`
	Matches []*model.AlertMatch `json:"matches"`
}

// ChannelSender delivers a payload over one channel. Implementations
// classify their failures with SendError so the dispatcher can decide
// between retrying and dead-lettering.
type ChannelSender interface {
	// Channel names the channel this sender serves
	Channel() string

	// Send delivers the payload. The idempotency key lets receivers
	// that deduplicate discard a retried send after a crash.
	Send(ctx context.Context, payload *Payload, idempotencyKey string) error
}

// SendError classified delivery failure. Permanent failures (invalid
// recipient, rejected payload) are never retried.
type SendError struct {
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s send failure: %v", kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a permanent send failure
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// WebhookSender delivers notifications as JSON POSTs to the alert's
// target URL.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a webhook sender
func NewWebhookSender(cfg config.WebhookConfig) *WebhookSender {
	return &WebhookSender{
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Channel names the channel this sender serves
func (s *WebhookSender) Channel() string { return "webhook" }

// Send delivers the payload as an HTTP POST
func (s *WebhookSender) Send(ctx context.Context, payload *Payload, idempotencyKey string) error {
	if !strings.HasPrefix(payload.Target, "http://") && !strings.HasPrefix(payload.Target, "https://") {
		return &SendError{Permanent: true, Err: fmt.Errorf("invalid webhook target %q", payload.Target)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &SendError{Permanent: true, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.Target, bytes.NewReader(body))
	if err != nil {
		return &SendError{Permanent: true, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", idempotencyKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &SendError{Err: fmt.Errorf("webhook returned %d", resp.StatusCode)}
	default:
		// Remaining 4xx means the endpoint rejected this payload;
		// retrying it verbatim cannot succeed.
		return &SendError{Permanent: true, Err: fmt.Errorf("webhook returned %d", resp.StatusCode)}
	}
}

// EmailSender delivers notifications over SMTP.
type EmailSender struct {
	cfg config.SMTPConfig
	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender creates an email sender
func NewEmailSender(cfg config.SMTPConfig) *EmailSender {
	return &EmailSender{cfg: cfg, send: smtp.SendMail}
}

// Channel names the channel this sender serves
func (s *EmailSender) Channel() string { return "email" }

// Send delivers the payload as an email
func (s *EmailSender) Send(ctx context.Context, payload *Payload, idempotencyKey string) error {
	if !strings.Contains(payload.Target, "@") {
		return &SendError{Permanent: true, Err: fmt.Errorf("invalid email target %q", payload.Target)}
	}

	subject := "1 new listing matches your alert"
	if n := len(payload.Matches); n > 1 {
		subject = fmt.Sprintf("%d new listings match your alert", n)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", payload.Target)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "X-Idempotency-Key: %s\r\n", idempotencyKey)
	msg.WriteString("\r\n")
	for _, match := range payload.Matches {
		fmt.Fprintf(&msg, "Match %d for alert %d (listing %d), matched at %s\r\n",
			match.ID, match.AlertID, match.ListingID, match.MatchedAt.Format(time.RFC3339))
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, auth, s.cfg.From, []string{payload.Target}, msg.Bytes()); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// LogSender writes notifications to the log. It stands in for channels
// without a real integration yet (sms, push) and in development.
type LogSender struct {
	channel string
}

// NewLogSender creates a log sender for the given channel
func NewLogSender(channel string) *LogSender {
	return &LogSender{channel: channel}
}

// Channel names the channel this sender serves
func (s *LogSender) Channel() string { return s.channel }

// Send logs the payload
func (s *LogSender) Send(ctx context.Context, payload *Payload, idempotencyKey string) error {
	log.WithFields(logrus.Fields{
		"channel":         s.channel,
		"owner_id":        payload.OwnerID,
		"target":          payload.Target,
		"matches":         len(payload.Matches),
		"idempotency_key": idempotencyKey,
	}).Info("notification delivered")
	return nil
}
