package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/config"
	"marketpulse/internal/model"
)

func testPayload(target string) *Payload {
	return &Payload{
		OwnerID: "owner-1",
		Target:  target,
		Matches: []*model.AlertMatch{
			{ID: 1, AlertID: 2, ListingID: 3, OwnerID: "owner-1", MatchedAt: time.Now()},
		},
	}
}

func TestWebhookSenderSuccess(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	s := NewWebhookSender(config.WebhookConfig{Timeout: time.Second})
	err := s.Send(context.Background(), testPayload(server.URL), "1:webhook")

	require.NoError(t, err)
	assert.Equal(t, "1:webhook", gotKey)
}

func TestWebhookSenderServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	s := NewWebhookSender(config.WebhookConfig{Timeout: time.Second})
	err := s.Send(context.Background(), testPayload(server.URL), "k")

	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestWebhookSenderClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	s := NewWebhookSender(config.WebhookConfig{Timeout: time.Second})
	err := s.Send(context.Background(), testPayload(server.URL), "k")

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestWebhookSenderInvalidTargetIsPermanent(t *testing.T) {
	s := NewWebhookSender(config.WebhookConfig{Timeout: time.Second})
	err := s.Send(context.Background(), testPayload("not-a-url"), "k")

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestWebhookSenderNetworkErrorIsTransient(t *testing.T) {
	s := NewWebhookSender(config.WebhookConfig{Timeout: time.Second})
	err := s.Send(context.Background(), testPayload("http://127.0.0.1:1"), "k")

	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestEmailSenderBuildsDigestSubject(t *testing.T) {
	var gotTo []string
	var gotMsg []byte
	s := NewEmailSender(config.SMTPConfig{Host: "smtp.test", Port: 25, From: "alerts@test"})
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "smtp.test:25", addr)
		assert.Equal(t, "alerts@test", from)
		gotTo = to
		gotMsg = msg
		return nil
	}

	payload := testPayload("user@example.com")
	payload.Matches = append(payload.Matches, &model.AlertMatch{ID: 2, AlertID: 2, ListingID: 4, OwnerID: "owner-1", MatchedAt: time.Now()})

	require.NoError(t, s.Send(context.Background(), payload, "1:email"))
	assert.Equal(t, []string{"user@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "2 new listings match your alert")
	assert.Contains(t, string(gotMsg), "X-Idempotency-Key: 1:email")
}

func TestEmailSenderInvalidTargetIsPermanent(t *testing.T) {
	s := NewEmailSender(config.SMTPConfig{})
	err := s.Send(context.Background(), testPayload("no-at-sign"), "k")

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestEmailSenderSMTPFailureIsTransient(t *testing.T) {
	s := NewEmailSender(config.SMTPConfig{Host: "smtp.test", Port: 25, From: "alerts@test"})
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		return errors.New("connection reset")
	}

	err := s.Send(context.Background(), testPayload("user@example.com"), "k")
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestLogSenderAlwaysSucceeds(t *testing.T) {
	s := NewLogSender("sms")
	assert.Equal(t, "sms", s.Channel())
	assert.NoError(t, s.Send(context.Background(), testPayload("+15550100"), "k"))
}
