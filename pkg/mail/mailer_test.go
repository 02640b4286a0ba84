package mail

import (
	"context"
	"io"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	from   string
	rcpts  []string
	data   strings.Builder
	authed bool
	quit   bool
	closed bool
}

func (f *fakeSession) Auth(smtp.Auth) error    { f.authed = true; return nil }
func (f *fakeSession) Mail(from string) error  { f.from = from; return nil }
func (f *fakeSession) Rcpt(to string) error    { f.rcpts = append(f.rcpts, to); return nil }
func (f *fakeSession) Quit() error             { f.quit = true; return nil }
func (f *fakeSession) Close() error            { f.closed = true; return nil }
func (f *fakeSession) Data() (io.WriteCloser, error) {
	return nopWriteCloser{&f.data}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newTestMailer(t *testing.T, cfg SMTPSettings, sess *fakeSession) Mailer {
	t.Helper()

	mailer, err := NewSMTPMailer(cfg)
	require.NoError(t, err)

	m := mailer.(*smtpMailer)
	m.dial = func(context.Context) (session, error) { return sess, nil }
	return mailer
}

func enabledSettings() SMTPSettings {
	return SMTPSettings{
		Enabled: true,
		Host:    "smtp.example.com",
		Port:    587,
		From:    "no-reply@example.com",
	}
}

func TestNewSMTPMailerValidatesConfig(t *testing.T) {
	_, err := NewSMTPMailer(SMTPSettings{Enabled: true})
	require.ErrorContains(t, err, "host is required")

	_, err = NewSMTPMailer(SMTPSettings{Enabled: true, Host: "smtp.example.com"})
	require.ErrorContains(t, err, "port is required")

	mailer, err := NewSMTPMailer(SMTPSettings{})
	require.NoError(t, err)
	require.NotNil(t, mailer)
}

func TestNewSMTPMailerDefaultsTimeout(t *testing.T) {
	mailer, err := NewSMTPMailer(enabledSettings())
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, mailer.(*smtpMailer).cfg.Timeout)
}

func TestSendWhenDisabled(t *testing.T) {
	mailer, err := NewSMTPMailer(SMTPSettings{})
	require.NoError(t, err)

	err = mailer.Send(context.Background(), Message{To: []string{"owner@example.com"}})
	require.ErrorIs(t, err, ErrSMTPDisabled)
}

func TestSendDeliversMessage(t *testing.T) {
	sess := &fakeSession{}
	mailer := newTestMailer(t, enabledSettings(), sess)

	err := mailer.Send(context.Background(), Message{
		To:      []string{"owner@example.com"},
		Subject: "License expiring",
		Body:    "Your license lapses in 3 days.",
	})
	require.NoError(t, err)

	assert.Equal(t, "no-reply@example.com", sess.from)
	assert.Equal(t, []string{"owner@example.com"}, sess.rcpts)
	assert.False(t, sess.authed, "no credentials configured")
	assert.True(t, sess.quit)
	assert.True(t, sess.closed)

	wire := sess.data.String()
	assert.Contains(t, wire, "From: no-reply@example.com\r\n")
	assert.Contains(t, wire, "Subject: License expiring\r\n")
	assert.Contains(t, wire, "\r\n\r\nYour license lapses in 3 days.")
}

func TestSendAuthenticatesWhenConfigured(t *testing.T) {
	cfg := enabledSettings()
	cfg.Username = "mailer"
	cfg.Password = "secret"

	sess := &fakeSession{}
	mailer := newTestMailer(t, cfg, sess)

	require.NoError(t, mailer.Send(context.Background(), Message{To: []string{"owner@example.com"}}))
	assert.True(t, sess.authed)
}

func TestSendDeduplicatesRecipients(t *testing.T) {
	sess := &fakeSession{}
	mailer := newTestMailer(t, enabledSettings(), sess)

	err := mailer.Send(context.Background(), Message{
		To: []string{"owner@example.com", " owner@example.com ", "", "second@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"owner@example.com", "second@example.com"}, sess.rcpts)
}

func TestSendRejectsBadAddresses(t *testing.T) {
	sess := &fakeSession{}
	mailer := newTestMailer(t, enabledSettings(), sess)

	err := mailer.Send(context.Background(), Message{To: []string{"   "}})
	require.ErrorContains(t, err, "at least one recipient")

	err = mailer.Send(context.Background(), Message{To: []string{"not-an-address"}})
	require.ErrorContains(t, err, "recipient address")

	cfg := enabledSettings()
	cfg.From = "broken sender"
	mailer = newTestMailer(t, cfg, sess)
	err = mailer.Send(context.Background(), Message{To: []string{"owner@example.com"}})
	require.ErrorContains(t, err, "sender address")
}

func TestEncodeFlattensHeaderBreaks(t *testing.T) {
	wire := encode("no-reply@example.com", []string{"owner@example.com"}, Message{
		Subject: "Expiring\r\nBcc: attacker@example.com",
		Body:    "Body",
	})

	assert.Contains(t, wire, "Subject: Expiring  Bcc: attacker@example.com\r\n")
	assert.NotContains(t, wire, "\r\nBcc:")
}
