// Package mail delivers plain-text notification email over SMTP. The only
// producer is the maintenance scanner, which mails license owners about
// upcoming expiries.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	netmail "net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// ErrSMTPDisabled is returned by Send when delivery is switched off in
// configuration. Callers treat it as a no-op, not a failure.
var ErrSMTPDisabled = errors.New("mail: smtp delivery disabled")

// Message is a plain-text notification. The sender always comes from
// configuration.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Mailer delivers notification messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSettings configure the SMTP mailer. UseTLS selects implicit TLS;
// otherwise STARTTLS is used when the server offers it.
type SMTPSettings struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
	Timeout  time.Duration
}

const defaultTimeout = 10 * time.Second

// session is the slice of smtp.Client the mailer drives. Tests substitute
// their own implementation through the dial seam.
type session interface {
	Auth(smtp.Auth) error
	Mail(string) error
	Rcpt(string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

type smtpMailer struct {
	cfg  SMTPSettings
	dial func(ctx context.Context) (session, error)
}

// NewSMTPMailer builds a Mailer from settings. A disabled configuration
// still yields a working Mailer whose Send reports ErrSMTPDisabled.
func NewSMTPMailer(cfg SMTPSettings) (Mailer, error) {
	if cfg.Enabled {
		if strings.TrimSpace(cfg.Host) == "" {
			return nil, errors.New("mail: smtp host is required when enabled")
		}
		if cfg.Port <= 0 {
			return nil, errors.New("mail: smtp port is required when enabled")
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	m := &smtpMailer{cfg: cfg}
	m.dial = m.dialSMTP
	return m, nil
}

func (m *smtpMailer) Send(ctx context.Context, msg Message) error {
	if !m.cfg.Enabled {
		return ErrSMTPDisabled
	}

	from, recipients, err := m.addresses(msg)
	if err != nil {
		return err
	}

	sess, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := m.authenticate(sess); err != nil {
		return err
	}
	if err := sess.Mail(from); err != nil {
		return fmt.Errorf("mail: envelope sender: %w", err)
	}
	for _, rcpt := range recipients {
		if err := sess.Rcpt(rcpt); err != nil {
			return fmt.Errorf("mail: envelope recipient %s: %w", rcpt, err)
		}
	}

	wc, err := sess.Data()
	if err != nil {
		return fmt.Errorf("mail: data: %w", err)
	}
	if _, err := io.WriteString(wc, encode(from, recipients, msg)); err != nil {
		_ = wc.Close()
		return fmt.Errorf("mail: write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("mail: finish message: %w", err)
	}

	return sess.Quit()
}

// addresses validates the configured sender and normalises the recipient
// list: trimmed, deduplicated, all parseable.
func (m *smtpMailer) addresses(msg Message) (string, []string, error) {
	from := strings.TrimSpace(m.cfg.From)
	if from == "" {
		return "", nil, errors.New("mail: sender address is not configured")
	}
	if _, err := netmail.ParseAddress(from); err != nil {
		return "", nil, fmt.Errorf("mail: sender address: %w", err)
	}

	seen := make(map[string]struct{}, len(msg.To))
	recipients := make([]string, 0, len(msg.To))
	for _, addr := range msg.To {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		if _, err := netmail.ParseAddress(addr); err != nil {
			return "", nil, fmt.Errorf("mail: recipient address %q: %w", addr, err)
		}
		seen[addr] = struct{}{}
		recipients = append(recipients, addr)
	}
	if len(recipients) == 0 {
		return "", nil, errors.New("mail: at least one recipient is required")
	}

	return from, recipients, nil
}

func (m *smtpMailer) authenticate(sess session) error {
	if strings.TrimSpace(m.cfg.Username) == "" {
		return nil
	}
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	if err := sess.Auth(auth); err != nil {
		return fmt.Errorf("mail: auth: %w", err)
	}
	return nil
}

func (m *smtpMailer) dialSMTP(ctx context.Context) (session, error) {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if m.cfg.UseTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("mail: dial %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mail: handshake: %w", err)
	}

	if !m.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("mail: starttls: %w", err)
			}
		}
	}

	return client, nil
}

// encode renders the wire form of a plain-text message: CRLF headers, a
// blank line, then the body.
func encode(from string, to []string, msg Message) string {
	var b strings.Builder
	header := func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(flattenHeader(value))
		b.WriteString("\r\n")
	}

	header("From", from)
	header("To", strings.Join(to, ", "))
	header("Subject", msg.Subject)
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	return b.String()
}

// flattenHeader strips line breaks so caller-supplied values cannot inject
// extra headers.
func flattenHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}
