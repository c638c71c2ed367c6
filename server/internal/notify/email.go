package notify

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/config"
	"github.com/firewatch/firewatch/server/internal/metrics"
)

// sendFunc matches smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends new-alert notifications over SMTP.
type Email struct {
	cfg  config.EmailConfig
	addr string
	auth smtp.Auth
	send sendFunc
	now  func() time.Time
	th   *throttle
}

// NewEmail creates an Email notifier. It returns nil when cfg is not enabled.
func NewEmail(cfg config.EmailConfig) *Email {
	if !cfg.Enabled() {
		return nil
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	e := &Email{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(port)),
		send: smtp.SendMail,
		now:  time.Now,
		th:   &throttle{cooldown: cfg.Cooldown},
	}
	if cfg.Username != "" {
		e.auth = smtp.PlainAuth("", cfg.Username, cfg.Password(), cfg.SMTPHost)
	}
	return e
}

// Name implements Channel.
func (e *Email) Name() string { return "email" }

// Notify mails newly created alerts at or above the minimum severity, at most
// once per cooldown. Other transitions are ignored. Delivery runs in the
// background.
func (e *Email) Notify(tr types.Transition) {
	if tr.From != types.StateNone || tr.To != types.StateActive {
		return
	}
	if !qualifies(tr, e.cfg.MinSeverity) {
		metrics.NotificationsTotal.WithLabelValues("email", "skipped").Inc()
		return
	}
	at := e.now()
	n, ok := e.th.admit(at)
	if !ok {
		metrics.NotificationsTotal.WithLabelValues("email", "skipped").Inc()
		slog.Debug("notify: email cooldown active", "alert", tr.AlertID)
		return
	}
	go e.deliver(tr.Alert, n, at)
}

func (e *Email) deliver(a types.Alert, n int, at time.Time) {
	if err := e.send(e.addr, e.auth, e.cfg.From, e.cfg.To, e.message(a, n, at)); err != nil {
		metrics.NotificationsTotal.WithLabelValues("email", "failed").Inc()
		slog.Error("notify: email delivery failed", "alert", a.ID, "smtp", e.addr, "err", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("email", "sent").Inc()
	slog.Debug("notify: email sent", "alert", a.ID, "recipients", len(e.cfg.To))
}

// Test sends a test message synchronously.
func (e *Email) Test(to string) error {
	rcpt := recipients(to, e.cfg.To)
	subject := "[FireWatch] Test message"
	at := e.now()
	body := fmt.Sprintf("This is a test of the FireWatch email alert channel.\r\nTime: %s\r\n\r\n"+
		"If you received this message, email alerts are working.\r\n",
		at.UTC().Format(time.RFC3339))
	if err := e.send(e.addr, e.auth, e.cfg.From, rcpt, e.envelope(rcpt, subject, body, at)); err != nil {
		return fmt.Errorf("email test to %s: %w", strings.Join(rcpt, ", "), err)
	}
	return nil
}

// Status implements Channel.
func (e *Email) Status() Status {
	s := Status{
		Channel:     e.Name(),
		Enabled:     true,
		Configured:  true,
		Recipients:  len(recipients("", e.cfg.To)),
		MinSeverity: e.cfg.MinSeverity,
	}
	e.th.fill(&s)
	return s
}

func (e *Email) message(a types.Alert, n int, at time.Time) []byte {
	subject := fmt.Sprintf("[FireWatch %s] %s at %s (alert #%d)", strings.ToUpper(string(a.Severity)), a.Kind, a.Location, n)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\r\n\r\n", a.Description)
	fmt.Fprintf(&b, "Alert:      %s\r\n", a.ID)
	fmt.Fprintf(&b, "Kind:       %s\r\n", a.Kind)
	fmt.Fprintf(&b, "Severity:   %s\r\n", a.Severity)
	fmt.Fprintf(&b, "Source:     %s\r\n", a.SourceID)
	fmt.Fprintf(&b, "Location:   %s\r\n", a.Location)
	if a.Confidence > 0 {
		fmt.Fprintf(&b, "Confidence: %.1f%%\r\n", a.Confidence)
	}
	fmt.Fprintf(&b, "Created:    %s\r\n", a.CreatedAt.UTC().Format(time.RFC3339))
	return e.envelope(e.cfg.To, subject, b.String(), at)
}

func (e *Email) envelope(to []string, subject, body string, at time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", at.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(body)
	return b.Bytes()
}
