package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/config"
	"github.com/firewatch/firewatch/server/internal/metrics"
)

// messageCreator is the subset of the Twilio v2010 API the notifier uses.
type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// SMS texts new-alert notifications through Twilio.
type SMS struct {
	cfg config.SMSConfig
	api messageCreator
	now func() time.Time
	th  *throttle
}

// NewSMS creates an SMS notifier. It returns nil when cfg is not enabled.
func NewSMS(cfg config.SMSConfig) *SMS {
	if !cfg.Enabled() {
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID(),
		Password: cfg.AuthToken(),
	})
	return newSMS(cfg, client.Api)
}

func newSMS(cfg config.SMSConfig, api messageCreator) *SMS {
	return &SMS{
		cfg: cfg,
		api: api,
		now: time.Now,
		th:  &throttle{cooldown: cfg.Cooldown},
	}
}

// Name implements Channel.
func (s *SMS) Name() string { return "sms" }

// Notify texts every recipient about a newly created alert at or above the
// minimum severity, at most once per cooldown.
func (s *SMS) Notify(tr types.Transition) {
	if tr.From != types.StateNone || tr.To != types.StateActive {
		return
	}
	if !qualifies(tr, s.cfg.MinSeverity) {
		metrics.NotificationsTotal.WithLabelValues("sms", "skipped").Inc()
		return
	}
	n, ok := s.th.admit(s.now())
	if !ok {
		metrics.NotificationsTotal.WithLabelValues("sms", "skipped").Inc()
		slog.Debug("notify: sms cooldown active", "alert", tr.AlertID)
		return
	}
	go s.deliver(tr.Alert, n)
}

func (s *SMS) deliver(a types.Alert, n int) {
	body := s.alertBody(a, n)
	sent := 0
	for _, to := range recipients("", s.cfg.To) {
		sid, err := s.send(to, body)
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues("sms", "failed").Inc()
			slog.Error("notify: sms delivery failed", "alert", a.ID, "to", to, "err", err)
			continue
		}
		sent++
		metrics.NotificationsTotal.WithLabelValues("sms", "sent").Inc()
		slog.Debug("notify: sms sent", "alert", a.ID, "to", to, "sid", sid)
	}
	if sent > 0 {
		slog.Info("notify: sms alert sent", "alert", a.ID, "recipients", sent, "number", n)
	}
}

// Test texts a test message synchronously. It fails only when no recipient
// could be reached.
func (s *SMS) Test(to string) error {
	body := fmt.Sprintf("FireWatch test message\n\nThis is a test of the SMS alert channel.\nTime: %s",
		s.now().UTC().Format(time.RFC3339))
	var errs []error
	sent := 0
	for _, r := range recipients(to, s.cfg.To) {
		if _, err := s.send(r, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r, err))
			continue
		}
		sent++
	}
	if sent == 0 {
		if len(errs) == 0 {
			return errors.New("sms test: no recipients")
		}
		return fmt.Errorf("sms test: %w", errors.Join(errs...))
	}
	return nil
}

// Status implements Channel.
func (s *SMS) Status() Status {
	st := Status{
		Channel:     s.Name(),
		Enabled:     true,
		Configured:  true,
		Recipients:  len(recipients("", s.cfg.To)),
		MinSeverity: s.cfg.MinSeverity,
	}
	s.th.fill(&st)
	return st
}

func (s *SMS) send(to, body string) (string, error) {
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.cfg.From)
	params.SetBody(body)
	msg, err := s.api.CreateMessage(params)
	if err != nil {
		return "", err
	}
	if msg != nil && msg.Sid != nil {
		return *msg.Sid, nil
	}
	return "", nil
}

func (s *SMS) alertBody(a types.Alert, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s ALERT - FireWatch\n\n", strings.ToUpper(string(a.Kind)))
	fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(string(a.Severity)), a.Description)
	fmt.Fprintf(&b, "Location: %s\n", a.Location)
	fmt.Fprintf(&b, "Time: %s\n", a.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Alert #%d\n\n", n)
	b.WriteString("Immediate action required.")
	return b.String()
}
