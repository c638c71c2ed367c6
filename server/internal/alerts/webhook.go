package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/config"
	"github.com/firewatch/firewatch/server/internal/metrics"
)

const webhookBufSize = 256

// Webhooks delivers transitions to Slack, Teams or generic HTTP targets.
// Register Notify with Manager.Subscribe and start Run. One goroutine
// delivers in transition order, so an acknowledgement never reaches a
// target before the alert it acknowledges.
type Webhooks struct {
	targets []config.WebhookConfig
	client  *http.Client
	queue   chan types.Transition

	once sync.Once
	done chan struct{}
}

// NewWebhooks creates a notifier for the configured targets.
func NewWebhooks(targets []config.WebhookConfig) *Webhooks {
	return &Webhooks{
		targets: targets,
		client:  &http.Client{Timeout: 10 * time.Second},
		queue:   make(chan types.Transition, webhookBufSize),
		done:    make(chan struct{}),
	}
}

// Notify queues tr. A full queue drops the transition rather than holding
// up the dispatcher.
func (w *Webhooks) Notify(tr types.Transition) {
	if len(w.targets) == 0 {
		return
	}
	select {
	case <-w.done:
		metrics.NotificationsTotal.WithLabelValues("webhook", "skipped").Inc()
		return
	default:
	}
	select {
	case w.queue <- tr:
	default:
		metrics.NotificationsTotal.WithLabelValues("webhook", "failed").Inc()
		slog.Warn("alerts: webhook queue full, transition dropped", "alert", tr.AlertID, "to", tr.To)
	}
}

// Run delivers queued transitions until Close is called, then flushes what
// is left.
func (w *Webhooks) Run() {
	for {
		select {
		case tr := <-w.queue:
			w.deliver(tr)
		case <-w.done:
			for {
				select {
				case tr := <-w.queue:
					w.deliver(tr)
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting transitions. Run returns once the queue is flushed.
func (w *Webhooks) Close() {
	w.once.Do(func() { close(w.done) })
}

// deliver sends tr to all configured targets. Errors are logged but do not
// affect the caller.
func (w *Webhooks) deliver(tr types.Transition) {
	for _, wh := range w.targets {
		url := wh.URL()
		if url == "" {
			metrics.NotificationsTotal.WithLabelValues("webhook", "skipped").Inc()
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = w.sendSlack(url, tr)
		case "teams":
			err = w.sendTeams(url, tr)
		case "http":
			err = w.sendHTTP(url, tr)
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			metrics.NotificationsTotal.WithLabelValues("webhook", "failed").Inc()
			slog.Error("alerts: webhook delivery failed",
				"type", wh.Type,
				"alert", tr.AlertID,
				"err", err,
			)
		} else {
			metrics.NotificationsTotal.WithLabelValues("webhook", "sent").Inc()
			slog.Debug("alerts: webhook delivered",
				"type", wh.Type,
				"alert", tr.AlertID,
				"to", tr.To,
			)
		}
	}
}

func (w *Webhooks) sendSlack(url string, tr types.Transition) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s", severityLabel(tr.Alert.Severity), summary(tr)),
	})
	return w.post(url, body)
}

func (w *Webhooks) sendTeams(url string, tr types.Transition) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(tr.Alert.Severity),
		"summary":    string(tr.Alert.Kind),
		"title":      fmt.Sprintf("FireWatch Alert: %s at %s", tr.Alert.Kind, tr.Alert.Location),
		"text":       summary(tr),
	}
	body, _ := json.Marshal(payload)
	return w.post(url, body)
}

func (w *Webhooks) sendHTTP(url string, tr types.Transition) error {
	body, _ := json.Marshal(map[string]interface{}{"transition": tr})
	return w.post(url, body)
}

func (w *Webhooks) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// summary renders a one-line human description of a transition.
func summary(tr types.Transition) string {
	a := tr.Alert
	switch tr.To {
	case types.StateActive:
		return fmt.Sprintf("%s at %s (%s)", a.Description, a.Location, a.SourceID)
	case types.StateAcknowledged:
		return fmt.Sprintf("acknowledged: %s at %s", a.Description, a.Location)
	default:
		if tr.Reason != "" {
			return fmt.Sprintf("dismissed (%s): %s at %s", tr.Reason, a.Description, a.Location)
		}
		return fmt.Sprintf("dismissed: %s at %s", a.Description, a.Location)
	}
}

func severityLabel(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "[CRITICAL]"
	case types.SeverityHigh:
		return "[HIGH]"
	case types.SeverityMedium:
		return "[MEDIUM]"
	default:
		return "[LOW]"
	}
}

func severityColor(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "FF4F6A"
	case types.SeverityHigh:
		return "FFAB40"
	case types.SeverityMedium:
		return "FFD740"
	default:
		return "00D4FF"
	}
}
