// -------------------------------------------------------------------------------
// Notification Sinks - Outbound Alert Delivery
//
// Author: Alex Freidah
//
// Sinks push alert lifecycle events to operators. Delivery is fire-and-forget:
// the resilience path never blocks or fails because a webhook is down, so sink
// errors are logged and dropped.
// -------------------------------------------------------------------------------

package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/munchlab/filevault/internal/config"
	"github.com/munchlab/filevault/internal/metadata"
	"github.com/munchlab/filevault/internal/telemetry"
)

// publishTimeout bounds background delivery once the request that raised the
// alert has moved on.
const publishTimeout = 10 * time.Second

// NotificationSink delivers alert lifecycle events to an external channel.
type NotificationSink interface {
	// Notify delivers a raised or resolved alert. resolved distinguishes the
	// two so sinks can render recovery messages.
	Notify(ctx context.Context, alert *metadata.Alert, resolved bool) error
}

// -------------------------------------------------------------------------
// LOG SINK
// -------------------------------------------------------------------------

// LogSink writes alert events to the structured log. Always configured as the
// sink of last resort.
type LogSink struct{}

var _ NotificationSink = (*LogSink)(nil)

func (LogSink) Notify(_ context.Context, a *metadata.Alert, resolved bool) error {
	if resolved {
		slog.Info("Alert resolved",
			"alert_id", a.ID, "type", a.Type, "severity", a.Severity, "message", a.Message)
		return nil
	}
	slog.Warn("Alert raised",
		"alert_id", a.ID, "type", a.Type, "severity", a.Severity,
		"message", a.Message, "details", a.Details)
	return nil
}

// -------------------------------------------------------------------------
// WEBHOOK SINK
// -------------------------------------------------------------------------

// WebhookSink POSTs alert events as JSON to an operator-supplied endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

var _ NotificationSink = (*WebhookSink)(nil)

// NewWebhookSink creates a webhook sink from the notifications config.
func NewWebhookSink(cfg config.NotificationsConfig) *WebhookSink {
	return &WebhookSink{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type webhookEvent struct {
	Event    string          `json:"event"` // "raised" or "resolved"
	Alert    *metadata.Alert `json:"alert"`
	Service  string          `json:"service"`
	Severity string          `json:"severity"`
}

func (w *WebhookSink) Notify(ctx context.Context, a *metadata.Alert, resolved bool) error {
	event := "raised"
	if resolved {
		event = "resolved"
	}
	body, err := json.Marshal(webhookEvent{
		Event:    event,
		Alert:    a,
		Service:  a.Service,
		Severity: string(a.Severity),
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// -------------------------------------------------------------------------
// NOTIFIER
// -------------------------------------------------------------------------

// Notifier fans an alert event out to every configured sink. Delivery runs on
// a background goroutine with its own deadline, so a slow webhook never stalls
// the request that raised the alert. Sink failures are logged and counted but
// never surfaced to the caller.
type Notifier struct {
	sinks []NotificationSink
	wg    sync.WaitGroup
}

// NewNotifier builds the sink set from config. The log sink is always
// present; the webhook sink is added when a URL is configured.
func NewNotifier(cfg config.NotificationsConfig) *Notifier {
	sinks := []NotificationSink{LogSink{}}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhookSink(cfg))
	}
	return &Notifier{sinks: sinks}
}

// Publish delivers a raised alert to all sinks, fire-and-forget.
func (n *Notifier) Publish(a *metadata.Alert) {
	n.dispatch(a, false)
}

// PublishResolved delivers an alert resolution to all sinks, fire-and-forget.
func (n *Notifier) PublishResolved(a *metadata.Alert) {
	n.dispatch(a, true)
}

// dispatch hands the event to a goroutine detached from the caller's context.
func (n *Notifier) dispatch(a *metadata.Alert, resolved bool) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		n.fanout(ctx, a, resolved)
	}()
}

// Flush blocks until every in-flight delivery has finished. Called during
// shutdown so pending notifications are not lost.
func (n *Notifier) Flush() {
	n.wg.Wait()
}

func (n *Notifier) fanout(ctx context.Context, a *metadata.Alert, resolved bool) {
	for _, sink := range n.sinks {
		kind := "delivered"
		if err := sink.Notify(ctx, a, resolved); err != nil {
			kind = "failed"
			slog.Warn("Notification delivery failed",
				"alert_id", a.ID, "type", a.Type, "error", err)
		}
		telemetry.NotificationsTotal.WithLabelValues(kind).Inc()
	}
}
