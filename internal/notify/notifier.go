// Package notify delivers orchestrator events to webhook subscribers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxErrorBodySize = 4096

// Event names emitted by the orchestrator.
const (
	EventApprovalRequested = "deployment.approval_requested"
	EventApprovalApproved  = "deployment.approved"
	EventApprovalRejected  = "deployment.rejected"
	EventDeploymentFailed  = "deployment.failed"
	EventDeploymentSuccess = "deployment.succeeded"
	EventBackupFailed      = "backup.failed"
)

// Message is one notification. Recipients are user ids the subscriber
// should reach.
type Message struct {
	Event      string         `json:"event"`
	Recipients []string       `json:"recipients,omitempty"`
	Subject    string         `json:"subject"`
	Payload    map[string]any `json:"payload,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

// Webhook posts messages to every configured URL. Delivery failures are
// logged and never returned to callers.
type Webhook struct {
	urls   []string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhook returns a notifier. An empty url list disables delivery.
func NewWebhook(urls []string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	return &Webhook{
		urls:   cleaned,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}
}

// Notify delivers msg to all subscribers.
func (w *Webhook) Notify(ctx context.Context, msg Message) {
	if w == nil || len(w.urls) == 0 {
		return
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = w.now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		w.logger.Error("failed to encode notification", "event", msg.Event, "error", err)
		return
	}
	for _, url := range w.urls {
		if err := w.post(ctx, url, body); err != nil {
			w.logger.Warn("notification delivery failed", "event", msg.Event, "url", url, "error", err)
		}
	}
}

func (w *Webhook) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "devflow-notifier")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		summary := strings.TrimSpace(string(buf))
		if summary == "" {
			summary = resp.Status
		}
		return fmt.Errorf("subscriber rejected notification: %s", summary)
	}
	return nil
}
