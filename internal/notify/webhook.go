package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

const webhookTimeout = 10 * time.Second

// Webhook POSTs each notification as JSON to a caller-supplied URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook transport. A nil client gets a default with a 10s timeout.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	return &Webhook{url: url, client: client}
}

// Name implements Transport.
func (w *Webhook) Name() string { return "webhook" }

// Deliver implements Transport.
func (w *Webhook) Deliver(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kiln-Notification", n.Kind)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Recorder persists notifications.
type Recorder interface {
	InsertNotification(ctx context.Context, n model.Notification) error
}

// RecorderTransport adapts a Recorder to a Transport.
type RecorderTransport struct {
	rec Recorder
}

// NewRecorderTransport creates a transport that stores every notification.
func NewRecorderTransport(rec Recorder) *RecorderTransport {
	return &RecorderTransport{rec: rec}
}

// Name implements Transport.
func (r *RecorderTransport) Name() string { return "archive" }

// Deliver implements Transport.
func (r *RecorderTransport) Deliver(ctx context.Context, n model.Notification) error {
	return r.rec.InsertNotification(ctx, n)
}
