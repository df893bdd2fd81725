// Package notify delivers alerts to external channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Checker-Finance/pricewatch/internal/httpclient"
	"github.com/Checker-Finance/pricewatch/internal/metrics"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// Webhook POSTs each alert as JSON to a fixed URL.
type Webhook struct {
	url   string
	host  string
	token string
	exec  *httpclient.Executor
}

// NewWebhook creates a webhook dispatcher. token, when set, is sent as a bearer token.
func NewWebhook(rawURL, token string, exec *httpclient.Executor) (*Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("notify: invalid webhook url %q", rawURL)
	}
	return &Webhook{url: rawURL, host: u.Host, token: token, exec: exec}, nil
}

type webhookBody struct {
	ID        string         `json:"id"`
	ProductID string         `json:"product_id"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

func (w *Webhook) Dispatch(ctx context.Context, a model.Alert) error {
	body, err := json.Marshal(webhookBody{
		ID:        a.ID,
		ProductID: a.ProductID,
		Type:      string(a.Type),
		Severity:  string(a.Severity),
		Payload:   a.Payload,
		CreatedAt: a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	if err := w.exec.DoJSON(ctx, req, w.host, nil); err != nil {
		metrics.Dispatches.WithLabelValues("webhook", "error").Inc()
		return err
	}
	metrics.Dispatches.WithLabelValues("webhook", "ok").Inc()
	return nil
}
