package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/phl/patternwatch/results"
)

// Webhook POSTs each report to a URL. 5xx, 429 and transport errors are
// retried with doubling backoff; other 4xx responses are final.
type Webhook struct {
	url     string
	client  *http.Client
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets the number of retries after the first attempt.
// Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) { w.retries = n }
}

// WithWebhookBackoff sets the first retry delay. Default: 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.backoff = d }
}

func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// NewWebhook creates a Webhook sink targeting url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		retries: 3,
		backoff: time.Second,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// errFinal marks a response that must not be retried.
var errFinal = errors.New("final")

func (w *Webhook) Send(ctx context.Context, rep results.Report) error {
	body, err := json.Marshal(reportEnvelope(rep))
	if err != nil {
		return fmt.Errorf("webhook: encode report %s: %w", rep.RunID, err)
	}

	delay := w.backoff
	for attempt := 0; ; attempt++ {
		err = w.post(ctx, body, rep)
		if err == nil {
			return nil
		}
		if errors.Is(err, errFinal) || attempt >= w.retries {
			return fmt.Errorf("webhook: report %s to %s after %d attempt(s): %w", rep.RunID, w.url, attempt+1, err)
		}
		w.logger.Warn("webhook: delivery failed, retrying", "page", rep.PageID, "attempt", attempt+1, "in", delay, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

func (w *Webhook) post(ctx context.Context, body []byte, rep results.Report) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errFinal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Patternwatch-Page", rep.PageID)
	req.Header.Set("X-Patternwatch-Run", rep.RunID)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("%w: status %d", errFinal, resp.StatusCode)
}

func (w *Webhook) Close() error { return nil }
