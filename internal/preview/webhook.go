package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/user/vizchat/internal/types"
)

// Webhook POSTs {"docId": ...} to a URL, retrying transient failures.
type Webhook struct {
	url     string
	client  *http.Client
	retries uint64
}

// NewWebhook creates a Webhook with a 10s request timeout and two retries.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		retries: 2,
	}
}

type webhookBody struct {
	DocID types.DocID `json:"docId"`
	At    time.Time   `json:"at"`
}

// Hook adapts the webhook for a Registry.
func (w *Webhook) Hook() Hook {
	return w.Post
}

// Post sends one notification. 4xx responses are not retried.
func (w *Webhook) Post(ctx context.Context, docID types.DocID) error {
	body, err := json.Marshal(webhookBody{DocID: docID, At: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal preview body: %w", err)
	}

	send := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create preview request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("post preview webhook: %w", err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("preview webhook status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("preview webhook status %d", resp.StatusCode))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	return backoff.Retry(send, backoff.WithContext(backoff.WithMaxRetries(b, w.retries), ctx))
}
