// Package notify delivers batch-completion webhooks. Delivery is best
// effort: failures are logged and never revert a completion.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/omniverifier/engine/internal/config"
	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/pkg/httpretry"
)

// CompletionEvent is the webhook payload for one finished batch.
type CompletionEvent struct {
	Event       string           `json:"event"`
	UserID      string           `json:"user_id"`
	CheckType   domain.CheckType `json:"check_type"`
	BatchID     string           `json:"batch_id"`
	Title       string           `json:"title"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Dispatcher posts completion events to the configured webhook.
type Dispatcher struct {
	url        string
	enabled    bool
	httpClient httpretry.HTTPDoer
}

// NewDispatcher creates a webhook dispatcher. A disabled or URL-less
// config produces a no-op dispatcher.
func NewDispatcher(cfg config.NotifyConfig) *Dispatcher {
	return &Dispatcher{
		url:     cfg.WebhookURL,
		enabled: cfg.Enabled && cfg.WebhookURL != "",
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 2),
	}
}

// BatchCompleted delivers one completion event.
func (d *Dispatcher) BatchCompleted(ctx context.Context, userID string, ct domain.CheckType, batchID, title string) error {
	if !d.enabled {
		return nil
	}
	payload, err := json.Marshal(CompletionEvent{
		Event:       "batch.completed",
		UserID:      userID,
		CheckType:   ct,
		BatchID:     batchID,
		Title:       title,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
