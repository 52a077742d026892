package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"catalog-sync-service/internal/model"
)

const maxErrorBody = 4 << 10

// WebhookSender posts notifications as JSON to a delivery gateway (mail, SMS
// or push provider bridge). Requests are rate limited per sender.
type WebhookSender struct {
	channel    model.Channel
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type webhookMessage struct {
	Channel   model.Channel  `json:"channel"`
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Payload   map[string]any `json:"payload"`
}

// NewWebhookSender returns a sender for channel. A non-positive ratePerSecond
// disables limiting.
func NewWebhookSender(channel model.Channel, url string, ratePerSecond float64, timeout time.Duration) *WebhookSender {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		channel:    channel,
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

func (w *WebhookSender) Send(ctx context.Context, recipient, templateID string, payload map[string]any) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(webhookMessage{
		Channel:   w.channel,
		Recipient: recipient,
		Template:  templateID,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", w.channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s webhook: failed to create request: %w", w.channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s webhook: %w", w.channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s webhook: HTTP %d: %s", w.channel, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
