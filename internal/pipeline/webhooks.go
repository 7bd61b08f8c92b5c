package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultRetryDelay     = 2 * time.Second
)

// WebhookClient posts pipeline lifecycle payloads to configured endpoints.
// 4xx responses are terminal; 5xx and transport errors retry with a growing
// delay up to the endpoint's retry_count.
type WebhookClient struct {
	client *http.Client
	logger logging.Logger
}

// NewWebhookClient constructs a webhook client.
func NewWebhookClient(logger logging.Logger) *WebhookClient {
	return &WebhookClient{
		client: &http.Client{},
		logger: logging.OrNop(logger),
	}
}

// Fire posts payload to every endpoint, best effort. Failures are logged
// and never propagate to the pipeline outcome.
func (c *WebhookClient) Fire(ctx context.Context, endpoints []Endpoint, payload any) {
	for _, ep := range endpoints {
		if err := c.deliver(ctx, ep, payload); err != nil {
			c.logger.Error("pipeline webhook %s: %v", ep.URL, err)
		}
	}
}

func (c *WebhookClient) deliver(ctx context.Context, ep Endpoint, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	delay := ep.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	var lastErr error
	for attempt := 0; attempt <= ep.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay * time.Duration(attempt)):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, method, ep.URL, bytes.NewReader(body))
		if err != nil {
			cancel()
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for key, value := range ep.Headers {
			req.Header.Set(key, value)
		}

		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500:
			return gerrors.New(gerrors.KindValidationFailed,
				"webhook returned %d", resp.StatusCode)
		default:
			lastErr = gerrors.New(gerrors.KindTransient,
				"webhook returned %d", resp.StatusCode)
		}
	}
	return lastErr
}
