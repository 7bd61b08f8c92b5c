package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"gobby/internal/config"
	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultWebhookDelay   = 2 * time.Second
)

// webhookDecision is the body a can_block endpoint may return to override
// the hook decision.
type webhookDecision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// WebhookClient posts hook events to configured endpoints. Non-blocking
// endpoints are best effort; a can_block endpoint's block/deny decision is
// returned to the manager.
type WebhookClient struct {
	client *http.Client
	logger logging.Logger
}

// NewWebhookClient constructs a client.
func NewWebhookClient(logger logging.Logger) *WebhookClient {
	return &WebhookClient{client: &http.Client{}, logger: logging.OrNop(logger)}
}

// Fire posts the event and current response to every subscribed endpoint in
// order. The first blocking decision from a can_block endpoint wins and is
// returned; remaining endpoints still receive the event.
func (c *WebhookClient) Fire(ctx context.Context, endpoints []config.HookWebhook, event *Event, resp *Response) *webhookDecision {
	var override *webhookDecision
	payload := map[string]any{"event": event, "response": resp}

	for _, ep := range endpoints {
		if !ep.Matches(string(event.Type)) {
			continue
		}
		decision, err := c.deliver(ctx, ep, payload)
		if err != nil {
			c.logger.Error("hook webhook %s: %v", ep.URL, err)
			continue
		}
		if override == nil && ep.CanBlock && decision != nil &&
			(decision.Decision == DecisionBlock || decision.Decision == DecisionDeny) {
			override = decision
		}
	}
	return override
}

// deliver posts with retries. 4xx responses are terminal; 5xx and transport
// errors retry after the endpoint's constant delay.
func (c *WebhookClient) deliver(ctx context.Context, ep config.HookWebhook, payload any) (*webhookDecision, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
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
		delay = defaultWebhookDelay
	}

	var lastErr error
	for attempt := 0; attempt <= ep.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, method, ep.URL, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, err
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
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			decision := &webhookDecision{}
			if json.Unmarshal(raw, decision) != nil || decision.Decision == "" {
				return nil, nil
			}
			return decision, nil
		case resp.StatusCode < 500:
			return nil, gerrors.New(gerrors.KindValidationFailed,
				"webhook returned %d", resp.StatusCode)
		default:
			lastErr = gerrors.New(gerrors.KindTransient,
				"webhook returned %d", resp.StatusCode)
		}
	}
	return nil, lastErr
}
