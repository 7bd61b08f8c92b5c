// Package llm is the narrow completion port the daemon uses for title
// synthesis, prompt pipeline steps and memory extraction. Only an
// OpenAI-compatible chat endpoint is implemented; the provider is
// configuration.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gobby/internal/config"
	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
)

const defaultTimeout = 60 * time.Second

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	cfg    config.LLMConfig
	client *http.Client
	logger logging.Logger
}

// New constructs a client. Returns nil when no endpoint is configured;
// callers treat a nil client as "LLM unavailable".
func New(cfg config.LLMConfig, logger logging.Logger) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logging.OrNop(logger),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one system+user exchange and returns the assistant text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages})
	if err != nil {
		return "", err
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", gerrors.Wrap(gerrors.KindTransient, err, "llm request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", gerrors.Wrap(gerrors.KindTransient, err, "llm response")
	}
	if resp.StatusCode >= 500 {
		return "", gerrors.New(gerrors.KindTransient, "llm returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", gerrors.New(gerrors.KindValidationFailed, "llm returned %d: %s",
			resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if parsed.Error != nil {
		return "", gerrors.New(gerrors.KindInternal, "llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", gerrors.New(gerrors.KindInternal, "llm returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
