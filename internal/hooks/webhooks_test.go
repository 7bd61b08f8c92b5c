package hooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"gobby/internal/config"
)

func TestWebhookEventFilter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := NewWebhookClient(nil)
	endpoints := []config.HookWebhook{
		{URL: srv.URL, Events: []string{"BEFORE_TOOL"}},
	}

	c.Fire(context.Background(), endpoints, &Event{Type: BeforeAgent}, Allow())
	assert.Equal(t, int32(0), calls.Load())

	c.Fire(context.Background(), endpoints, &Event{Type: BeforeTool}, Allow())
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookNonBlockingEndpointCannotOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"decision":"block","reason":"ignored"}`))
	}))
	defer srv.Close()

	c := NewWebhookClient(nil)
	override := c.Fire(context.Background(), []config.HookWebhook{
		{URL: srv.URL, CanBlock: false},
	}, &Event{Type: BeforeTool}, Allow())
	assert.Nil(t, override)
}

func TestWebhookFirstBlockWins(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"decision":"deny","reason":"first"}`))
	}))
	defer first.Close()
	var secondCalled atomic.Bool
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondCalled.Store(true)
		w.Write([]byte(`{"decision":"deny","reason":"second"}`))
	}))
	defer second.Close()

	c := NewWebhookClient(nil)
	override := c.Fire(context.Background(), []config.HookWebhook{
		{URL: first.URL, CanBlock: true},
		{URL: second.URL, CanBlock: true},
	}, &Event{Type: BeforeTool}, Allow())
	if assert.NotNil(t, override) {
		assert.Equal(t, "first", override.Reason)
	}
	// Later endpoints still receive the event.
	assert.True(t, secondCalled.Load())
}

func TestWebhookRetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"decision":"allow"}`))
	}))
	defer srv.Close()

	c := NewWebhookClient(nil)
	decision, err := c.deliver(context.Background(), config.HookWebhook{
		URL:        srv.URL,
		RetryCount: 3,
		RetryDelay: 1,
	}, map[string]any{})
	assert.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	if assert.NotNil(t, decision) {
		assert.Equal(t, "allow", decision.Decision)
	}
}

func TestWebhook4xxIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewWebhookClient(nil)
	_, err := c.deliver(context.Background(), config.HookWebhook{
		URL:        srv.URL,
		RetryCount: 5,
		RetryDelay: 1,
	}, map[string]any{})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
