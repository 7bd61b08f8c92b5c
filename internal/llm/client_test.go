package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/config"
	gerrors "gobby/internal/errors"
)

func TestNewReturnsNilWithoutEndpoint(t *testing.T) {
	assert.Nil(t, New(config.LLMConfig{}, nil))
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "  the answer \n"}},
			},
		})
	}))
	defer srv.Close()

	c := New(config.LLMConfig{BaseURL: srv.URL + "/v1/", Model: "test-model", APIKey: "secret"}, nil)
	require.NotNil(t, c)

	got, err := c.Complete(context.Background(), "be brief", "what is the answer")
	require.NoError(t, err)
	assert.Equal(t, "the answer", got)
}

func TestCompleteServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(config.LLMConfig{BaseURL: srv.URL}, nil)
	_, err := c.Complete(context.Background(), "", "hi")
	assert.True(t, gerrors.IsTransient(err))
}

func TestCompleteClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer srv.Close()

	c := New(config.LLMConfig{BaseURL: srv.URL}, nil)
	_, err := c.Complete(context.Background(), "", "hi")
	assert.True(t, gerrors.IsKind(err, gerrors.KindValidationFailed))
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := New(config.LLMConfig{BaseURL: srv.URL}, nil)
	_, err := c.Complete(context.Background(), "", "hi")
	assert.Error(t, err)
}
