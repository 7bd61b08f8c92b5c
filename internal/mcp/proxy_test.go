package mcp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProxyDisabledWithoutBaseURL(t *testing.T) {
	p, err := NewProxy("", nil)
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestNewProxyRejectsBadURL(t *testing.T) {
	_, err := NewProxy("://not-a-url", nil)
	assert.Error(t, err)
}

func TestProxyStripsPrefix(t *testing.T) {
	var seen []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Path)
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	p, err := NewProxy(backend.URL, nil)
	require.NoError(t, err)

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/mcp/tools/list")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(front.URL + "/mcp")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"/tools/list", "/"}, seen)
}
