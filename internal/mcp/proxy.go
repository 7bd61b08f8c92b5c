// Package mcp forwards /mcp/* requests to a local MCP gateway unchanged.
// Gobby does not speak the MCP protocol itself; CLI tooling expects the
// daemon port to expose these paths.
package mcp

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
)

// Proxy is a reverse proxy stripping the /mcp prefix.
type Proxy struct {
	proxy  *httputil.ReverseProxy
	logger logging.Logger
}

// NewProxy builds a proxy to baseURL. An empty baseURL returns (nil, nil)
// and the server leaves the routes unregistered.
func NewProxy(baseURL string, logger logging.Logger) (*Proxy, error) {
	if baseURL == "" {
		return nil, nil
	}
	target, err := url.Parse(baseURL)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindValidationFailed, err, "mcp base_url")
	}
	logger = logging.OrNop(logger)

	rp := httputil.NewSingleHostReverseProxy(target)
	baseDirector := rp.Director
	rp.Director = func(req *http.Request) {
		baseDirector(req)
		req.URL.Path = strings.TrimPrefix(req.URL.Path, "/mcp")
		if req.URL.Path == "" {
			req.URL.Path = "/"
		}
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("mcp proxy %s: %v", r.URL.Path, err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return &Proxy{proxy: rp, logger: logger}, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}
