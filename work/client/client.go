package client

import (
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"kyt-gateway/work/config"
	"kyt-gateway/work/vault"
)

// HeaderSettingClient wraps http.Client to automatically set the browser-like
// headers the upstream expects, rotating user agents per request and routing
// through the vault's proxy list when one is configured.
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
	uaIdx  atomic.Uint64
}

// NewHeaderSettingClient builds the shared upstream HTTP client. The overall
// timeout stays at zero because media pulls are long-lived; only the response
// header wait is bounded.
func NewHeaderSettingClient(cfg *config.Config, v *vault.Vault) *HeaderSettingClient {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     false,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	if v != nil && v.ProxyCount() > 0 {
		// Pick a proxy per request so long-lived transports still rotate.
		transport.Proxy = func(*http.Request) (*url.URL, error) {
			p := v.NextProxy()
			if p == "" {
				return nil, nil
			}
			return url.Parse(p)
		}
	}

	return &HeaderSettingClient{
		Client: &http.Client{
			Timeout:   0, // No overall timeout for streaming
			Transport: transport,
		},
		config: cfg,
	}
}

// Do applies the standard header set and dispatches the request.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.nextUserAgent())
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", hsc.config.UpstreamBase+"/")
}

// nextUserAgent rotates through the configured user agent list. Rotation,
// not randomness: deterministic spread keeps any single agent from
// dominating the request pattern.
func (hsc *HeaderSettingClient) nextUserAgent() string {
	agents := hsc.config.UserAgents
	if len(agents) == 0 {
		return "Mozilla/5.0"
	}
	idx := hsc.uaIdx.Add(1) - 1
	return agents[idx%uint64(len(agents))]
}

// CustomResponseWriter wraps http.ResponseWriter to track header state and
// implement Flusher for chunked delivery.
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{
		ResponseWriter: w,
		WroteHeader:    false,
		statusCode:     0,
	}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}

	crw.Header().Set("Cache-Control", "no-cache")

	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	return crw.ResponseWriter.Write(b)
}

// StatusCode returns the status written so far, defaulting to 200.
func (crw *CustomResponseWriter) StatusCode() int {
	if crw.statusCode == 0 {
		return http.StatusOK
	}
	return crw.statusCode
}

// Flush implements http.Flusher.
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
