package invocables

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tessaro/chainkit/internal/engine"
	"github.com/tessaro/chainkit/pkg/schema"
)

// HTTPConfig configures the http.probe handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 1 << 20 // 1MB; probes only need headers and a snippet
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPProbe implements the "http.probe" handler: issue a request against the
// step's target (or bound service endpoint) and report status, latency and a
// body snippet.
//
// Params:
//
//	url       — explicit URL; defaults to the live service endpoint, then
//	            "https://<target>"
//	method    — GET (default) or HEAD
//	path      — appended to the derived URL
//	headers   — map of header name → value
//	timeout   — per-probe timeout (e.g. "5s")
//	tls_skip_verify      — accept self-signed certs (lab targets)
//	fail_on_error_status — treat HTTP >= 400 as a handler failure
type HTTPProbe struct {
	config HTTPConfig
}

// NewHTTPProbe creates the http.probe handler.
func NewHTTPProbe(cfg HTTPConfig) *HTTPProbe {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPProbe{config: cfg}
}

func (h *HTTPProbe) Name() string { return "http.probe" }

func (h *HTTPProbe) Invoke(ctx context.Context, inv engine.Invocation) (*engine.Result, error) {
	params := inv.Params
	if params == nil {
		params = map[string]any{}
	}

	rawURL, err := h.resolveURL(inv, params)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	if method != http.MethodGet && method != http.MethodHead {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"http.probe: unsupported method %q", method)
	}

	timeout := durationParam(params, "timeout", h.config.DefaultTimeout)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.probe: failed to build request").WithCause(err)
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	// Fresh transport per call: tls_skip_verify must not leak into other probes.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(params, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerFailed,
			"http.probe: request to %s failed", rawURL).WithCause(err)
	}
	defer resp.Body.Close()

	snippet, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeHandlerFailed, "http.probe: failed to read response").WithCause(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	output := map[string]any{
		"url":          rawURL,
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"content_type": resp.Header.Get("Content-Type"),
		"headers":      headers,
		"body":         string(snippet),
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	if boolParam(params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerFailed,
			"http.probe: %s returned %s", rawURL, resp.Status)
	}

	return &engine.Result{Output: output}, nil
}

// resolveURL derives the probe URL from the explicit param, the live service
// endpoint, or the step target, in that order.
func (h *HTTPProbe) resolveURL(inv engine.Invocation, params map[string]any) (string, error) {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		switch {
		case inv.Endpoint != "":
			rawURL = inv.Endpoint
		case inv.Target != "":
			rawURL = "https://" + inv.Target
		default:
			return "", schema.NewError(schema.ErrCodeValidation,
				"http.probe: no url param, service endpoint or target")
		}
		if p := stringParam(params, "path", ""); p != "" {
			rawURL = strings.TrimRight(rawURL, "/") + "/" + strings.TrimLeft(p, "/")
		}
	}

	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "http.probe: invalid url %q", rawURL)
	}
	return rawURL, nil
}
