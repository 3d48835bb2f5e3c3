package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/steward/internal/classifier"
	"github.com/rendis/steward/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxRedirects    = 10
)

// HTTPConfig configures the http.request executor.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Transport       http.RoundTripper
}

// HTTPExecutor implements "http.request".
//
// Params: url (required), method, headers, body, body_encoding (json|form|text),
// auth {type: bearer|basic|api_key, ...}, timeout, fail_on_error_status
// (default true: any non-2xx status fails the step).
type HTTPExecutor struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPExecutor creates an http.request executor.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &HTTPExecutor{
		config: cfg,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= defaultMaxRedirects {
					return fmt.Errorf("stopped after %d redirects", defaultMaxRedirects)
				}
				return nil
			},
		},
	}
}

func (e *HTTPExecutor) Kind() schema.ActionKind { return classifier.KindHTTPRequest }

func (e *HTTPExecutor) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	params := sc.Params
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeExecutor, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "http.request: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	body, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, durationParam(params, "timeout", e.config.DefaultTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "http.request: build request: %s", err.Error()).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapParam(params, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
	applyAuth(req, mapParam(params, "auth"))

	start := time.Now()
	resp, err := e.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "http.request: request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "http.request: read response: %s", err.Error()).WithCause(err)
	}

	respType := resp.Header.Get("Content-Type")
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         decodeBody(raw, respType),
		"content_type": respType,
		"duration_ms":  elapsed.Milliseconds(),
	}

	if boolParam(params, "fail_on_error_status", true) && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "http.request: %s %s returned %d", method, rawURL, resp.StatusCode).
			WithDetails(out)
	}
	return JSONResult(e.Kind(), out)
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, "", errors.New("http.request: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", raw)), "text/plain", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeExecutor, "http.request: marshal body: %s", err.Error()).WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func applyAuth(req *http.Request, auth map[string]any) {
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}
