package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpTask is the `kind=http` task shape: method, url, headers, and an
// optional body, rendered against the step's scope before Execute sees it.
type httpTask struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Timeout int               `json:"timeout_ms,omitempty"`
}

type httpResult struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
}

// HTTP is the `kind=http` plugin: issues one HTTP request and returns its
// status code, headers, and body. Adapted from the teacher's
// graph/tool/http.go HTTPTool — same single-request shape, generalized
// from a map[string]interface{} LLM-tool-call payload to a rendered
// playbook task and from GET/POST-only to any method.
type HTTP struct {
	client *http.Client
}

// NewHTTP builds an HTTP plugin with the given default timeout.
func NewHTTP(defaultTimeout time.Duration) *HTTP {
	return &HTTP{client: &http.Client{Timeout: defaultTimeout}}
}

func (h *HTTP) Kind() string { return "http" }

func (h *HTTP) Execute(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
	var t httpTask
	if err := json.Unmarshal(task, &t); err != nil {
		return nil, Fatal(fmt.Errorf("http: decode task: %w", err))
	}
	if t.URL == "" {
		return nil, Fatal(fmt.Errorf("http: url is required"))
	}
	method := strings.ToUpper(t.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(t.Body) > 0 {
		body = bytes.NewReader(t.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.URL, body)
	if err != nil {
		return nil, Fatal(fmt.Errorf("http: build request: %w", err))
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Retryable(fmt.Errorf("http: do request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Retryable(fmt.Errorf("http: read body: %w", err))
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	bodyJSON := respBody
	if !json.Valid(bodyJSON) {
		encoded, marshalErr := json.Marshal(string(respBody))
		if marshalErr != nil {
			return nil, Fatal(fmt.Errorf("http: encode body: %w", marshalErr))
		}
		bodyJSON = encoded
	}

	result, err := json.Marshal(httpResult{StatusCode: resp.StatusCode, Headers: headers, Body: bodyJSON})
	if err != nil {
		return nil, Fatal(fmt.Errorf("http: marshal result: %w", err))
	}

	// An HTTP 5xx is not a plugin failure — the transport succeeded and
	// returned a response. Whether a status code counts as retryable is a
	// step-level retry_when decision the worker evaluates against this
	// result, not something this plugin decides for itself.
	return result, nil
}
