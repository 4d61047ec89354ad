package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const (
	// DefaultTimeout bounds each provider HTTP request
	DefaultTimeout = 30 * time.Second

	maxResponseSize = 16 << 20
)

// NewHTTPClient returns a pooled client suitable for provider calls
func NewHTTPClient() *http.Client {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = DefaultTimeout
	return client
}

// Transport performs JSON requests against one provider's API and maps
// failures onto *Error values.
type Transport struct {
	name   string
	client *http.Client

	// NotFound decides whether a non-2xx response means the requested
	// resource does not exist. Defaults to HTTP 404.
	NotFound func(status int, body []byte) bool
}

// NewTransport creates a transport for the named provider. A nil client
// gets a pooled default.
func NewTransport(name string, client *http.Client) *Transport {
	if client == nil {
		client = NewHTTPClient()
	}
	return &Transport{
		name:   name,
		client: client,
	}
}

// GetJSON issues a GET and decodes the response into out. A not-found
// response returns an *Error wrapping ErrNotFound.
func (t *Transport) GetJSON(ctx context.Context, op, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Errorf(t.name, op, "create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return t.do(req, op, out)
}

// PostJSON issues a POST with body encoded as JSON and decodes the response
// into out
func (t *Transport) PostJSON(ctx context.Context, op, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return Errorf(t.name, op, "marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Errorf(t.name, op, "create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return t.do(req, op, out)
}

func (t *Transport) do(req *http.Request, op string, out interface{}) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return Errorf(t.name, op, "%w: %w", ErrRequestFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Errorf(t.name, op, "%w: read body: %w", ErrRequestFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if t.isNotFound(resp.StatusCode, body) {
			return &Error{Provider: t.name, Op: op, Err: ErrNotFound}
		}
		return Errorf(t.name, op, "%w: HTTP %d: %s", ErrRequestFailed, resp.StatusCode, truncate(body, 512))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Errorf(t.name, op, "%w: decode response: %w", ErrInvalidResponse, err)
	}
	return nil
}

func (t *Transport) isNotFound(status int, body []byte) bool {
	if t.NotFound != nil {
		return t.NotFound(status, body)
	}
	return status == http.StatusNotFound
}

// IsNotFound reports whether err signals a missing transaction or block
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
