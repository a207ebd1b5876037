package telegramapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jdelaire/telebots/core"
)

const (
	DefaultBaseURL = "https://api.telegram.org"
	defaultTimeout = 10 * time.Second
)

// APIError is a non-OK reply from the Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %ds)", e.RetryAfter)
	}
	return msg
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Client issues Bot API calls. It owns the HTTP client, the proxy and the
// default per-call timeout. Calls whose context already has a deadline keep
// it.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the Bot API base URL (for testing).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithProxy routes every request through an HTTP(S) or SOCKS5 proxy.
func WithProxy(proxy *url.URL) Option {
	return func(c *Client) {
		if proxy == nil {
			return
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.Proxy = http.ProxyURL(proxy)
		c.http = &http.Client{Transport: tr}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the timeout applied to calls without a deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a Client for the given bot token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		http:    &http.Client{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call posts params as JSON to method and decodes the result into out
// (which may be nil). Failures are returned as *core.TransportError.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return &core.EncodingError{Field: method, Err: err}
	}
	return c.post(ctx, method, "application/json", bytes.NewReader(body), out)
}

// CallMultipart posts an already-encoded multipart body. The body is
// streamed; it is read until EOF or until the request fails.
func (c *Client) CallMultipart(ctx context.Context, method, contentType string, body io.Reader, out any) error {
	return c.post(ctx, method, contentType, body, out)
}

func (c *Client) post(ctx context.Context, method, contentType string, body io.Reader, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return &core.TransportError{Op: method, Err: c.redact(err)}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return &core.TransportError{Op: method, Err: c.redact(err)}
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &core.TransportError{Op: method, Err: &APIError{Method: method, Code: resp.StatusCode, Description: resp.Status}}
		}
		return &core.TransportError{Op: method, Err: fmt.Errorf("decode response: %w", err)}
	}

	if !env.OK || resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if env.Parameters != nil {
			apiErr.RetryAfter = env.Parameters.RetryAfter
		}
		return &core.TransportError{Op: method, Err: apiErr}
	}

	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &core.TransportError{Op: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// redact strips the bot token from URL errors so it never reaches logs.
func (c *Client) redact(err error) error {
	var urlErr *url.Error
	if c.token == "" || !errors.As(err, &urlErr) {
		return err
	}
	return &url.Error{
		Op:  urlErr.Op,
		URL: strings.ReplaceAll(urlErr.URL, c.token, "<redacted>"),
		Err: urlErr.Err,
	}
}
