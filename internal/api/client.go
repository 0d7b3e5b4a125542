// Package api is the REST client for the asset/RMA backend. Every request
// carries the session bearer token; a 401 anywhere triggers the configured
// unauthorized handler (global logout).
package api

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

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/errs"
)

const maxBody = 8 << 20

// TokenSource yields the current bearer token ("" when logged out).
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a func to TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Error is a non-2xx response. Kind is one of the errs sentinels.
type Error struct {
	Status  int
	Method  string
	Path    string
	Message string
	Kind    error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

// KindForStatus maps an HTTP status to an errs sentinel.
func KindForStatus(code int) error {
	switch {
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return errs.ErrValidation
	case code == http.StatusUnauthorized:
		return errs.ErrUnauthorized
	case code == http.StatusForbidden:
		return errs.ErrForbidden
	case code == http.StatusNotFound, code == http.StatusGone:
		return errs.ErrNotFound
	case code == http.StatusConflict:
		return errs.ErrConflict
	case code == http.StatusTooManyRequests:
		return errs.ErrRateLimited
	default:
		return errs.ErrServer
	}
}

// Client talks to the backend. Safe for concurrent use.
type Client struct {
	base           string
	http           *http.Client
	tokens         TokenSource
	log            *zap.Logger
	onUnauthorized func()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default transport-level client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithUnauthorizedHandler sets the callback fired on every 401.
func WithUnauthorizedHandler(fn func()) Option { return func(c *Client) { c.onUnauthorized = fn } }

// New constructs a client for baseURL (scheme://host[:port][/prefix]).
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api: base url %q: scheme must be http or https", baseURL)
	}
	if tokens == nil {
		tokens = TokenFunc(func() string { return "" })
	}
	c := &Client{
		base:   u.String(),
		http:   &http.Client{},
		tokens: tokens,
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.base }

// SetUnauthorizedHandler replaces the 401 callback after construction.
func (c *Client) SetUnauthorizedHandler(fn func()) { c.onUnauthorized = fn }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Accept", "application/json")
	if rid, err := uuid.NewV4(); err == nil {
		req.Header.Set("X-Request-ID", rid.String())
	}
	return req, nil
}

// send executes req and returns the response for 2xx; otherwise it drains
// the body into an *Error.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.log.Warn("api: transport error",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s %s: %v", errs.ErrNetwork, req.Method, req.URL.Path, err)
	}
	c.log.Debug("api",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
		zap.String("request_id", req.Header.Get("X-Request-ID")),
	)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	apiErr := &Error{
		Status:  resp.StatusCode,
		Method:  req.Method,
		Path:    req.URL.Path,
		Message: errorMessage(b),
		Kind:    KindForStatus(resp.StatusCode),
	}
	if errors.Is(apiErr, errs.ErrUnauthorized) && c.onUnauthorized != nil {
		c.log.Info("api: unauthorized, ending session", zap.String("path", req.URL.Path))
		c.onUnauthorized()
	}
	return nil, apiErr
}

func errorMessage(b []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// do sends a JSON request and decodes the response into out (if non-nil).
// It reports whether the response carried a body that was decoded.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (bool, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return false, err
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return false, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out any) (bool, error) {
	resp, err := c.send(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return false, fmt.Errorf("%w: read body: %v", errs.ErrNetwork, err)
	}
	if out == nil {
		return false, nil
	}
	return decodeBody(b, out)
}

// decodeBody accepts {"data": X} envelopes or a bare X.
func decodeBody(b []byte, out any) (bool, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return false, nil
	}
	if b[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(b, &env); err == nil && len(env.Data) > 0 {
			if string(env.Data) == "null" {
				return false, nil
			}
			b = env.Data
		}
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("%w: decode response: %v", errs.ErrServer, err)
	}
	return true, nil
}

func escape(id string) string { return url.PathEscape(id) }
