// Package gate implements the synchronous pre-flight in front of every HTTP call.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/chatlink/internal/identity"
	"github.com/ashureev/chatlink/internal/metrics"
	"github.com/ashureev/chatlink/internal/shared"
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 4 << 10

// AuthPathPrefix marks authentication endpoints, which skip the validity pre-check.
const AuthPathPrefix = "/auth/"

// Tokens is the part of the accessor the gate depends on.
type Tokens interface {
	GetToken() (string, error)
	CSRFToken() string
	IsSessionValid() bool
	Invalidate(reason string) bool
	Generation() uint64
}

var _ Tokens = (*identity.Accessor)(nil)

// Gate attaches credentials to outbound requests and translates failures.
type Gate struct {
	client  *http.Client
	base    *url.URL
	tokens  Tokens
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a gate issuing requests against base. client should carry the
// cookie jar shared with the accessor so the credentials cookie is always sent.
func New(client *http.Client, base *url.URL, tokens Tokens, m *metrics.Metrics, logger *slog.Logger) *Gate {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		client:  client,
		base:    base,
		tokens:  tokens,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Response is a successful (2xx) response with its body read.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// URL resolves path against the configured origin.
func (g *Gate) URL(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return g.base.String() + path
	}
	return g.base.ResolveReference(ref).String()
}

// Call issues method path with an optional body and returns the 2xx response,
// or a *shared.Error describing why it failed.
func (g *Gate) Call(ctx context.Context, method, path string, body []byte) (*Response, error) {
	isAuth := strings.HasPrefix(path, AuthPathPrefix)

	if !isAuth && !g.tokens.IsSessionValid() {
		g.tokens.Invalidate("session expired before request")
		return nil, shared.SessionExpired()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.URL(path), reader)
	if err != nil {
		return nil, shared.InvalidRequest("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok, err := g.tokens.GetToken(); err == nil {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if csrf := g.tokens.CSRFToken(); csrf != "" {
		req.Header.Set(identity.CSRFHeaderName, csrf)
	}

	gen := g.tokens.Generation()
	resp, err := g.client.Do(req)
	if err != nil {
		g.metrics.ObserveHTTP(method, 0)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, shared.Network(err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			g.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()
	g.metrics.ObserveHTTP(method, resp.StatusCode)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, shared.Network(err)
		}
		if !isAuth && g.tokens.Generation() != gen {
			// The session was lost while this request was in flight.
			g.logger.Debug("Discarding response that outlived its session", "path", path)
			return nil, shared.SessionExpired()
		}
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := shared.FromStatus(resp.StatusCode, g.retryAfter(resp.Header), errorMessage(data))

	if resp.StatusCode == http.StatusUnauthorized && !isAuth {
		if g.tokens.Invalidate("server rejected credential") {
			g.logger.Info("Server-side session expiry reconciled", "path", path)
		}
	}
	g.logger.Debug("Request failed", "method", method, "path", path, "status", resp.StatusCode, "kind", apiErr.Kind)
	return nil, apiErr
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func (g *Gate) retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(g.now()); d > 0 {
			return d
		}
	}
	return 0
}

// errorMessage pulls {"error": "..."} or {"detail": "..."} out of an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	if payload.Error != "" {
		return payload.Error
	}
	return payload.Detail
}
