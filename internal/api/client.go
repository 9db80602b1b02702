// Package api is the typed client for the chat backend's REST surface.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/gate"
	"github.com/ashureev/chatlink/internal/identity"
	"github.com/ashureev/chatlink/internal/offline"
)

// Sessions is the write side of the credential store, used only by login and logout.
type Sessions interface {
	Establish(token, csrf string) error
	Clear()
}

var _ Sessions = (*identity.Accessor)(nil)

// LoginResponse is the body returned by POST /auth/login.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	CSRFToken   string    `json:"csrf_token"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Client issues chat requests through the offline and retry layer.
type Client struct {
	http     *offline.Client
	sessions Sessions
	logger   *slog.Logger
}

// New creates a client.
func New(oc *offline.Client, sessions Sessions, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: oc, sessions: sessions, logger: logger}
}

// PostChat sends env to POST /chat. The reply carries either a response or a task handle.
func (c *Client) PostChat(ctx context.Context, env domain.RequestEnvelope) (domain.ChatReply, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return domain.ChatReply{}, fmt.Errorf("encode chat request: %w", err)
	}
	resp, err := c.http.Send(ctx, http.MethodPost, "/chat", body)
	if err != nil {
		return domain.ChatReply{}, err
	}
	var reply domain.ChatReply
	if err := resp.Decode(&reply); err != nil {
		return domain.ChatReply{}, fmt.Errorf("decode chat reply: %w", err)
	}
	return reply, nil
}

// TaskStatus reads GET /chat/status/{task_id} with one attempt. While offline
// the last cached status is returned.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (domain.TaskStatusResponse, error) {
	res, err := c.http.GetOnce(ctx, "/chat/status/"+url.PathEscape(taskID))
	if err != nil {
		return domain.TaskStatusResponse{}, err
	}
	var out domain.TaskStatusResponse
	if err := json.Unmarshal(res.Body, &out); err != nil {
		return domain.TaskStatusResponse{}, fmt.Errorf("decode task status: %w", err)
	}
	if res.FromCache {
		c.logger.Debug("Serving cached task status", "task_id", taskID, "fetched_at", res.FetchedAt)
	}
	return out, nil
}

// Login posts to /auth/login and installs the returned credential.
func (c *Client) Login(ctx context.Context, userID string) (LoginResponse, error) {
	body, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return LoginResponse{}, fmt.Errorf("encode login request: %w", err)
	}
	resp, err := c.http.Send(ctx, http.MethodPost, gate.AuthPathPrefix+"login", body)
	if err != nil {
		return LoginResponse{}, err
	}
	var out LoginResponse
	if err := resp.Decode(&out); err != nil {
		return LoginResponse{}, fmt.Errorf("decode login response: %w", err)
	}
	if err := c.sessions.Establish(out.AccessToken, out.CSRFToken); err != nil {
		return LoginResponse{}, fmt.Errorf("establish session: %w", err)
	}
	c.logger.Info("Logged in", "user_id", out.UserID, "session_id", out.SessionID)
	return out, nil
}

// Logout ends the server session and clears local credentials. Local
// credentials are cleared even when the request fails.
func (c *Client) Logout(ctx context.Context) error {
	defer c.sessions.Clear()
	if _, err := c.http.Send(ctx, http.MethodPost, gate.AuthPathPrefix+"logout", nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
