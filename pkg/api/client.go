// Package api is the typed client for the diagnostics backend REST API. All
// calls go through the gateway, so they carry the current access token and
// share its refresh handling.
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/user/diagchat/internal/auth"
	"github.com/user/diagchat/internal/gateway"
	"github.com/user/diagchat/internal/types"
)

// Client implements the backend endpoints on top of a gateway.
type Client struct {
	gw *gateway.Gateway
}

var _ auth.Authenticator = (*Client)(nil)

// New creates a client that sends through gw.
func New(gw *gateway.Gateway) *Client {
	return &Client{gw: gw}
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (types.TokenPair, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	resp, err := c.gw.Do(ctx, gateway.FormRequest(http.MethodPost, "/v1/auth/login", form))
	if err != nil {
		return types.TokenPair{}, err
	}
	return decodeTokens(resp)
}

// Refresh exchanges refreshToken for a new pair. The token travels in the
// refresh_token cookie. An omitted refresh token in the response is returned
// as "".
func (c *Client) Refresh(ctx context.Context, refreshToken string) (types.TokenPair, error) {
	req := &gateway.Request{
		Method: http.MethodPost,
		Path:   "/v1/auth/refresh",
		Header: http.Header{},
	}
	req.Header.Set("Cookie", (&http.Cookie{Name: "refresh_token", Value: refreshToken}).String())

	resp, err := c.gw.Do(ctx, req)
	if err != nil {
		return types.TokenPair{}, err
	}
	return decodeTokens(resp)
}

func decodeTokens(resp *gateway.Response) (types.TokenPair, error) {
	var tr types.TokenResponse
	if err := resp.Decode(&tr); err != nil {
		return types.TokenPair{}, err
	}
	return types.TokenPair{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}, nil
}

// ListThreads returns the threads matching filter.
func (c *Client) ListThreads(ctx context.Context, filter ThreadFilter) ([]types.Thread, error) {
	resp, err := c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   "/v1/chat/threads",
		Query:  filter.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	var out threadList
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

// CreateThread starts a new conversation.
func (c *Client) CreateThread(ctx context.Context, nt types.NewThread) (*types.Thread, error) {
	req, err := gateway.JSONRequest(http.MethodPost, "/v1/chat/threads", nt)
	if err != nil {
		return nil, err
	}
	resp, err := c.gw.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	var thread types.Thread
	if err := resp.Decode(&thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// GetThread returns a thread with its full history.
func (c *Client) GetThread(ctx context.Context, id types.ThreadID) (*ThreadDetail, error) {
	resp, err := c.gw.Do(ctx, &gateway.Request{Method: http.MethodGet, Path: threadPath(id)})
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	var detail ThreadDetail
	if err := resp.Decode(&detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// UpdateThread applies a version-checked edit. A stale version yields an
// error matching gateway.ErrConflict.
func (c *Client) UpdateThread(ctx context.Context, id types.ThreadID, update ThreadUpdate) (*types.Thread, error) {
	req, err := gateway.JSONRequest(http.MethodPatch, threadPath(id), update)
	if err != nil {
		return nil, err
	}
	resp, err := c.gw.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("update thread %s: %w", id, err)
	}
	var thread types.Thread
	if err := resp.Decode(&thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// SendMessage posts a message over REST and returns the resulting exchange.
func (c *Client) SendMessage(ctx context.Context, id types.ThreadID, msg SendMessageRequest) (*Exchange, error) {
	req, err := gateway.JSONRequest(http.MethodPost, threadPath(id)+"/messages", msg)
	if err != nil {
		return nil, err
	}
	resp, err := c.gw.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	var ex Exchange
	if err := resp.Decode(&ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

// ListWorkshops returns the workshops the user belongs to.
func (c *Client) ListWorkshops(ctx context.Context) ([]types.Workshop, error) {
	resp, err := c.gw.Do(ctx, &gateway.Request{Method: http.MethodGet, Path: "/v1/workshops/"})
	if err != nil {
		return nil, fmt.Errorf("list workshops: %w", err)
	}
	var out workshopList
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return out.Workshops, nil
}

// RemainingTokens returns the usage snapshot for the user and, when
// workshopID is set, the workshop.
func (c *Client) RemainingTokens(ctx context.Context, workshopID types.WorkshopID) (*types.TokenUsage, error) {
	q := url.Values{}
	if workshopID != "" {
		q.Set("workshop_id", string(workshopID))
	}
	resp, err := c.gw.Do(ctx, &gateway.Request{Method: http.MethodGet, Path: "/v1/tokens/remaining", Query: q})
	if err != nil {
		return nil, fmt.Errorf("remaining tokens: %w", err)
	}
	var out remainingTokens
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return &out.Remaining, nil
}

func threadPath(id types.ThreadID) string {
	return "/v1/chat/threads/" + url.PathEscape(string(id))
}
