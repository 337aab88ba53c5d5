// Package gateway sends every REST call on behalf of the client. It stamps
// the current access token at send time and recovers from 401 responses with
// a single shared token refresh.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/diagchat/internal/types"
)

// Credentials is the token authority as seen by the gateway.
type Credentials interface {
	AccessToken() string
	Refresh(ctx context.Context) (types.TokenPair, error)
}

// Request is a replayable description of an HTTP call. The gateway never
// mutates it.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Header      http.Header
	Body        []byte
	ContentType string
}

// JSONRequest builds a request with v encoded as its JSON body.
func JSONRequest(method, path string, v any) (*Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return &Request{Method: method, Path: path, Body: body, ContentType: "application/json"}, nil
}

// FormRequest builds a form-encoded request.
func FormRequest(method, path string, form url.Values) *Request {
	return &Request{
		Method:      method,
		Path:        path,
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
	}
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// call carries a request through the retry path.
type call struct {
	req     *Request
	attempt int
}

// Config holds gateway settings.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	MaxConcurrent int64
	HTTPClient    *http.Client
}

// Gateway performs authenticated REST calls.
type Gateway struct {
	baseURL string
	client  *http.Client
	creds   Credentials
	sem     *semaphore.Weighted

	mu         sync.Mutex
	refreshing bool
	pending    PendingQueue
}

// New creates a Gateway for cfg using creds for the bearer token.
func New(cfg Config, creds Credentials) *Gateway {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	concurrency := cfg.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Gateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		creds:   creds,
		sem:     semaphore.NewWeighted(concurrency),
	}
}

// BaseURL returns the API base URL without a trailing slash.
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// Do sends req and returns its response. Non-2xx responses are returned as
// *RequestError. A 401 is answered at most once per request by replaying it
// after a token refresh; concurrent 401s share a single refresh.
func (g *Gateway) Do(ctx context.Context, req *Request) (*Response, error) {
	c := call{req: req}
	for {
		resp, sent, err := g.send(ctx, c)
		if err != nil {
			return nil, err
		}
		if resp.Status >= 200 && resp.Status < 300 {
			return resp, nil
		}
		reqErr := newRequestError(req, resp)
		if resp.Status != http.StatusUnauthorized || skipRefresh(req.Path) || c.attempt > 0 {
			return nil, reqErr
		}

		c.attempt++
		if current := g.creds.AccessToken(); current != "" && current != sent {
			slog.Debug("replaying with newer token", "method", req.Method, "path", req.Path)
			continue
		}
		if err := g.awaitRefresh(ctx); err != nil {
			return nil, errors.Join(reqErr, err)
		}
	}
}

// awaitRefresh starts a refresh, or parks behind the one in flight, and
// returns its outcome.
func (g *Gateway) awaitRefresh(ctx context.Context) error {
	g.mu.Lock()
	if g.refreshing {
		done := g.pending.Enqueue()
		g.mu.Unlock()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.refreshing = true
	g.mu.Unlock()

	_, err := g.creds.Refresh(context.WithoutCancel(ctx))

	g.mu.Lock()
	released := g.pending.Settle(err)
	g.refreshing = false
	g.mu.Unlock()

	if err != nil {
		slog.Warn("refresh failed, rejecting queued requests", "queued", released, "error", err)
	} else {
		slog.Debug("refresh settled", "queued", released)
	}
	return err
}

func skipRefresh(path string) bool {
	return strings.Contains(path, "/auth/refresh") || strings.Contains(path, "/auth/login")
}

// send performs one HTTP round trip for c. It returns the access token that
// was stamped on the request.
func (g *Gateway) send(ctx context.Context, c call) (*Response, string, error) {
	req := c.req
	target := g.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	requestID := types.NewRequestID()
	httpReq.Header.Set("X-Request-ID", string(requestID))

	token := g.creds.AccessToken()
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, token, err
	}
	defer g.sem.Release(1)

	start := time.Now()
	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, token, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, token, fmt.Errorf("%s %s: read body: %w", req.Method, req.Path, err)
	}

	slog.Debug("api request",
		"method", req.Method,
		"path", req.Path,
		"status", httpResp.StatusCode,
		"attempt", c.attempt,
		"request_id", string(requestID),
		"duration", time.Since(start),
	)

	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}, token, nil
}
