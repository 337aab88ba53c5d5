// Package realtime maintains the live connection for the active
// conversation. A Channel dials the chat socket, reconnects with exponential
// backoff after abnormal closures and publishes connection events and
// inbound frames to its subscribers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"

	"github.com/user/diagchat/internal/event"
	"github.com/user/diagchat/internal/types"
)

var (
	// ErrNotAuthenticated means no access token was available. It is never
	// retried.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNotConnected is returned by Send unless the channel is connected.
	ErrNotConnected = errors.New("channel not connected")
	// ErrConnectionFailed is published once reconnect attempts are exhausted.
	ErrConnectionFailed = errors.New("connection failed")
)

const (
	expirySkew  = 30 * time.Second
	readLimit   = 1 << 20
	dialTimeout = 10 * time.Second
)

// Credentials is the token authority as seen by the channel.
type Credentials interface {
	AccessToken() string
	Expired(skew time.Duration) bool
	Refresh(ctx context.Context) (types.TokenPair, error)
}

// EventKind identifies a channel event.
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventDisconnect EventKind = "disconnect"
	EventState      EventKind = "state"
	EventError      EventKind = "error"
	EventFrame      EventKind = "frame"
)

// Event is published to subscribers. Generation identifies the connection
// lifetime that produced it; it changes on every Open and Close.
type Event struct {
	Kind       EventKind
	ThreadID   types.ThreadID
	Generation uint64
	State      State
	Frame      *Frame
	Err        error
	Code       websocket.StatusCode
	Attempt    int
	Delay      time.Duration
}

// Config holds channel settings.
type Config struct {
	// BaseURL is the HTTP API base; its scheme is mapped to ws or wss.
	BaseURL string
	Backoff Backoff
	Clock   clockwork.Clock
}

// Channel is a reconnecting socket bound to at most one thread at a time.
type Channel struct {
	baseURL string
	backoff Backoff
	clock   clockwork.Clock
	creds   Credentials
	hub     *event.Hub[Event]

	mu       sync.Mutex
	state    State
	threadID types.ThreadID
	gen      uint64
	conn     *websocket.Conn
	cancel   context.CancelFunc
}

// New creates a disconnected channel.
func New(cfg Config, creds Credentials) *Channel {
	b := cfg.Backoff
	if b.MaxAttempts <= 0 || b.BaseDelay <= 0 || b.MaxDelay <= 0 {
		b = DefaultBackoff()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Channel{
		baseURL: cfg.BaseURL,
		backoff: b,
		clock:   clock,
		creds:   creds,
		hub:     event.NewHub[Event](),
		state:   StateDisconnected,
	}
}

// Subscribe registers fn for channel events. Handlers run on the channel's
// goroutines and must not call Open or Close synchronously.
func (c *Channel) Subscribe(fn func(Event)) (cancel func()) {
	return c.hub.Subscribe(fn)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ThreadID returns the thread the channel is bound to, or "".
func (c *Channel) ThreadID() types.ThreadID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Generation returns the current connection generation.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Open binds the channel to threadID and starts connecting in the
// background. Any previous connection is closed with a normal closure first.
// Opening a failed channel re-arms it.
func (c *Channel) Open(ctx context.Context, threadID types.ThreadID) error {
	if c.creds.AccessToken() == "" {
		return ErrNotAuthenticated
	}

	c.mu.Lock()
	oldConn, oldCancel := c.conn, c.cancel
	c.gen++
	gen := c.gen
	c.threadID = threadID
	c.conn = nil
	c.state = StateConnecting
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	teardown(oldConn, oldCancel, "switching thread")
	c.publish(Event{Kind: EventState, ThreadID: threadID, Generation: gen, State: StateConnecting})

	go c.run(runCtx, gen, threadID)
	return nil
}

// Reconnect re-opens the channel on its current thread.
func (c *Channel) Reconnect(ctx context.Context) error {
	threadID := c.ThreadID()
	if threadID == "" {
		return errors.New("no thread to reconnect")
	}
	return c.Open(ctx, threadID)
}

// Close disconnects with a normal closure and suppresses reconnection.
func (c *Channel) Close() {
	c.mu.Lock()
	oldConn, oldCancel := c.conn, c.cancel
	threadID := c.threadID
	wasDisconnected := c.state == StateDisconnected && oldCancel == nil
	c.gen++
	gen := c.gen
	c.conn = nil
	c.cancel = nil
	c.threadID = ""
	c.state = StateDisconnected
	c.mu.Unlock()

	teardown(oldConn, oldCancel, "client closed")
	if !wasDisconnected {
		c.publish(Event{Kind: EventState, ThreadID: threadID, Generation: gen, State: StateDisconnected})
	}
}

func teardown(conn *websocket.Conn, cancel context.CancelFunc, reason string) {
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil {
			slog.Debug("close socket", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}

// Send writes a user message frame. It fails with ErrNotConnected unless the
// channel is connected.
func (c *Channel) Send(ctx context.Context, content string, attachments map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	msg := outboundMessage{Type: "message", Content: content, Attachments: attachments}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// DialURL returns the socket URL for threadID.
func (c *Channel) DialURL(threadID types.ThreadID, token string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws/chat/" + url.PathEscape(string(threadID))
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// run owns one generation: it dials, reads and reconnects until the
// generation is superseded, closed normally or exhausted.
func (c *Channel) run(ctx context.Context, gen uint64, threadID types.ThreadID) {
	attempt := 0
	for {
		if attempt > 0 {
			if c.backoff.Exhausted(attempt) {
				slog.Warn("realtime reconnect attempts exhausted", "thread_id", string(threadID), "attempts", attempt-1)
				if c.setState(gen, StateFailed, Event{}) {
					c.publishIf(gen, Event{Kind: EventError, ThreadID: threadID, Err: ErrConnectionFailed})
				}
				return
			}
			delay := c.backoff.Delay(attempt)
			if !c.setState(gen, StateReconnecting, Event{Attempt: attempt, Delay: delay}) {
				return
			}
			select {
			case <-c.clock.After(delay):
			case <-ctx.Done():
				return
			}
			if !c.setState(gen, StateConnecting, Event{Attempt: attempt}) {
				return
			}
		}

		conn, err := c.dial(ctx, threadID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrNotAuthenticated) {
				slog.Warn("realtime connection requires login", "thread_id", string(threadID), "error", err)
				if c.setState(gen, StateDisconnected, Event{}) {
					c.publishIf(gen, Event{Kind: EventError, ThreadID: threadID, Err: err})
				}
				return
			}
			slog.Debug("realtime dial failed", "thread_id", string(threadID), "attempt", attempt, "error", err)
			c.publishIf(gen, Event{Kind: EventError, ThreadID: threadID, Err: err})
			attempt++
			continue
		}

		if !c.attach(gen, conn) {
			conn.Close(websocket.StatusNormalClosure, "superseded")
			return
		}
		attempt = 0
		slog.Info("realtime connected", "thread_id", string(threadID))
		c.publishIf(gen, Event{Kind: EventConnect, ThreadID: threadID})

		code := c.readLoop(ctx, gen, threadID, conn)
		if ctx.Err() != nil || !c.detach(gen) {
			return
		}
		c.publishIf(gen, Event{Kind: EventDisconnect, ThreadID: threadID, Code: code})
		if code == websocket.StatusNormalClosure {
			slog.Info("realtime closed normally", "thread_id", string(threadID))
			c.setState(gen, StateDisconnected, Event{Code: code})
			return
		}
		slog.Warn("realtime connection lost", "thread_id", string(threadID), "code", int(code))
		attempt = 1
	}
}

func (c *Channel) dial(ctx context.Context, threadID types.ThreadID) (*websocket.Conn, error) {
	token := c.creds.AccessToken()
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	if c.creds.Expired(expirySkew) {
		pair, err := c.creds.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
		}
		token = pair.AccessToken
	}

	target, err := c.DialURL(threadID, token)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// readLoop publishes frames until the connection ends and returns its close
// status.
func (c *Channel) readLoop(ctx context.Context, gen uint64, threadID types.ThreadID, conn *websocket.Conn) websocket.StatusCode {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			if code == -1 {
				code = websocket.StatusAbnormalClosure
			}
			return code
		}
		frame, err := ParseFrame(data)
		if err != nil {
			slog.Warn("skipping malformed frame", "thread_id", string(threadID), "error", err)
			continue
		}
		if !c.publishIf(gen, Event{Kind: EventFrame, ThreadID: threadID, Frame: frame}) {
			slog.Debug("dropping frame from stale connection", "thread_id", string(threadID))
			return websocket.StatusNormalClosure
		}
	}
}

func (c *Channel) attach(gen uint64, conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.state = StateConnected
	threadID := c.threadID
	c.mu.Unlock()
	c.publish(Event{Kind: EventState, ThreadID: threadID, Generation: gen, State: StateConnected})
	return true
}

func (c *Channel) detach(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.conn = nil
	return true
}

// setState moves the channel to s if gen is still current and publishes a
// state event built from extra.
func (c *Channel) setState(gen uint64, s State, extra Event) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.state = s
	threadID := c.threadID
	c.mu.Unlock()

	extra.Kind = EventState
	extra.ThreadID = threadID
	extra.Generation = gen
	extra.State = s
	c.publish(extra)
	return true
}

// publishIf publishes ev only while gen is current.
func (c *Channel) publishIf(gen uint64, ev Event) bool {
	c.mu.Lock()
	current := c.gen == gen
	c.mu.Unlock()
	if !current {
		return false
	}
	ev.Generation = gen
	c.publish(ev)
	return true
}

func (c *Channel) publish(ev Event) {
	c.hub.Publish(ev)
}
