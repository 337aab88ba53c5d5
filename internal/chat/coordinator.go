// Package chat keeps the authoritative view of the active conversation. The
// Coordinator merges messages pushed over the realtime channel with those
// returned by REST into one ordered, de-duplicated list, and is the single
// entry point for sending.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/user/diagchat/internal/auth"
	"github.com/user/diagchat/internal/event"
	"github.com/user/diagchat/internal/realtime"
	"github.com/user/diagchat/internal/types"
	"github.com/user/diagchat/internal/workshop"
	"github.com/user/diagchat/pkg/api"
)

var (
	ErrAuthRequired = errors.New("authentication required")
	ErrNoThread     = errors.New("no conversation selected")
	ErrNoWorkshop   = errors.New("no workshop selected")
	ErrEmptyMessage = errors.New("message is empty")
)

// ServerError is an error frame pushed by the backend.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server: " + e.Message
}

// Backend is the REST surface the coordinator uses.
type Backend interface {
	ThreadLister
	GetThread(ctx context.Context, id types.ThreadID) (*api.ThreadDetail, error)
	UpdateThread(ctx context.Context, id types.ThreadID, update api.ThreadUpdate) (*types.Thread, error)
	SendMessage(ctx context.Context, id types.ThreadID, msg api.SendMessageRequest) (*api.Exchange, error)
	RemainingTokens(ctx context.Context, workshopID types.WorkshopID) (*types.TokenUsage, error)
}

// Channel is the realtime connection as seen by the coordinator.
type Channel interface {
	Open(ctx context.Context, threadID types.ThreadID) error
	Reconnect(ctx context.Context) error
	Close()
	Send(ctx context.Context, content string, attachments map[string]any) error
	State() realtime.State
	Subscribe(fn func(realtime.Event)) (cancel func())
}

// Session is the token authority as seen by the coordinator.
type Session interface {
	AccessToken() string
	Subscribe(fn func(auth.Event)) (cancel func())
}

// UpdateKind identifies what changed in the conversation view.
type UpdateKind string

const (
	UpdateHistory    UpdateKind = "history"
	UpdateMessages   UpdateKind = "messages"
	UpdateThread     UpdateKind = "thread"
	UpdateTyping     UpdateKind = "typing"
	UpdateConnection UpdateKind = "connection"
	UpdateStatus     UpdateKind = "status"
	UpdateUsage      UpdateKind = "usage"
	UpdateEstimate   UpdateKind = "estimate"
	UpdateError      UpdateKind = "error"
	UpdateLoggedOut  UpdateKind = "logged_out"
)

// Update is published whenever the conversation view changes. Messages holds
// the messages appended by this change only.
// An UpdateError with a nil Err means the last error was cleared.
type Update struct {
	Kind     UpdateKind
	ThreadID types.ThreadID
	Messages []types.Message
	Typing   []types.UserID
	State    realtime.State
	Status   string
	Estimate int
	Err      error
}

// Snapshot is a consistent copy of the conversation view.
type Snapshot struct {
	ThreadID   types.ThreadID
	Thread     *types.Thread
	Messages   []types.Message
	Typing     []types.UserID
	Connection realtime.State
	Loading    bool
	LastError  error
	Estimate   int
	Usage      *types.TokenUsage
}

// Config wires a Coordinator.
type Config struct {
	Backend      Backend
	Channel      Channel
	Session      Session
	Workshops    *workshop.Context
	Estimator    Estimator
	Clock        clockwork.Clock
	TypingWindow time.Duration
}

// Coordinator owns the active conversation.
type Coordinator struct {
	backend   Backend
	channel   Channel
	session   Session
	workshops *workshop.Context
	directory *Directory
	estimator Estimator
	typing    *TypingTracker
	hub       *event.Hub[Update]
	unsubs    []func()

	mu         sync.Mutex
	threadID   types.ThreadID
	selectSeq  uint64
	thread     *types.Thread
	messages   *MessageList
	loading    bool
	connection realtime.State
	lastErr    error
	estimate   int
	usage      *types.TokenUsage
}

// New creates a Coordinator and subscribes it to the channel and session.
func New(cfg Config) *Coordinator {
	estimator := cfg.Estimator
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Coordinator{
		backend:    cfg.Backend,
		channel:    cfg.Channel,
		session:    cfg.Session,
		workshops:  cfg.Workshops,
		directory:  NewDirectory(cfg.Backend, cfg.Workshops),
		estimator:  estimator,
		hub:        event.NewHub[Update](),
		messages:   NewMessageList(),
		connection: realtime.StateDisconnected,
	}
	c.typing = NewTypingTracker(clock, cfg.TypingWindow, c.onTypingExpired)
	c.unsubs = append(c.unsubs,
		cfg.Channel.Subscribe(c.onChannelEvent),
		cfg.Session.Subscribe(c.onAuthEvent),
	)
	return c
}

// Subscribe registers fn for view updates.
func (c *Coordinator) Subscribe(fn func(Update)) (cancel func()) {
	return c.hub.Subscribe(fn)
}

// Directory returns the thread directory.
func (c *Coordinator) Directory() *Directory {
	return c.directory
}

// Close detaches from the channel and session and disconnects.
func (c *Coordinator) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.channel.Close()
	c.typing.Clear()
}

// Select makes threadID the active conversation: it resets the view, opens
// the channel and loads the history. Messages that arrive over the channel
// before the history are kept after it.
func (c *Coordinator) Select(ctx context.Context, threadID types.ThreadID) error {
	if c.session.AccessToken() == "" {
		return ErrAuthRequired
	}

	c.mu.Lock()
	c.selectSeq++
	seq := c.selectSeq
	c.threadID = threadID
	c.thread = nil
	c.messages.Reset()
	c.loading = true
	c.lastErr = nil
	c.estimate = 0
	c.connection = realtime.StateConnecting
	c.mu.Unlock()
	c.typing.Clear()

	if err := c.channel.Open(ctx, threadID); err != nil {
		if errors.Is(err, realtime.ErrNotAuthenticated) {
			err = fmt.Errorf("%w: %w", ErrAuthRequired, err)
		}
		c.mu.Lock()
		if c.selectSeq == seq {
			c.loading = false
			c.connection = realtime.StateDisconnected
		}
		c.mu.Unlock()
		c.fail(threadID, err)
		return err
	}

	detail, err := c.backend.GetThread(ctx, threadID)

	c.mu.Lock()
	if c.selectSeq != seq {
		c.mu.Unlock()
		slog.Debug("discarding history for superseded selection", "thread_id", string(threadID))
		return nil
	}
	c.loading = false
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		c.hub.Publish(Update{Kind: UpdateError, ThreadID: threadID, Err: err})
		return err
	}
	thread := detail.Thread
	c.thread = &thread
	c.messages.Reconcile(detail.Messages)
	items := c.messages.Items()
	c.mu.Unlock()

	c.hub.Publish(Update{Kind: UpdateHistory, ThreadID: threadID, Messages: items})
	return nil
}

// Reconnect re-arms the channel for the active conversation.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	if c.ThreadID() == "" {
		return ErrNoThread
	}
	return c.channel.Reconnect(ctx)
}

// ThreadID returns the active conversation id.
func (c *Coordinator) ThreadID() types.ThreadID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// SendMessage sends content to the active conversation. It uses the channel
// when connected and falls back to REST otherwise; on failure the message
// list is left untouched.
func (c *Coordinator) SendMessage(ctx context.Context, content string, attachments map[string]any) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if c.session.AccessToken() == "" {
		return ErrAuthRequired
	}

	c.mu.Lock()
	threadID := c.threadID
	if threadID == "" {
		c.mu.Unlock()
		return ErrNoThread
	}
	estimate := c.estimator.Estimate(content)
	c.estimate = estimate
	c.mu.Unlock()
	c.hub.Publish(Update{Kind: UpdateEstimate, ThreadID: threadID, Estimate: estimate})

	if c.channel.State() == realtime.StateConnected {
		err := c.channel.Send(ctx, content, attachments)
		if err == nil {
			return nil
		}
		slog.Warn("channel send failed, falling back to REST", "thread_id", string(threadID), "error", err)
	}

	ex, err := c.backend.SendMessage(ctx, threadID, api.SendMessageRequest{
		Content:     content,
		Attachments: attachments,
	})
	if err != nil {
		c.fail(threadID, err)
		return err
	}
	c.applyExchange(threadID, ex)
	return nil
}

// CreateSession creates a conversation in the selected workshop and selects
// it.
func (c *Coordinator) CreateSession(ctx context.Context, nt types.NewThread) (*types.Thread, error) {
	thread, err := c.directory.Create(ctx, nt)
	if err != nil {
		return nil, err
	}
	if err := c.Select(ctx, thread.ID); err != nil {
		return thread, err
	}
	return thread, nil
}

// Resolve marks the active conversation resolved.
func (c *Coordinator) Resolve(ctx context.Context) error {
	resolved := true
	return c.update(ctx, api.ThreadUpdate{IsResolved: &resolved})
}

// Archive archives the active conversation.
func (c *Coordinator) Archive(ctx context.Context) error {
	archived := true
	return c.update(ctx, api.ThreadUpdate{IsArchived: &archived})
}

// update sends a version-checked edit. A stale version fails with an error
// matching gateway.ErrConflict.
func (c *Coordinator) update(ctx context.Context, upd api.ThreadUpdate) error {
	c.mu.Lock()
	threadID := c.threadID
	if threadID == "" || c.thread == nil {
		c.mu.Unlock()
		return ErrNoThread
	}
	upd.Version = c.thread.Version
	c.mu.Unlock()

	updated, err := c.backend.UpdateThread(ctx, threadID, upd)
	if err != nil {
		c.fail(threadID, err)
		return err
	}

	c.mu.Lock()
	if c.threadID != threadID {
		c.mu.Unlock()
		return nil
	}
	c.thread = updated
	c.mu.Unlock()
	c.hub.Publish(Update{Kind: UpdateThread, ThreadID: threadID})
	return nil
}

// RefreshUsage fetches the usage snapshot for the user and the selected
// workshop.
func (c *Coordinator) RefreshUsage(ctx context.Context) error {
	var workshopID types.WorkshopID
	if c.workshops != nil {
		if ws, ok := c.workshops.Current(); ok {
			workshopID = ws.ID
		}
	}
	usage, err := c.backend.RemainingTokens(ctx, workshopID)
	if err != nil {
		return err
	}
	c.setUsage(c.ThreadID(), usage)
	return nil
}

// Usage returns a copy of the cached usage snapshot, or nil.
func (c *Coordinator) Usage() *types.TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage.Clone()
}

// Snapshot returns a copy of the conversation view.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		ThreadID:   c.threadID,
		Messages:   c.messages.Items(),
		Typing:     c.typing.Active(),
		Connection: c.connection,
		Loading:    c.loading,
		LastError:  c.lastErr,
		Estimate:   c.estimate,
		Usage:      c.usage.Clone(),
	}
	if c.thread != nil {
		thread := *c.thread
		snap.Thread = &thread
	}
	return snap
}

// applyExchange merges an exchange from either path into the view.
func (c *Coordinator) applyExchange(threadID types.ThreadID, ex *api.Exchange) {
	c.mu.Lock()
	if c.threadID != threadID {
		c.mu.Unlock()
		return
	}
	var added []types.Message
	for _, msg := range []*types.Message{ex.UserMessage, ex.AssistantMessage} {
		if msg == nil {
			continue
		}
		if c.messages.Add(*msg) {
			added = append(added, *msg)
		} else {
			slog.Debug("duplicate message suppressed", "thread_id", string(threadID), "message_id", string(msg.ID))
		}
	}
	if ex.Thread != nil && c.thread != nil {
		c.thread.Apply(*ex.Thread)
	}
	if ex.AssistantMessage != nil {
		c.estimate = 0
	}
	c.lastErr = nil
	c.mu.Unlock()

	if len(added) > 0 {
		c.hub.Publish(Update{Kind: UpdateMessages, ThreadID: threadID, Messages: added})
	}
	if ex.Thread != nil {
		c.hub.Publish(Update{Kind: UpdateThread, ThreadID: threadID})
	}
	if ex.TokenUsage != nil {
		c.setUsage(threadID, ex.TokenUsage)
	}
}

func (c *Coordinator) setUsage(threadID types.ThreadID, usage *types.TokenUsage) {
	c.mu.Lock()
	c.usage = usage.Clone()
	c.mu.Unlock()
	c.hub.Publish(Update{Kind: UpdateUsage, ThreadID: threadID})
}

func (c *Coordinator) fail(threadID types.ThreadID, err error) {
	c.mu.Lock()
	if c.threadID == threadID {
		c.lastErr = err
	}
	c.mu.Unlock()
	c.hub.Publish(Update{Kind: UpdateError, ThreadID: threadID, Err: err})
}

func (c *Coordinator) onChannelEvent(ev realtime.Event) {
	if ev.ThreadID != c.ThreadID() {
		slog.Debug("ignoring event for inactive thread", "thread_id", string(ev.ThreadID), "kind", string(ev.Kind))
		return
	}

	switch ev.Kind {
	case realtime.EventState:
		c.mu.Lock()
		c.connection = ev.State
		c.mu.Unlock()
		c.hub.Publish(Update{Kind: UpdateConnection, ThreadID: ev.ThreadID, State: ev.State})
	case realtime.EventConnect:
		c.mu.Lock()
		hadErr := c.lastErr != nil
		c.lastErr = nil
		c.mu.Unlock()
		if hadErr {
			c.hub.Publish(Update{Kind: UpdateError, ThreadID: ev.ThreadID})
		}
	case realtime.EventError:
		if errors.Is(ev.Err, realtime.ErrConnectionFailed) || errors.Is(ev.Err, realtime.ErrNotAuthenticated) {
			c.fail(ev.ThreadID, ev.Err)
		}
	case realtime.EventFrame:
		c.onFrame(ev.ThreadID, ev.Frame)
	}
}

func (c *Coordinator) onFrame(threadID types.ThreadID, f *realtime.Frame) {
	switch f.Type {
	case realtime.FrameMessage:
		c.applyExchange(threadID, &f.Exchange)
	case realtime.FrameTyping:
		c.typing.Reset(f.UserID)
		c.hub.Publish(Update{Kind: UpdateTyping, ThreadID: threadID, Typing: c.typing.Active()})
	case realtime.FrameError:
		c.fail(threadID, &ServerError{Message: f.Message})
	case realtime.FrameStatus:
		c.hub.Publish(Update{Kind: UpdateStatus, ThreadID: threadID, Status: f.Status})
	}
}

func (c *Coordinator) onTypingExpired(user types.UserID) {
	c.hub.Publish(Update{Kind: UpdateTyping, ThreadID: c.ThreadID(), Typing: c.typing.Active()})
}

func (c *Coordinator) onAuthEvent(ev auth.Event) {
	if ev.Kind != auth.EventLoggedOut {
		return
	}
	c.mu.Lock()
	c.selectSeq++
	c.threadID = ""
	c.thread = nil
	c.messages.Reset()
	c.loading = false
	c.lastErr = nil
	c.estimate = 0
	c.usage = nil
	c.connection = realtime.StateDisconnected
	c.mu.Unlock()

	c.typing.Clear()
	c.channel.Close()
	slog.Info("session ended, conversation state cleared", "reason", ev.Err)
	c.hub.Publish(Update{Kind: UpdateLoggedOut, Err: ev.Err})
}
