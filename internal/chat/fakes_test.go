package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/user/diagchat/internal/auth"
	"github.com/user/diagchat/internal/event"
	"github.com/user/diagchat/internal/realtime"
	"github.com/user/diagchat/internal/types"
	"github.com/user/diagchat/pkg/api"
)

type fakeSession struct {
	hub   *event.Hub[auth.Event]
	mu    sync.Mutex
	token string
}

func newFakeSession(token string) *fakeSession {
	return &fakeSession{hub: event.NewHub[auth.Event](), token: token}
}

func (s *fakeSession) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *fakeSession) Subscribe(fn func(auth.Event)) func() {
	return s.hub.Subscribe(fn)
}

func (s *fakeSession) logout() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	s.hub.Publish(auth.Event{Kind: auth.EventLoggedOut})
}

type fakeChannel struct {
	hub *event.Hub[realtime.Event]

	mu      sync.Mutex
	state   realtime.State
	opened  []types.ThreadID
	sent    []string
	sendErr error
	openErr error
	closed  int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{hub: event.NewHub[realtime.Event](), state: realtime.StateDisconnected}
}

func (f *fakeChannel) Open(ctx context.Context, id types.ThreadID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = append(f.opened, id)
	return nil
}

func (f *fakeChannel) Reconnect(ctx context.Context) error { return nil }

func (f *fakeChannel) Close() {
	f.mu.Lock()
	f.closed++
	f.state = realtime.StateDisconnected
	f.mu.Unlock()
}

func (f *fakeChannel) Send(ctx context.Context, content string, attachments map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != realtime.StateConnected {
		return realtime.ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeChannel) State() realtime.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Subscribe(fn func(realtime.Event)) func() {
	return f.hub.Subscribe(fn)
}

func (f *fakeChannel) setState(id types.ThreadID, s realtime.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.hub.Publish(realtime.Event{Kind: realtime.EventState, ThreadID: id, State: s})
}

func (f *fakeChannel) connect(id types.ThreadID) {
	f.setState(id, realtime.StateConnected)
	f.hub.Publish(realtime.Event{Kind: realtime.EventConnect, ThreadID: id})
}

func (f *fakeChannel) frame(id types.ThreadID, fr realtime.Frame) {
	f.hub.Publish(realtime.Event{Kind: realtime.EventFrame, ThreadID: id, Frame: &fr})
}

type fakeBackend struct {
	mu        sync.Mutex
	threads   map[types.ThreadID]types.Thread
	history   map[types.ThreadID][]types.Message
	historyCh chan struct{}
	exchange  *api.Exchange
	sendErr   error
	sends     int
	usage     *types.TokenUsage
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		threads: make(map[types.ThreadID]types.Thread),
		history: make(map[types.ThreadID][]types.Message),
	}
}

func (b *fakeBackend) ListThreads(ctx context.Context, filter api.ThreadFilter) ([]types.Thread, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Thread
	for _, t := range b.threads {
		if filter.WorkshopID == "" || t.WorkshopID == filter.WorkshopID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (b *fakeBackend) CreateThread(ctx context.Context, nt types.NewThread) (*types.Thread, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := types.Thread{ID: types.ThreadID("new-" + nt.LicensePlate), WorkshopID: nt.WorkshopID, LicensePlate: nt.LicensePlate, Version: 1}
	b.threads[t.ID] = t
	return &t, nil
}

func (b *fakeBackend) GetThread(ctx context.Context, id types.ThreadID) (*api.ThreadDetail, error) {
	b.mu.Lock()
	gate := b.historyCh
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[id]
	if !ok {
		return nil, errors.New("thread not found")
	}
	return &api.ThreadDetail{Thread: t, Messages: append([]types.Message(nil), b.history[id]...)}, nil
}

func (b *fakeBackend) UpdateThread(ctx context.Context, id types.ThreadID, upd api.ThreadUpdate) (*types.Thread, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.threads[id]
	if upd.IsResolved != nil {
		t.IsResolved = *upd.IsResolved
		t.Status = types.ThreadResolved
	}
	t.Version++
	b.threads[id] = t
	return &t, nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, id types.ThreadID, msg api.SendMessageRequest) (*api.Exchange, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends++
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	return b.exchange, nil
}

func (b *fakeBackend) RemainingTokens(ctx context.Context, workshopID types.WorkshopID) (*types.TokenUsage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage, nil
}
