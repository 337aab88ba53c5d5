package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/user/diagchat/internal/auth"
	"github.com/user/diagchat/internal/backendtest"
	"github.com/user/diagchat/internal/gateway"
	"github.com/user/diagchat/internal/realtime"
	"github.com/user/diagchat/internal/state"
	"github.com/user/diagchat/internal/types"
	"github.com/user/diagchat/internal/workshop"
	"github.com/user/diagchat/pkg/api"
)

type fixture struct {
	backend *fakeBackend
	channel *fakeChannel
	session *fakeSession
	clock   *clockwork.FakeClock
	coord   *Coordinator
	updates chan Update
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: newFakeBackend(),
		channel: newFakeChannel(),
		session: newFakeSession("A1"),
		clock:   clockwork.NewFakeClock(),
		updates: make(chan Update, 256),
	}
	f.backend.threads["t1"] = types.Thread{ID: "t1", WorkshopID: "w1", LicensePlate: "AB-123", Version: 1}
	f.backend.threads["t2"] = types.Thread{ID: "t2", WorkshopID: "w1", LicensePlate: "CD-456", Version: 1}
	f.coord = New(Config{
		Backend:   f.backend,
		Channel:   f.channel,
		Session:   f.session,
		Workshops: workshop.New(state.NewFileStore(t.TempDir())),
		Clock:     f.clock,
	})
	f.coord.Subscribe(func(u Update) {
		select {
		case f.updates <- u:
		default:
		}
	})
	t.Cleanup(f.coord.Close)
	return f
}

func waitUpdate(t *testing.T, updates <-chan Update, match func(Update) bool) Update {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case u := <-updates:
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
			return Update{}
		}
	}
}

func exchange(user, assistant string) *api.Exchange {
	u := msg(user, 1)
	a := msg(assistant, 2)
	return &api.Exchange{UserMessage: &u, AssistantMessage: &a}
}

func TestSelectLoadsHistoryAndOpensChannel(t *testing.T) {
	f := newFixture(t)
	f.backend.history["t1"] = []types.Message{msg("h1", 1), msg("h2", 2)}

	if err := f.coord.Select(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	snap := f.coord.Snapshot()
	if snap.ThreadID != "t1" || snap.Thread == nil || snap.Thread.LicensePlate != "AB-123" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if !equalIDs(ids(snap.Messages), "h1", "h2") {
		t.Errorf("unexpected messages %v", ids(snap.Messages))
	}
	if len(f.channel.opened) != 1 || f.channel.opened[0] != "t1" {
		t.Errorf("expected channel opened for t1, got %v", f.channel.opened)
	}
}

func TestSelectRequiresAuth(t *testing.T) {
	f := newFixture(t)
	f.session.token = ""
	if err := f.coord.Select(context.Background(), "t1"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}

func TestEarlyChannelMessagesSurviveHistoryLoad(t *testing.T) {
	f := newFixture(t)
	f.backend.history["t1"] = []types.Message{msg("h1", 1), msg("h2", 2)}
	gate := make(chan struct{})
	f.backend.historyCh = gate

	done := make(chan error, 1)
	go func() { done <- f.coord.Select(context.Background(), "t1") }()

	// Wait until the selection is active, then push a live exchange.
	deadline := time.Now().Add(2 * time.Second)
	for f.coord.ThreadID() != "t1" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameMessage, Exchange: *exchange("live-u", "live-a")})
	// One of the live messages is also part of the history.
	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameMessage, Exchange: api.Exchange{UserMessage: ptr(msg("h2", 2))}})

	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	got := ids(f.coord.Snapshot().Messages)
	if !equalIDs(got, "h1", "h2", "live-u", "live-a") {
		t.Errorf("expected history followed by live messages, got %v", got)
	}
}

func ptr[T any](v T) *T { return &v }

func TestSupersededHistoryIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.backend.history["t1"] = []types.Message{msg("old", 1)}
	f.backend.history["t2"] = []types.Message{msg("new", 1)}
	gate := make(chan struct{})
	f.backend.historyCh = gate

	done := make(chan error, 1)
	go func() { done <- f.coord.Select(context.Background(), "t1") }()
	deadline := time.Now().Add(2 * time.Second)
	for f.coord.ThreadID() != "t1" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	f.backend.mu.Lock()
	f.backend.historyCh = nil
	f.backend.mu.Unlock()
	if err := f.coord.Select(context.Background(), "t2"); err != nil {
		t.Fatal(err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	snap := f.coord.Snapshot()
	if snap.ThreadID != "t2" || !equalIDs(ids(snap.Messages), "new") {
		t.Errorf("stale history leaked into the new selection: %s %v", snap.ThreadID, ids(snap.Messages))
	}
}

func TestSendUsesChannelWhenConnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coord.Select(ctx, "t1")
	f.channel.setState("t1", realtime.StateConnected)

	if err := f.coord.SendMessage(ctx, "P0171 lean", nil); err != nil {
		t.Fatal(err)
	}
	if len(f.channel.sent) != 1 || f.backend.sends != 0 {
		t.Errorf("expected channel send only, got channel=%v rest=%d", f.channel.sent, f.backend.sends)
	}
	want := (HeuristicEstimator{}).Estimate("P0171 lean")
	if est := f.coord.Snapshot().Estimate; est != want {
		t.Errorf("unexpected estimate %d, want %d", est, want)
	}
	if len(f.coord.Snapshot().Messages) != 0 {
		t.Error("channel sends must not append locally")
	}

	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameMessage, Exchange: *exchange("u1", "a1")})
	snap := f.coord.Snapshot()
	if !equalIDs(ids(snap.Messages), "u1", "a1") {
		t.Errorf("expected frame messages appended, got %v", ids(snap.Messages))
	}
	if snap.Estimate != 0 {
		t.Errorf("estimate should clear once the reply arrives, got %d", snap.Estimate)
	}
}

func TestSendFallsBackToRESTAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coord.Select(ctx, "t1")
	f.backend.exchange = exchange("u1", "a1")

	if err := f.coord.SendMessage(ctx, "P0300", nil); err != nil {
		t.Fatal(err)
	}
	if f.backend.sends != 1 {
		t.Errorf("expected REST send, got %d", f.backend.sends)
	}

	// A slow channel frame for the same exchange arrives afterwards.
	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameMessage, Exchange: *exchange("u1", "a1")})

	got := ids(f.coord.Snapshot().Messages)
	if !equalIDs(got, "u1", "a1") {
		t.Errorf("expected each message exactly once, got %v", got)
	}
}

func TestChannelSendErrorFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coord.Select(ctx, "t1")
	f.channel.setState("t1", realtime.StateConnected)
	f.channel.sendErr = errors.New("broken pipe")
	f.backend.exchange = exchange("u1", "a1")

	if err := f.coord.SendMessage(ctx, "hello", nil); err != nil {
		t.Fatal(err)
	}
	if f.backend.sends != 1 {
		t.Errorf("expected REST fallback, got %d sends", f.backend.sends)
	}
}

func TestSendFailureLeavesListUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.history["t1"] = []types.Message{msg("h1", 1)}
	f.coord.Select(ctx, "t1")
	f.backend.sendErr = errors.New("503 service unavailable")

	err := f.coord.SendMessage(ctx, "hello", nil)
	if err == nil {
		t.Fatal("expected send error")
	}
	snap := f.coord.Snapshot()
	if !equalIDs(ids(snap.Messages), "h1") {
		t.Errorf("message list must not change on failure, got %v", ids(snap.Messages))
	}
	if !errors.Is(snap.LastError, f.backend.sendErr) {
		t.Errorf("expected error surfaced, got %v", snap.LastError)
	}
}

func TestSendPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.coord.SendMessage(ctx, "hi", nil); !errors.Is(err, ErrNoThread) {
		t.Errorf("expected ErrNoThread, got %v", err)
	}
	if err := f.coord.SendMessage(ctx, "   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	f.session.token = ""
	if err := f.coord.SendMessage(ctx, "hi", nil); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("expected ErrAuthRequired, got %v", err)
	}
}

func TestEventsForOtherThreadsAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.coord.Select(context.Background(), "t2")

	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameMessage, Exchange: *exchange("x1", "x2")})
	if n := len(f.coord.Snapshot().Messages); n != 0 {
		t.Errorf("frames for a torn-down thread must be ignored, got %d messages", n)
	}
}

func TestTypingFrameExpires(t *testing.T) {
	f := newFixture(t)
	f.coord.Select(context.Background(), "t1")

	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameTyping, UserID: "u9"})
	if typing := f.coord.Snapshot().Typing; len(typing) != 1 || typing[0] != "u9" {
		t.Fatalf("expected u9 typing, got %v", typing)
	}

	f.clock.Advance(DefaultTypingWindow)
	waitUpdate(t, f.updates, func(u Update) bool { return u.Kind == UpdateTyping && len(u.Typing) == 0 })
	if typing := f.coord.Snapshot().Typing; len(typing) != 0 {
		t.Errorf("expected typing cleared, got %v", typing)
	}
}

func TestErrorAndStatusFrames(t *testing.T) {
	f := newFixture(t)
	f.coord.Select(context.Background(), "t1")

	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameError, Message: "quota exceeded"})
	var serverErr *ServerError
	if err := f.coord.Snapshot().LastError; !errors.As(err, &serverErr) || serverErr.Message != "quota exceeded" {
		t.Errorf("expected server error surfaced, got %v", err)
	}

	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameStatus, Status: "thinking"})
	u := waitUpdate(t, f.updates, func(u Update) bool { return u.Kind == UpdateStatus })
	if u.Status != "thinking" {
		t.Errorf("unexpected status %q", u.Status)
	}
}

func TestSuccessfulReconnectClearsError(t *testing.T) {
	f := newFixture(t)
	if err := f.coord.Select(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	f.channel.setState("t1", realtime.StateFailed)
	f.channel.hub.Publish(realtime.Event{Kind: realtime.EventError, ThreadID: "t1", Err: realtime.ErrConnectionFailed})
	if err := f.coord.Snapshot().LastError; !errors.Is(err, realtime.ErrConnectionFailed) {
		t.Fatalf("expected connection failure surfaced, got %v", err)
	}

	f.channel.connect("t1")
	snap := f.coord.Snapshot()
	if snap.Connection != realtime.StateConnected {
		t.Errorf("expected connected, got %s", snap.Connection)
	}
	if snap.LastError != nil {
		t.Errorf("error should be cleared after reconnect, got %v", snap.LastError)
	}
	u := waitUpdate(t, f.updates, func(u Update) bool { return u.Kind == UpdateError && u.Err == nil })
	if u.ThreadID != "t1" {
		t.Errorf("unexpected thread %q", u.ThreadID)
	}
}

func TestSelectOpenFailureStopsLoading(t *testing.T) {
	f := newFixture(t)
	f.channel.openErr = realtime.ErrNotAuthenticated

	err := f.coord.Select(context.Background(), "t1")
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	snap := f.coord.Snapshot()
	if snap.Loading {
		t.Error("a failed open must not leave the view loading")
	}
	if snap.Connection != realtime.StateDisconnected {
		t.Errorf("expected disconnected, got %s", snap.Connection)
	}
	if !errors.Is(snap.LastError, ErrAuthRequired) {
		t.Errorf("expected last error recorded, got %v", snap.LastError)
	}
}

func TestUsageSnapshotOverwrittenAndCopied(t *testing.T) {
	f := newFixture(t)
	f.coord.Select(context.Background(), "t1")

	first := &types.TokenUsage{Workshop: &types.WorkshopUsage{MonthlyUsed: 10}}
	second := &types.TokenUsage{
		User:     &types.UserUsage{MonthlyUsed: 5},
		Workshop: &types.WorkshopUsage{MonthlyUsed: 40},
	}
	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameMessage, Exchange: api.Exchange{TokenUsage: first}})
	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameMessage, Exchange: api.Exchange{TokenUsage: second}})

	usage := f.coord.Usage()
	if usage.Workshop.MonthlyUsed != 40 || usage.User == nil || usage.User.MonthlyUsed != 5 {
		t.Errorf("expected latest snapshot, got %+v", usage)
	}
	usage.Workshop.MonthlyUsed = 999
	if f.coord.Usage().Workshop.MonthlyUsed != 40 {
		t.Error("Usage must return a copy")
	}
}

func TestThreadPatchFromFrame(t *testing.T) {
	f := newFixture(t)
	f.coord.Select(context.Background(), "t1")

	total := 1234
	ex := exchange("u1", "a1")
	ex.Thread = &types.ThreadPatch{TotalTokens: &total}
	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameMessage, Exchange: *ex})

	if got := f.coord.Snapshot().Thread.TotalTokens; got != 1234 {
		t.Errorf("expected patched total tokens, got %d", got)
	}
}

func TestResolveSendsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coord.Select(ctx, "t1")

	if err := f.coord.Resolve(ctx); err != nil {
		t.Fatal(err)
	}
	snap := f.coord.Snapshot()
	if snap.Thread.Status != types.ThreadResolved || snap.Thread.Version != 2 {
		t.Errorf("unexpected thread after resolve: %+v", snap.Thread)
	}
}

func TestCreateSessionRequiresWorkshop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.coord.CreateSession(ctx, types.NewThread{LicensePlate: "EF-789"}); !errors.Is(err, ErrNoWorkshop) {
		t.Fatalf("expected ErrNoWorkshop, got %v", err)
	}

	f.coord.workshops.Select(ctx, types.Workshop{ID: "w1"})
	thread, err := f.coord.CreateSession(ctx, types.NewThread{LicensePlate: "EF-789"})
	if err != nil {
		t.Fatal(err)
	}
	if thread.WorkshopID != "w1" || f.coord.ThreadID() != thread.ID {
		t.Errorf("expected new thread in w1 to be selected, got %+v (active %s)", thread, f.coord.ThreadID())
	}
}

func TestLogoutClearsConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.history["t1"] = []types.Message{msg("h1", 1)}
	f.coord.Select(ctx, "t1")
	f.channel.frame("t1", realtime.Frame{Type: realtime.FrameTyping, UserID: "u2"})

	f.session.logout()

	waitUpdate(t, f.updates, func(u Update) bool { return u.Kind == UpdateLoggedOut })
	snap := f.coord.Snapshot()
	if snap.ThreadID != "" || snap.Thread != nil || len(snap.Messages) != 0 || len(snap.Typing) != 0 {
		t.Errorf("expected cleared state, got %+v", snap)
	}
	if f.channel.closed == 0 {
		t.Error("expected channel closed on logout")
	}
}

// Full stack: real authority, gateway, client and channel against the fake
// backend.
func TestEndToEndConversation(t *testing.T) {
	backend := backendtest.New(t)
	backend.AddThread(types.Thread{ID: "t1", WorkshopID: "w1", LicensePlate: "AB-123"})
	ctx := context.Background()

	authority := auth.New(state.NewFileStore(t.TempDir()))
	client := api.New(gateway.New(gateway.Config{BaseURL: backend.URL}, authority))
	authority.SetRefresher(client)
	if err := authority.Login(ctx, backendtest.Username, backendtest.Password); err != nil {
		t.Fatal(err)
	}

	channel := realtime.New(realtime.Config{
		BaseURL: backend.URL,
		Backoff: realtime.Backoff{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, authority)
	coord := New(Config{
		Backend:   client,
		Channel:   channel,
		Session:   authority,
		Workshops: workshop.New(state.NewFileStore(t.TempDir())),
	})
	defer coord.Close()
	updates := make(chan Update, 256)
	coord.Subscribe(func(u Update) {
		select {
		case updates <- u:
		default:
		}
	})

	if err := coord.Select(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	waitUpdate(t, updates, func(u Update) bool { return u.Kind == UpdateConnection && u.State == realtime.StateConnected })

	if err := coord.SendMessage(ctx, "P0300 misfire", nil); err != nil {
		t.Fatal(err)
	}
	waitUpdate(t, updates, func(u Update) bool { return u.Kind == UpdateMessages && len(u.Messages) == 2 })
	if backend.MessagePosts.Load() != 0 {
		t.Error("expected the channel path, not REST")
	}

	// Drop the socket for good; sends fall back to REST.
	backend.RejectSockets.Store(true)
	backend.DropSockets("t1", 1011)
	waitUpdate(t, updates, func(u Update) bool { return u.Kind == UpdateConnection && u.State != realtime.StateConnected })
	backend.BroadcastRESTSends.Store(true)

	if err := coord.SendMessage(ctx, "still misfiring", nil); err != nil {
		t.Fatal(err)
	}
	if backend.MessagePosts.Load() != 1 {
		t.Errorf("expected REST fallback, got %d posts", backend.MessagePosts.Load())
	}
	if n := len(coord.Snapshot().Messages); n != 4 {
		t.Errorf("expected 4 messages, got %d", n)
	}

	// Forced logout on refresh failure clears the view.
	backend.InvalidateAccess()
	backend.RevokeRefresh()
	err := coord.SendMessage(ctx, "anyone?", nil)
	if !errors.Is(err, auth.ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	waitUpdate(t, updates, func(u Update) bool { return u.Kind == UpdateLoggedOut })
	if snap := coord.Snapshot(); snap.ThreadID != "" || len(snap.Messages) != 0 {
		t.Errorf("expected cleared view after forced logout, got %+v", snap)
	}
	if authority.Authenticated() {
		t.Error("expected authority logged out")
	}
}
