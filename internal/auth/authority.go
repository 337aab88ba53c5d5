// Package auth owns the credential pair used by every outbound call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/user/diagchat/internal/event"
	"github.com/user/diagchat/internal/types"
)

// StorageKey is the state-store key holding the persisted token pair.
const StorageKey = "auth-storage"

// ErrRefreshFailed is returned when the refresh endpoint rejects the refresh
// token or no refresh token is available. The authority is logged out by the
// time a caller sees it.
var ErrRefreshFailed = errors.New("token refresh failed")

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (types.TokenPair, error)
}

// Authenticator is a Refresher that can also log in with credentials.
type Authenticator interface {
	Refresher
	Login(ctx context.Context, username, password string) (types.TokenPair, error)
}

// EventKind identifies an authentication transition.
type EventKind string

const (
	EventLoggedIn  EventKind = "logged_in"
	EventRefreshed EventKind = "refreshed"
	EventLoggedOut EventKind = "logged_out"
)

// Event is published on every authentication transition. Err is set when a
// logout was forced by a failed refresh.
type Event struct {
	Kind EventKind
	Err  error
}

// persisted mirrors the on-disk layout of the auth entry.
type persisted struct {
	State   types.TokenPair `json:"state"`
	Version int             `json:"version"`
}

// Authority is the single source of truth for the token pair. Reads never
// block on I/O; writes commit and persist in one critical section.
type Authority struct {
	store types.StateStore
	clock clockwork.Clock

	mu        sync.RWMutex
	pair      types.TokenPair
	refresher Refresher
	// epoch advances on every login and logout; a refresh started in an
	// older epoch must not commit.
	epoch uint64

	flight singleflight.Group
	hub    *event.Hub[Event]
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock sets the clock used for expiry checks.
func WithClock(c clockwork.Clock) Option {
	return func(a *Authority) { a.clock = c }
}

// New creates an Authority persisting to store. Call Load to rehydrate.
func New(store types.StateStore, opts ...Option) *Authority {
	a := &Authority{
		store: store,
		clock: clockwork.NewRealClock(),
		hub:   event.NewHub[Event](),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetRefresher installs the client used by Refresh and Login.
func (a *Authority) SetRefresher(r Refresher) {
	a.mu.Lock()
	a.refresher = r
	a.mu.Unlock()
}

// Load rehydrates the pair from the store. Missing or corrupt entries leave
// the authority logged out.
func (a *Authority) Load(ctx context.Context) {
	var p persisted
	found, err := a.store.Load(ctx, StorageKey, &p)
	if err != nil {
		slog.Warn("ignoring persisted auth state", "error", err)
		return
	}
	if !found {
		return
	}
	a.mu.Lock()
	a.pair = p.State
	a.mu.Unlock()
}

// AccessToken returns the latest committed access token, or "".
func (a *Authority) AccessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pair.AccessToken
}

// Tokens returns a consistent snapshot of the pair.
func (a *Authority) Tokens() types.TokenPair {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pair
}

// Authenticated reports whether an access token is held.
func (a *Authority) Authenticated() bool {
	return a.AccessToken() != ""
}

// SetTokens commits pair and persists it. An empty pair is a logout.
func (a *Authority) SetTokens(ctx context.Context, pair types.TokenPair) error {
	if pair == (types.TokenPair{}) {
		return a.Logout(ctx)
	}
	a.mu.Lock()
	a.epoch++
	err := a.commitLocked(ctx, pair)
	a.mu.Unlock()
	a.hub.Publish(Event{Kind: EventLoggedIn})
	return err
}

func (a *Authority) commitLocked(ctx context.Context, pair types.TokenPair) error {
	a.pair = pair
	if err := a.store.Save(ctx, StorageKey, persisted{State: pair}); err != nil {
		slog.Warn("persist auth state failed", "error", err)
		return fmt.Errorf("persist tokens: %w", err)
	}
	return nil
}

// Logout clears both tokens and the persisted entry. It is idempotent and
// publishes EventLoggedOut only when tokens were held.
func (a *Authority) Logout(ctx context.Context) error {
	return a.clear(ctx, nil)
}

func (a *Authority) clear(ctx context.Context, cause error) error {
	a.mu.Lock()
	had := a.pair != (types.TokenPair{})
	a.epoch++
	a.pair = types.TokenPair{}
	err := a.store.Delete(ctx, StorageKey)
	a.mu.Unlock()

	if err != nil {
		slog.Warn("delete auth state failed", "error", err)
		err = fmt.Errorf("delete tokens: %w", err)
	}
	if had {
		a.hub.Publish(Event{Kind: EventLoggedOut, Err: cause})
	}
	return err
}

// Login authenticates with the configured Authenticator and commits the
// issued pair.
func (a *Authority) Login(ctx context.Context, username, password string) error {
	a.mu.RLock()
	r := a.refresher
	a.mu.RUnlock()

	login, ok := r.(Authenticator)
	if !ok {
		return errors.New("login: no authenticator configured")
	}
	pair, err := login.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if pair.AccessToken == "" {
		return errors.New("login: server returned no access token")
	}
	return a.SetTokens(ctx, pair)
}

// Refresh exchanges the current refresh token for a new pair. Concurrent
// callers share one call. On failure the authority is logged out and the
// returned error matches ErrRefreshFailed. Cancelling ctx abandons the wait
// but not the refresh itself.
func (a *Authority) Refresh(ctx context.Context) (types.TokenPair, error) {
	ch := a.flight.DoChan("refresh", func() (any, error) {
		return a.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return types.TokenPair{}, res.Err
		}
		return res.Val.(types.TokenPair), nil
	case <-ctx.Done():
		return types.TokenPair{}, ctx.Err()
	}
}

func (a *Authority) refresh(ctx context.Context) (types.TokenPair, error) {
	a.mu.RLock()
	current := a.pair
	epoch := a.epoch
	r := a.refresher
	a.mu.RUnlock()

	if r == nil {
		err := fmt.Errorf("%w: no refresher configured", ErrRefreshFailed)
		a.clear(ctx, err)
		return types.TokenPair{}, err
	}
	if current.RefreshToken == "" {
		err := fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
		a.clear(ctx, err)
		return types.TokenPair{}, err
	}

	slog.Debug("refreshing access token")
	next, err := r.Refresh(ctx, current.RefreshToken)
	if err == nil && next.AccessToken == "" {
		err = errors.New("server returned no access token")
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		a.mu.RLock()
		stale := a.epoch != epoch
		a.mu.RUnlock()
		if stale {
			return types.TokenPair{}, err
		}
		slog.Warn("token refresh failed, logging out", "error", err)
		a.clear(ctx, err)
		return types.TokenPair{}, err
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}

	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		slog.Info("discarding refreshed tokens, session changed while refreshing")
		return types.TokenPair{}, fmt.Errorf("%w: session ended during refresh", ErrRefreshFailed)
	}
	// The pair is committed even if persisting fails.
	_ = a.commitLocked(ctx, next)
	a.mu.Unlock()
	a.hub.Publish(Event{Kind: EventRefreshed})
	return next, nil
}

// ExpiresAt reads the exp claim of the access token without verifying its
// signature. ok is false for opaque tokens or tokens without exp.
func (a *Authority) ExpiresAt() (exp time.Time, ok bool) {
	token := a.AccessToken()
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	at, err := claims.GetExpirationTime()
	if err != nil || at == nil {
		return time.Time{}, false
	}
	return at.Time, true
}

// Expired reports whether the access token expires within skew. Tokens
// without a readable expiry are never considered expired.
func (a *Authority) Expired(skew time.Duration) bool {
	exp, ok := a.ExpiresAt()
	if !ok {
		return false
	}
	return !a.clock.Now().Add(skew).Before(exp)
}

// Subscribe registers fn for authentication transitions.
func (a *Authority) Subscribe(fn func(Event)) (cancel func()) {
	return a.hub.Subscribe(fn)
}
