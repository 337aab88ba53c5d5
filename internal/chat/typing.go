package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/user/diagchat/internal/types"
)

// DefaultTypingWindow is how long a typing pulse stays visible.
const DefaultTypingWindow = 3 * time.Second

type typingEntry struct {
	expires time.Time
	seq     uint64
	timer   clockwork.Timer
}

// TypingTracker keeps per-user typing entries that expire after a window.
// Each Reset replaces the user's pending expiry, so repeated pulses produce
// one clear, timed from the last pulse.
type TypingTracker struct {
	clock    clockwork.Clock
	window   time.Duration
	onExpire func(types.UserID)

	mu      sync.Mutex
	seq     uint64
	entries map[types.UserID]*typingEntry
}

// NewTypingTracker creates a tracker. onExpire, if set, is called from a
// timer goroutine whenever an entry expires on its own.
func NewTypingTracker(clock clockwork.Clock, window time.Duration, onExpire func(types.UserID)) *TypingTracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &TypingTracker{
		clock:    clock,
		window:   window,
		onExpire: onExpire,
		entries:  make(map[types.UserID]*typingEntry),
	}
}

// Reset marks user as typing for a fresh window, cancelling any pending
// expiry for that user.
func (t *TypingTracker) Reset(user types.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.entries[user]; ok {
		prev.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.entries[user] = &typingEntry{
		expires: t.clock.Now().Add(t.window),
		seq:     seq,
		timer:   t.clock.AfterFunc(t.window, func() { t.expire(user, seq) }),
	}
}

func (t *TypingTracker) expire(user types.UserID, seq uint64) {
	t.mu.Lock()
	entry, ok := t.entries[user]
	if !ok || entry.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.entries, user)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(user)
	}
}

// Sweep removes every entry whose window has elapsed and returns the users
// removed.
func (t *TypingTracker) Sweep() []types.UserID {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []types.UserID
	for user, entry := range t.entries {
		if !now.Before(entry.expires) {
			entry.timer.Stop()
			delete(t.entries, user)
			expired = append(expired, user)
		}
	}
	sortUsers(expired)
	return expired
}

// Active returns the users currently typing, sorted.
func (t *TypingTracker) Active() []types.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := make([]types.UserID, 0, len(t.entries))
	for user := range t.entries {
		users = append(users, user)
	}
	sortUsers(users)
	return users
}

// Clear drops all entries and stops their timers.
func (t *TypingTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for user, entry := range t.entries {
		entry.timer.Stop()
		delete(t.entries, user)
	}
}

func sortUsers(users []types.UserID) {
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
}
