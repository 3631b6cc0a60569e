// Package presence tracks which users are currently online, fed by realtime
// connections and by plain HTTP heartbeats from clients without a socket.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"peakdecline-live/internal/observability/metrics"
)

// DefaultTTL is how long a heartbeat keeps a connectionless user online.
const DefaultTTL = 15 * time.Second

type entry struct {
	connections int
	lastSeen    time.Time
}

// Tracker maintains the set of online users. A user is online while they hold
// at least one realtime connection, or until their last heartbeat is older
// than the TTL. All operations are idempotent with respect to the visible
// online set.
type Tracker struct {
	ttl      time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Recorder
	onChange func(online []string)
	collator *collate.Collator

	mu    sync.Mutex
	users map[string]*entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL overrides the heartbeat expiry window.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithMetrics sets the metrics recorder used for the online-users gauge.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(t *Tracker) {
		if rec != nil {
			t.metrics = rec
		}
	}
}

// NewTracker builds a Tracker. The onChange callback, if non-nil, receives the
// sorted online list after every change to the set; it is invoked without the
// tracker lock held.
func NewTracker(logger *slog.Logger, onChange func(online []string), opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		ttl:      DefaultTTL,
		clock:    time.Now,
		logger:   logger,
		metrics:  metrics.Default(),
		onChange: onChange,
		collator: collate.New(language.Und, collate.IgnoreCase),
		users:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect registers a realtime connection for the user. Multiple connections
// from the same user (several tabs) are counted and the user stays online
// until the last one disconnects.
func (t *Tracker) Connect(username string) {
	t.mu.Lock()
	e, ok := t.users[username]
	if !ok {
		e = &entry{}
		t.users[username] = e
	}
	e.connections++
	e.lastSeen = t.clock()
	changed := !ok
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if changed {
		t.logger.Debug("user online", "username", username)
		t.notify(snapshot)
	}
}

// Disconnect releases one realtime connection. When the last connection drops
// the user goes offline immediately; heartbeats may bring them back.
func (t *Tracker) Disconnect(username string) {
	t.mu.Lock()
	e, ok := t.users[username]
	if !ok {
		t.mu.Unlock()
		return
	}
	if e.connections > 0 {
		e.connections--
	}
	changed := false
	if e.connections == 0 {
		delete(t.users, username)
		changed = true
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if changed {
		t.logger.Debug("user offline", "username", username)
		t.notify(snapshot)
	}
}

// Heartbeat refreshes the user's last-seen time, adding them to the online set
// if absent. Repeated heartbeats within the TTL do not trigger notifications,
// but a heartbeat that revives an already-expired entry does.
func (t *Tracker) Heartbeat(username string) {
	now := t.clock()
	t.mu.Lock()
	e, ok := t.users[username]
	wasVisible := ok && t.visibleLocked(e, now)
	if !ok {
		e = &entry{}
		t.users[username] = e
	}
	e.lastSeen = now
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if !wasVisible {
		t.notify(snapshot)
	}
}

// Snapshot returns the online usernames sorted case-insensitively. Users whose
// heartbeat has expired are excluded even before a Sweep removes them.
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Sweep removes users whose heartbeat has expired and who hold no realtime
// connection, returning how many were removed.
func (t *Tracker) Sweep() int {
	now := t.clock()
	t.mu.Lock()
	removed := 0
	for username, e := range t.users {
		if e.connections == 0 && now.Sub(e.lastSeen) > t.ttl {
			delete(t.users, username)
			removed++
		}
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if removed > 0 {
		t.logger.Debug("expired stale users", "count", removed)
		t.notify(snapshot)
	}
	return removed
}

func (t *Tracker) snapshotLocked() []string {
	now := t.clock()
	online := make([]string, 0, len(t.users))
	for username, e := range t.users {
		if !t.visibleLocked(e, now) {
			continue
		}
		online = append(online, username)
	}
	t.collator.SortStrings(online)
	return online
}

// visibleLocked reports whether an entry counts as online at the given time.
// Expired heartbeat-only entries stay in the map until a Sweep but never
// appear in snapshots.
func (t *Tracker) visibleLocked(e *entry, now time.Time) bool {
	return e.connections > 0 || now.Sub(e.lastSeen) <= t.ttl
}

func (t *Tracker) notify(online []string) {
	t.metrics.SetOnlineUsers(len(online))
	if t.onChange != nil {
		t.onChange(online)
	}
}
