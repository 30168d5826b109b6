package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/logging"
	"github.com/talkline/relay/internal/infrastructure/metrics"
)

const counterOpTimeout = 500 * time.Millisecond

// PresenceNotifier receives every committed presence transition.
type PresenceNotifier func(rec domain.PresenceRecord)

// Tracker derives online/offline/away state from registry lifecycle events.
// It is the single writer of presence state and never mutates the registry.
//
// Offline transitions are debounced: when the last connection for a user
// closes, a cancellable timer runs for the grace window and a reconnect
// inside it cancels the pending transition. The timer is process-local and
// lost on crash.
//
// Shared-counter round-trips never run under the state mutex: a slow or
// dead Redis must not serialize admissions and teardowns behind one lock.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*presenceEntry
	local   *LocalConnCounter
	remote  map[string]int64 // connections observed on peer processes

	shared   ConnCounter // nil in single-process deployments
	degraded atomic.Bool // shared counter unreachable; logged once

	store        domain.UserStatusRepository
	grace        time.Duration
	writeTimeout time.Duration

	notifiers []PresenceNotifier // fixed after startup

	logger  logging.Logger
	metrics *metrics.Metrics
}

type presenceEntry struct {
	state    domain.PresenceState
	lastSeen time.Time
	pending  *time.Timer // armed offline transition, nil when none
	closedAt time.Time   // close time backing the pending transition
}

type TrackerOptions struct {
	Store        domain.UserStatusRepository
	Shared       ConnCounter
	OfflineGrace time.Duration
	WriteTimeout time.Duration
}

func NewTracker(opts TrackerOptions, logger logging.Logger, m *metrics.Metrics) *Tracker {
	if opts.OfflineGrace <= 0 {
		opts.OfflineGrace = 8 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	return &Tracker{
		entries:      make(map[string]*presenceEntry),
		local:        NewLocalConnCounter(),
		remote:       make(map[string]int64),
		shared:       opts.Shared,
		store:        opts.Store,
		grace:        opts.OfflineGrace,
		writeTimeout: opts.WriteTimeout,
		logger:       logger,
		metrics:      m,
	}
}

// Notify registers a transition observer. Must be called before the relay
// starts accepting connections.
func (t *Tracker) Notify(n PresenceNotifier) {
	t.notifiers = append(t.notifiers, n)
}

// ConnectionAdmitted implements Listener. First connection anywhere flips
// the user online; a reconnect inside the grace window cancels the pending
// offline transition.
func (t *Tracker) ConnectionAdmitted(_, userID string) {
	t.local.Incr(context.Background(), userID)
	t.incrShared(userID)

	t.mu.Lock()
	entry := t.entry(userID)
	if entry.pending != nil {
		entry.pending.Stop()
		entry.pending = nil
	}

	var rec *domain.PresenceRecord
	if entry.state != domain.PresenceOnline {
		rec = t.transitionLocked(userID, entry, domain.PresenceOnline, time.Time{})
	}
	t.mu.Unlock()

	t.notify(rec)
}

// ConnectionClosed implements Listener. The offline transition is armed,
// not committed: it fires only if the user is still fully disconnected
// once the grace window elapses.
func (t *Tracker) ConnectionClosed(_, userID string, at time.Time) {
	if userID == "" {
		return // never admitted, no presence to update
	}

	t.local.Decr(context.Background(), userID)
	t.decrShared(userID)

	if t.connectedAnywhere(userID) {
		return
	}

	t.armOffline(userID, at)
}

// RoomJoined implements Listener.
func (t *Tracker) RoomJoined(_, _, _ string) {}

// RoomLeft implements Listener.
func (t *Tracker) RoomLeft(_, _, _ string) {}

// armOffline starts the grace timer for a user believed to be fully
// disconnected. The timer re-checks before committing, so arming on stale
// evidence is harmless.
func (t *Tracker) armOffline(userID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entry(userID)
	if entry.state == domain.PresenceOffline {
		return
	}
	if entry.pending != nil {
		entry.pending.Stop()
	}
	entry.closedAt = at
	entry.pending = time.AfterFunc(t.grace, func() {
		t.onGraceElapsed(userID)
	})

	t.logger.Debugf("presence: offline debounce armed for user %s", userID)
}

func (t *Tracker) onGraceElapsed(userID string) {
	t.mu.Lock()
	entry, ok := t.entries[userID]
	if !ok || entry.pending == nil {
		t.mu.Unlock()
		return // cancelled by a reconnect
	}
	entry.pending = nil
	closedAt := entry.closedAt
	t.mu.Unlock()

	if t.connectedAnywhere(userID) {
		return
	}

	t.mu.Lock()
	entry, ok = t.entries[userID]
	if !ok || entry.state == domain.PresenceOffline {
		t.mu.Unlock()
		return
	}
	// a reconnect may have landed between the check above and this lock
	if n, _ := t.local.Count(context.Background(), userID); n > 0 {
		t.mu.Unlock()
		return
	}

	rec := t.transitionLocked(userID, entry, domain.PresenceOffline, closedAt)
	t.mu.Unlock()

	t.notify(rec)
}

// SetAway flips an online user to away. Driven by external inactivity
// heuristics; the relay core only exposes the hook.
func (t *Tracker) SetAway(userID string) {
	t.mu.Lock()
	entry := t.entry(userID)

	var rec *domain.PresenceRecord
	if entry.state == domain.PresenceOnline {
		rec = t.transitionLocked(userID, entry, domain.PresenceAway, time.Time{})
	}
	t.mu.Unlock()

	t.notify(rec)
}

// Activity returns an away user to online on any inbound frame.
func (t *Tracker) Activity(userID string) {
	t.mu.Lock()
	entry := t.entry(userID)

	var rec *domain.PresenceRecord
	if entry.state == domain.PresenceAway {
		rec = t.transitionLocked(userID, entry, domain.PresenceOnline, time.Time{})
	}
	t.mu.Unlock()

	t.notify(rec)
}

// Snapshot reports the tracked state for a user; unknown users are offline.
func (t *Tracker) Snapshot(userID string) domain.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok {
		return domain.PresenceRecord{UserID: userID, State: domain.PresenceOffline}
	}

	return domain.PresenceRecord{UserID: userID, State: entry.state, LastSeen: entry.lastSeen}
}

// ObserveRemoteAdmitted applies a membership delta from a peer process.
// These counts back up the shared counter when Redis is unreachable.
func (t *Tracker) ObserveRemoteAdmitted(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote[userID]++
}

// ObserveRemoteClosed applies a close delta from a peer process. When the
// peer held the user's last connection cluster-wide, the local entry must
// fall offline too, so the debounce is armed here exactly as it is for a
// local close.
func (t *Tracker) ObserveRemoteClosed(userID string, at time.Time) {
	t.mu.Lock()
	if n := t.remote[userID]; n <= 1 {
		delete(t.remote, userID)
	} else {
		t.remote[userID] = n - 1
	}

	entry, tracked := t.entries[userID]
	settled := !tracked || entry.state == domain.PresenceOffline || entry.pending != nil
	t.mu.Unlock()

	if settled {
		return
	}
	if t.connectedAnywhere(userID) {
		return
	}

	if at.IsZero() {
		at = time.Now()
	}
	t.armOffline(userID, at)
}

// ApplyRemote reconciles a transition committed on a peer process into the
// local entries, so snapshots agree across the cluster. Peer transitions
// are never re-notified: the bridge broadcasts them to local sockets
// itself, and republishing would bounce the envelope between processes.
func (t *Tracker) ApplyRemote(rec domain.PresenceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[rec.UserID]
	if !ok {
		return // never tracked here; reads fall through to the store
	}

	if rec.State == domain.PresenceOffline {
		// local evidence wins: a live connection here keeps the user online
		if n, _ := t.local.Count(context.Background(), rec.UserID); n > 0 {
			return
		}
	}

	if entry.pending != nil {
		entry.pending.Stop()
		entry.pending = nil
	}
	entry.state = rec.State
	if !rec.LastSeen.IsZero() {
		entry.lastSeen = rec.LastSeen
	}
}

func (t *Tracker) entry(userID string) *presenceEntry {
	entry, ok := t.entries[userID]
	if !ok {
		entry = &presenceEntry{state: domain.PresenceOffline}
		t.entries[userID] = entry
	}
	return entry
}

// connectedAnywhere decides the presence invariant. Prefers the shared
// cluster counter; falls back to local plus bridge-observed remote counts
// when the counter is unreachable. Must not be called with the state
// mutex held: the counter round-trip can take up to its op timeout.
func (t *Tracker) connectedAnywhere(userID string) bool {
	if n, _ := t.local.Count(context.Background(), userID); n > 0 {
		return true
	}

	if t.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), counterOpTimeout)
		n, err := t.shared.Count(ctx, userID)
		cancel()

		if err == nil {
			t.degraded.Store(false)
			return n > 0
		}
		t.degradeOnce(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote[userID] > 0
}

func (t *Tracker) incrShared(userID string) {
	if t.shared == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), counterOpTimeout)
	defer cancel()

	if _, err := t.shared.Incr(ctx, userID); err != nil {
		t.degradeOnce(err)
	}
}

func (t *Tracker) decrShared(userID string) {
	if t.shared == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), counterOpTimeout)
	defer cancel()

	if _, err := t.shared.Decr(ctx, userID); err != nil {
		t.degradeOnce(err)
	}
}

func (t *Tracker) degradeOnce(err error) {
	if t.degraded.Swap(true) {
		return
	}
	t.logger.Warn(logging.Presence, logging.Transition, "shared connection counter unreachable, presence degraded to local counts", map[logging.ExtraKey]any{
		logging.ErrorMessage: err.Error(),
	})
}

// transitionLocked commits a state change and kicks off the durable write.
// The write is fire-and-forget: a failure is logged, in-memory state kept,
// and the store catches up on the next transition.
func (t *Tracker) transitionLocked(userID string, entry *presenceEntry, state domain.PresenceState, lastSeen time.Time) *domain.PresenceRecord {
	entry.state = state
	if !lastSeen.IsZero() {
		entry.lastSeen = lastSeen
	}

	if t.metrics != nil {
		t.metrics.PresenceChanges.WithLabelValues(string(state)).Inc()
	}

	rec := domain.PresenceRecord{UserID: userID, State: state, LastSeen: entry.lastSeen}

	if t.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
			defer cancel()

			if err := t.store.UpdateStatus(ctx, userID, rec.State, rec.LastSeen); err != nil {
				t.logger.Error(logging.Presence, logging.Transition, "presence write failed, state kept in memory", map[logging.ExtraKey]any{
					logging.UserID:       userID,
					logging.ErrorMessage: err.Error(),
				})
			}
		}()
	}

	return &rec
}

func (t *Tracker) notify(rec *domain.PresenceRecord) {
	if rec == nil {
		return
	}
	for _, n := range t.notifiers {
		n(*rec)
	}
}
