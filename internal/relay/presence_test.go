package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/logging"
)

type fakeStatusStore struct {
	mu     sync.Mutex
	writes []domain.PresenceRecord
}

func (s *fakeStatusStore) UpdateStatus(_ context.Context, userID string, state domain.PresenceState, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, domain.PresenceRecord{UserID: userID, State: state, LastSeen: lastSeen})
	return nil
}

func (s *fakeStatusStore) GetStatus(_ context.Context, userID string) (*domain.PresenceRecord, error) {
	return &domain.PresenceRecord{UserID: userID, State: domain.PresenceOffline}, nil
}

func (s *fakeStatusStore) lastWrite() (domain.PresenceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writes) == 0 {
		return domain.PresenceRecord{}, false
	}
	return s.writes[len(s.writes)-1], true
}

type transitionRecorder struct {
	mu      sync.Mutex
	records []domain.PresenceRecord
}

func (r *transitionRecorder) observe(rec domain.PresenceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *transitionRecorder) states(userID string) []domain.PresenceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PresenceState
	for _, rec := range r.records {
		if rec.UserID == userID {
			out = append(out, rec.State)
		}
	}
	return out
}

func newTestTracker(grace time.Duration, store domain.UserStatusRepository) (*Tracker, *transitionRecorder) {
	tracker := NewTracker(TrackerOptions{
		Store:        store,
		OfflineGrace: grace,
		WriteTimeout: time.Second,
	}, logging.NewNopLogger(), nil)

	recorder := &transitionRecorder{}
	tracker.Notify(recorder.observe)
	return tracker, recorder
}

func TestFirstConnectionFlipsOnline(t *testing.T) {
	tracker, recorder := newTestTracker(50*time.Millisecond, nil)

	tracker.ConnectionAdmitted("c1", "alice")

	assert.Equal(t, domain.PresenceOnline, tracker.Snapshot("alice").State)
	assert.Equal(t, []domain.PresenceState{domain.PresenceOnline}, recorder.states("alice"))
}

func TestSecondConnectionDoesNotRetransition(t *testing.T) {
	tracker, recorder := newTestTracker(50*time.Millisecond, nil)

	tracker.ConnectionAdmitted("c1", "alice")
	tracker.ConnectionAdmitted("c2", "alice")

	assert.Len(t, recorder.states("alice"), 1)
}

func TestOfflineAfterGraceWindow(t *testing.T) {
	store := &fakeStatusStore{}
	tracker, recorder := newTestTracker(30*time.Millisecond, store)

	tracker.ConnectionAdmitted("c1", "alice")

	closedAt := time.Now()
	tracker.ConnectionClosed("c1", "alice", closedAt)

	// still online inside the window
	assert.Equal(t, domain.PresenceOnline, tracker.Snapshot("alice").State)

	require.Eventually(t, func() bool {
		return tracker.Snapshot("alice").State == domain.PresenceOffline
	}, time.Second, 5*time.Millisecond)

	snap := tracker.Snapshot("alice")
	assert.Equal(t, closedAt, snap.LastSeen)
	assert.Equal(t, []domain.PresenceState{domain.PresenceOnline, domain.PresenceOffline}, recorder.states("alice"))

	require.Eventually(t, func() bool {
		rec, ok := store.lastWrite()
		return ok && rec.State == domain.PresenceOffline
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectInsideGraceCancelsOffline(t *testing.T) {
	tracker, recorder := newTestTracker(40*time.Millisecond, nil)

	tracker.ConnectionAdmitted("c1", "alice")
	tracker.ConnectionClosed("c1", "alice", time.Now())
	tracker.ConnectionAdmitted("c2", "alice")

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, domain.PresenceOnline, tracker.Snapshot("alice").State)
	// only the initial online transition; the reconnect observed no change
	assert.Equal(t, []domain.PresenceState{domain.PresenceOnline}, recorder.states("alice"))
}

func TestCloseWithRemainingConnectionStaysOnline(t *testing.T) {
	tracker, _ := newTestTracker(30*time.Millisecond, nil)

	tracker.ConnectionAdmitted("c1", "alice")
	tracker.ConnectionAdmitted("c2", "alice")
	tracker.ConnectionClosed("c1", "alice", time.Now())

	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, domain.PresenceOnline, tracker.Snapshot("alice").State)
}

func TestAwayAndActivity(t *testing.T) {
	tracker, recorder := newTestTracker(50*time.Millisecond, nil)

	// away on an offline user is a no-op
	tracker.SetAway("alice")
	assert.Empty(t, recorder.states("alice"))

	tracker.ConnectionAdmitted("c1", "alice")
	tracker.SetAway("alice")
	assert.Equal(t, domain.PresenceAway, tracker.Snapshot("alice").State)

	tracker.Activity("alice")
	assert.Equal(t, domain.PresenceOnline, tracker.Snapshot("alice").State)

	assert.Equal(t, []domain.PresenceState{
		domain.PresenceOnline,
		domain.PresenceAway,
		domain.PresenceOnline,
	}, recorder.states("alice"))
}

func TestRemoteConnectionsBlockOffline(t *testing.T) {
	tracker, _ := newTestTracker(30*time.Millisecond, nil)

	tracker.ConnectionAdmitted("c1", "alice")
	tracker.ObserveRemoteAdmitted("alice")
	tracker.ConnectionClosed("c1", "alice", time.Now())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, domain.PresenceOnline, tracker.Snapshot("alice").State)

	// once the remote connection goes too, the user can fall offline
	tracker.ObserveRemoteClosed("alice", time.Now())
	tracker.ConnectionAdmitted("c2", "alice")
	tracker.ConnectionClosed("c2", "alice", time.Now())

	require.Eventually(t, func() bool {
		return tracker.Snapshot("alice").State == domain.PresenceOffline
	}, time.Second, 5*time.Millisecond)
}

func TestRemoteCloseCommitsOffline(t *testing.T) {
	tracker, recorder := newTestTracker(30*time.Millisecond, nil)

	tracker.ConnectionAdmitted("c1", "alice")
	tracker.ObserveRemoteAdmitted("alice")

	// local close alone changes nothing, the peer still holds a connection
	tracker.ConnectionClosed("c1", "alice", time.Now())
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, domain.PresenceOnline, tracker.Snapshot("alice").State)

	// the peer's close was the last connection anywhere
	closedAt := time.Now()
	tracker.ObserveRemoteClosed("alice", closedAt)

	require.Eventually(t, func() bool {
		return tracker.Snapshot("alice").State == domain.PresenceOffline
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, closedAt, tracker.Snapshot("alice").LastSeen)
	assert.Equal(t, []domain.PresenceState{domain.PresenceOnline, domain.PresenceOffline}, recorder.states("alice"))
}

func TestApplyRemoteReconcilesTrackedEntry(t *testing.T) {
	tracker, recorder := newTestTracker(30*time.Millisecond, nil)

	tracker.ConnectionAdmitted("c1", "alice")
	tracker.ObserveRemoteAdmitted("alice")
	tracker.ConnectionClosed("c1", "alice", time.Now())

	lastSeen := time.Now()
	tracker.ApplyRemote(domain.PresenceRecord{UserID: "alice", State: domain.PresenceOffline, LastSeen: lastSeen})

	snap := tracker.Snapshot("alice")
	assert.Equal(t, domain.PresenceOffline, snap.State)
	assert.Equal(t, lastSeen, snap.LastSeen)
	// peer transitions are reconciled, not re-notified
	assert.Equal(t, []domain.PresenceState{domain.PresenceOnline}, recorder.states("alice"))
}

func TestApplyRemoteOfflineLosesToLocalConnection(t *testing.T) {
	tracker, _ := newTestTracker(30*time.Millisecond, nil)

	tracker.ConnectionAdmitted("c1", "alice")
	tracker.ApplyRemote(domain.PresenceRecord{UserID: "alice", State: domain.PresenceOffline, LastSeen: time.Now()})

	assert.Equal(t, domain.PresenceOnline, tracker.Snapshot("alice").State)
}

type stallingCounter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *stallingCounter) wait(ctx context.Context) {
	c.once.Do(func() { close(c.entered) })
	select {
	case <-c.release:
	case <-ctx.Done():
	}
}

func (c *stallingCounter) Incr(ctx context.Context, _ string) (int64, error) {
	c.wait(ctx)
	return 1, nil
}

func (c *stallingCounter) Decr(ctx context.Context, _ string) (int64, error) {
	c.wait(ctx)
	return 0, nil
}

func (c *stallingCounter) Count(ctx context.Context, _ string) (int64, error) {
	c.wait(ctx)
	return 0, nil
}

func TestSlowCounterDoesNotBlockTracker(t *testing.T) {
	counter := &stallingCounter{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	defer close(counter.release)

	tracker := NewTracker(TrackerOptions{
		Shared:       counter,
		OfflineGrace: 30 * time.Millisecond,
	}, logging.NewNopLogger(), nil)

	go tracker.ConnectionAdmitted("c1", "alice")
	<-counter.entered

	// reads must not queue behind the stalled counter round-trip
	done := make(chan struct{})
	go func() {
		tracker.Snapshot("bob")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("snapshot blocked behind counter I/O")
	}
}

func TestSnapshotUnknownUserIsOffline(t *testing.T) {
	tracker, _ := newTestTracker(50*time.Millisecond, nil)

	snap := tracker.Snapshot("nobody")
	assert.Equal(t, domain.PresenceOffline, snap.State)
	assert.True(t, snap.LastSeen.IsZero())
}
