package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/logging"
)

func newTestEngine(t *testing.T) (*Engine, *Registry) {
	t.Helper()
	registry := newTestRegistry()
	engine := NewEngine(registry, logging.NewNopLogger(), nil)
	return engine, registry
}

func join(t *testing.T, r *Registry, connID, userID, roomID string, transport Transport) {
	t.Helper()
	r.Register(connID, transport)
	require.NoError(t, r.Admit(connID, userID))
	require.NoError(t, r.Join(connID, roomID))
}

func testEvent(roomID, senderID string) *domain.MessageDeliveryEvent {
	ev, err := domain.NewMessageDeliveryEvent("m1", roomID, senderID, "hello", time.Now())
	if err != nil {
		panic(err)
	}
	return ev
}

func TestDeliverExcludesEverySenderConnection(t *testing.T) {
	engine, registry := newTestEngine(t)

	// the sender is in the room twice, from two devices
	senderA := &fakeTransport{}
	senderB := &fakeTransport{}
	bob := &fakeTransport{}
	carol := &fakeTransport{}

	join(t, registry, "alice-1", "alice", "room-1", senderA)
	join(t, registry, "alice-2", "alice", "room-1", senderB)
	join(t, registry, "bob-1", "bob", "room-1", bob)
	join(t, registry, "carol-1", "carol", "room-1", carol)

	attempted := engine.Deliver(testEvent("room-1", "alice"))

	assert.Equal(t, 2, attempted)
	assert.Zero(t, senderA.messageCount())
	assert.Zero(t, senderB.messageCount())
	assert.Equal(t, 1, bob.messageCount())
	assert.Equal(t, 1, carol.messageCount())
}

func TestDeliverToEmptyRoom(t *testing.T) {
	engine, _ := newTestEngine(t)
	assert.Zero(t, engine.Deliver(testEvent("room-1", "alice")))
}

func TestDeliverSkipsOtherRooms(t *testing.T) {
	engine, registry := newTestEngine(t)

	inRoom := &fakeTransport{}
	elsewhere := &fakeTransport{}
	join(t, registry, "bob-1", "bob", "room-1", inRoom)
	join(t, registry, "carol-1", "carol", "room-2", elsewhere)

	engine.Deliver(testEvent("room-1", "alice"))

	assert.Equal(t, 1, inRoom.messageCount())
	assert.Zero(t, elsewhere.messageCount())
}

func TestSlowConsumerIsEvictedOthersDelivered(t *testing.T) {
	engine, registry := newTestEngine(t)

	stuck := &fakeTransport{deliverErr: domain.ErrSlowConsumer}
	healthy := &fakeTransport{}
	join(t, registry, "bob-1", "bob", "room-1", stuck)
	join(t, registry, "carol-1", "carol", "room-1", healthy)

	engine.Deliver(testEvent("room-1", "alice"))

	assert.Equal(t, 1, healthy.messageCount())

	require.Eventually(t, func() bool {
		return stuck.isClosed() && len(registry.MembersOf("room-1")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcastPresenceReachesAllConnections(t *testing.T) {
	engine, registry := newTestEngine(t)

	bob := &fakeTransport{}
	carol := &fakeTransport{}
	pending := &fakeTransport{}

	join(t, registry, "bob-1", "bob", "room-1", bob)
	join(t, registry, "carol-1", "carol", "room-2", carol)
	registry.Register("pending-1", pending) // never admitted

	engine.BroadcastPresence(domain.PresenceRecord{UserID: "alice", State: domain.PresenceOnline})

	assert.Equal(t, 1, bob.presenceCount())
	assert.Equal(t, 1, carol.presenceCount())
	assert.Zero(t, pending.presenceCount())
}
