// Package relay implements the real-time core under the chat API: the
// connection registry, room fan-out, presence tracking, and the
// cross-process broadcast bridge.
package relay

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/logging"
	"github.com/talkline/relay/internal/infrastructure/metrics"
)

const registryShards = 32

// Transport is the write side of one live client connection. Implementations
// must not block in DeliverMessage: a full outbound queue returns
// ErrSlowConsumer and the caller decides what to do with the connection.
type Transport interface {
	DeliverMessage(ev *domain.MessageDeliveryEvent) error
	DeliverPresence(rec domain.PresenceRecord) error
	Close(reason string)
}

// Member is a point-in-time view of one room subscription. Snapshots go
// stale immediately; consumers must tolerate members that disconnected
// between snapshot and use.
type Member struct {
	ConnID    string
	UserID    string
	Transport Transport
}

// Listener observes connection lifecycle changes. Callbacks run
// synchronously on the mutating goroutine, outside registry locks.
type Listener interface {
	ConnectionAdmitted(connID, userID string)
	RoomJoined(connID, userID, roomID string)
	RoomLeft(connID, userID, roomID string)
	ConnectionClosed(connID, userID string, at time.Time)
}

type connection struct {
	id         string
	userID     string // empty until admitted
	transport  Transport
	rooms      map[string]struct{}
	lastActive time.Time
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member // roomID -> connID -> member
}

// Registry is the single writer of connection and room membership state on
// this process. Mutations are serialized per key through lock striping;
// reads are shard-local snapshots.
type Registry struct {
	connShards [registryShards]connShard
	roomShards [registryShards]roomShard

	listeners []Listener // fixed after startup

	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewRegistry(logger logging.Logger, m *metrics.Metrics) *Registry {
	r := &Registry{
		logger:  logger,
		metrics: m,
	}

	for i := range r.connShards {
		r.connShards[i].conns = make(map[string]*connection)
	}
	for i := range r.roomShards {
		r.roomShards[i].rooms = make(map[string]map[string]Member)
	}

	return r
}

// AddListener registers a lifecycle observer. Must be called before the
// registry starts accepting connections.
func (r *Registry) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % registryShards
}

func (r *Registry) connShard(connID string) *connShard {
	return &r.connShards[shardIndex(connID)]
}

func (r *Registry) roomShard(roomID string) *roomShard {
	return &r.roomShards[shardIndex(roomID)]
}

// Register tracks a fresh, not yet admitted connection.
func (r *Registry) Register(connID string, t Transport) {
	shard := r.connShard(connID)

	shard.mu.Lock()
	shard.conns[connID] = &connection{
		id:         connID,
		transport:  t,
		rooms:      make(map[string]struct{}),
		lastActive: time.Now(),
	}
	shard.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveConnections.Inc()
	}
}

// Admit binds a verified identity to a registered connection. The
// handshake timeout lives in the transport layer; by the time Admit is
// called the identity has already been verified.
func (r *Registry) Admit(connID, userID string) error {
	if userID == "" {
		return domain.ErrUnauthenticated
	}

	shard := r.connShard(connID)

	shard.mu.Lock()
	conn, ok := shard.conns[connID]
	if !ok {
		shard.mu.Unlock()
		return domain.ErrConnectionNotFound
	}
	if conn.userID != "" {
		shard.mu.Unlock()
		return domain.ErrAlreadyAdmitted
	}
	conn.userID = userID
	conn.lastActive = time.Now()
	shard.mu.Unlock()

	for _, l := range r.listeners {
		l.ConnectionAdmitted(connID, userID)
	}

	return nil
}

// Join subscribes a connection to a room. Joining a room the connection is
// already in is a no-op.
func (r *Registry) Join(connID, roomID string) error {
	shard := r.connShard(connID)

	shard.mu.Lock()
	conn, ok := shard.conns[connID]
	if !ok {
		shard.mu.Unlock()
		return domain.ErrConnectionNotFound
	}
	if conn.userID == "" {
		shard.mu.Unlock()
		return domain.ErrNotAdmitted
	}
	if _, exists := conn.rooms[roomID]; exists {
		shard.mu.Unlock()
		return nil
	}
	conn.rooms[roomID] = struct{}{}
	member := Member{ConnID: connID, UserID: conn.userID, Transport: conn.transport}
	shard.mu.Unlock()

	rs := r.roomShard(roomID)
	rs.mu.Lock()
	room, ok := rs.rooms[roomID]
	if !ok {
		room = make(map[string]Member)
		rs.rooms[roomID] = room
	}
	room[connID] = member
	rs.mu.Unlock()

	// CloseConnection may have swept conn.rooms between the two locks,
	// before the member above landed. Re-check and undo rather than leave
	// a ghost member the sweep can never see.
	shard.mu.RLock()
	_, alive := shard.conns[connID]
	shard.mu.RUnlock()
	if !alive {
		r.removeFromRoom(connID, roomID)
		return domain.ErrConnectionNotFound
	}

	for _, l := range r.listeners {
		l.RoomJoined(connID, member.UserID, roomID)
	}

	return nil
}

// Leave unsubscribes a connection from a room. Idempotent.
func (r *Registry) Leave(connID, roomID string) error {
	shard := r.connShard(connID)

	shard.mu.Lock()
	conn, ok := shard.conns[connID]
	if !ok {
		shard.mu.Unlock()
		return domain.ErrConnectionNotFound
	}
	if _, exists := conn.rooms[roomID]; !exists {
		shard.mu.Unlock()
		return nil
	}
	delete(conn.rooms, roomID)
	userID := conn.userID
	shard.mu.Unlock()

	r.removeFromRoom(connID, roomID)

	for _, l := range r.listeners {
		l.RoomLeft(connID, userID, roomID)
	}

	return nil
}

func (r *Registry) removeFromRoom(connID, roomID string) {
	rs := r.roomShard(roomID)

	rs.mu.Lock()
	if room, ok := rs.rooms[roomID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(rs.rooms, roomID)
		}
	}
	rs.mu.Unlock()
}

// CloseConnection removes a connection from every room it joined and
// drops it from the registry. Safe to call more than once; later calls
// are no-ops.
func (r *Registry) CloseConnection(connID string) {
	shard := r.connShard(connID)

	shard.mu.Lock()
	conn, ok := shard.conns[connID]
	if !ok {
		shard.mu.Unlock()
		return
	}
	delete(shard.conns, connID)
	userID := conn.userID
	rooms := make([]string, 0, len(conn.rooms))
	for roomID := range conn.rooms {
		rooms = append(rooms, roomID)
	}
	shard.mu.Unlock()

	closedAt := time.Now()

	for _, roomID := range rooms {
		r.removeFromRoom(connID, roomID)
	}

	if r.metrics != nil {
		r.metrics.ActiveConnections.Dec()
	}

	for _, l := range r.listeners {
		for _, roomID := range rooms {
			l.RoomLeft(connID, userID, roomID)
		}
		l.ConnectionClosed(connID, userID, closedAt)
	}

	r.logger.Debugf("connection %s closed (user %q, %d rooms)", connID, userID, len(rooms))
}

// MembersOf returns a snapshot of the room's current subscribers.
func (r *Registry) MembersOf(roomID string) []Member {
	rs := r.roomShard(roomID)

	rs.mu.RLock()
	defer rs.mu.RUnlock()

	room, ok := rs.rooms[roomID]
	if !ok {
		return nil
	}

	members := make([]Member, 0, len(room))
	for _, m := range room {
		members = append(members, m)
	}
	return members
}

// Connections returns a snapshot of every admitted connection.
func (r *Registry) Connections() []Member {
	var members []Member
	for i := range r.connShards {
		shard := &r.connShards[i]
		shard.mu.RLock()
		for _, conn := range shard.conns {
			if conn.userID == "" {
				continue
			}
			members = append(members, Member{ConnID: conn.id, UserID: conn.userID, Transport: conn.transport})
		}
		shard.mu.RUnlock()
	}
	return members
}

// Touch refreshes the connection's last-activity timestamp.
func (r *Registry) Touch(connID string) {
	shard := r.connShard(connID)

	shard.mu.Lock()
	if conn, ok := shard.conns[connID]; ok {
		conn.lastActive = time.Now()
	}
	shard.mu.Unlock()
}

// UserOf reports the identity bound to a connection, if any.
func (r *Registry) UserOf(connID string) (string, bool) {
	shard := r.connShard(connID)

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	conn, ok := shard.conns[connID]
	if !ok || conn.userID == "" {
		return "", false
	}
	return conn.userID, true
}

// CloseAll tears down every connection through the normal teardown path.
// Used on graceful shutdown; bounded by the transports' close deadlines.
func (r *Registry) CloseAll(reason string) {
	var ids []string
	var transports []Transport

	for i := range r.connShards {
		shard := &r.connShards[i]
		shard.mu.RLock()
		for id, conn := range shard.conns {
			ids = append(ids, id)
			transports = append(transports, conn.transport)
		}
		shard.mu.RUnlock()
	}

	for i, id := range ids {
		transports[i].Close(reason)
		r.CloseConnection(id)
	}
}
