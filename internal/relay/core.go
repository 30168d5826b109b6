package relay

import (
	"context"

	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/logging"
	"github.com/talkline/relay/internal/infrastructure/metrics"
)

// Core is the front door of the relay: the transport layer and the HTTP
// handlers talk to Core, Core coordinates the registry, the fan-out
// engine, the presence tracker, and the bridge.
type Core struct {
	registry *Registry
	tracker  *Tracker
	engine   *Engine
	bridge   *Bridge // nil when no backbone is configured

	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewCore(registry *Registry, tracker *Tracker, engine *Engine, bridge *Bridge, logger logging.Logger, m *metrics.Metrics) *Core {
	return &Core{
		registry: registry,
		tracker:  tracker,
		engine:   engine,
		bridge:   bridge,
		logger:   logger,
		metrics:  m,
	}
}

// Ingest accepts one message event, fans it out locally, and replicates it
// to peer processes. Local fan-out never waits on the backbone.
func (c *Core) Ingest(ctx context.Context, ev *domain.MessageDeliveryEvent) int {
	delivered := c.engine.Deliver(ev)

	if c.bridge != nil {
		c.bridge.PublishDelivery(ctx, ev)
	}

	c.logger.Debugf("ingested message %s for room %s (%d local recipients)", ev.MessageID, ev.RoomID, delivered)
	return delivered
}

// Register tracks a fresh, not yet admitted connection.
func (c *Core) Register(connID string, t Transport) {
	c.registry.Register(connID, t)
}

// Admit binds a verified identity to a connection.
func (c *Core) Admit(connID, userID string) error {
	err := c.registry.Admit(connID, userID)

	if c.metrics != nil {
		result := "ok"
		if err != nil {
			result = "rejected"
		}
		c.metrics.Admissions.WithLabelValues(result).Inc()
	}

	return err
}

// Join subscribes a connection to a room.
func (c *Core) Join(connID, roomID string) error {
	return c.registry.Join(connID, roomID)
}

// Leave unsubscribes a connection from a room.
func (c *Core) Leave(connID, roomID string) error {
	return c.registry.Leave(connID, roomID)
}

// CloseConnection runs the full teardown path for one connection.
func (c *Core) CloseConnection(connID string) {
	c.registry.CloseConnection(connID)
}

// Touch refreshes a connection's activity timestamp and, if the user was
// away, flips them back to online.
func (c *Core) Touch(connID string) {
	c.registry.Touch(connID)

	if userID, ok := c.registry.UserOf(connID); ok {
		c.tracker.Activity(userID)
	}
}

// SetAway marks an online user as away.
func (c *Core) SetAway(userID string) {
	c.tracker.SetAway(userID)
}

// Presence reports the tracked presence state for a user.
func (c *Core) Presence(userID string) domain.PresenceRecord {
	return c.tracker.Snapshot(userID)
}

// Shutdown tears down every live connection.
func (c *Core) Shutdown(reason string) {
	c.logger.Info(logging.Relay, logging.Shutdown, "closing all connections", map[logging.ExtraKey]any{
		"reason": reason,
	})
	c.registry.CloseAll(reason)
}
