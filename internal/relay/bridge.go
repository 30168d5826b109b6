package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/logging"
	"github.com/talkline/relay/internal/infrastructure/metrics"
)

// Backbone is the pub/sub transport the bridge rides on. Publish must fail
// fast with ErrBackboneUnavailable when the broker is unreachable.
type Backbone interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Healthy() bool
}

const (
	kindDelivery = "delivery"
	kindAdmitted = "admitted"
	kindClosed   = "closed"
	kindPresence = "presence"
)

// envelope is the wire format on the backbone. Every process sees every
// envelope, including its own; Origin is how a process recognizes and
// drops its echoes.
type envelope struct {
	Origin string `json:"origin"`
	Kind   string `json:"kind"`

	Delivery   *domain.MessageDeliveryEvent `json:"delivery,omitempty"`
	Presence   *domain.PresenceRecord       `json:"presence,omitempty"`
	Membership *membershipDelta             `json:"membership,omitempty"`
}

type membershipDelta struct {
	ConnID string    `json:"connId"`
	UserID string    `json:"userId"`
	At     time.Time `json:"at,omitempty"`
}

// Bridge replicates local relay events to peer processes and applies the
// peers' events locally. Everything it applies is local-only: a consumed
// delivery is fanned out to this process's sockets and never re-published,
// so an event crosses the backbone exactly once.
type Bridge struct {
	origin   string
	backbone Backbone
	engine   *Engine
	tracker  *Tracker

	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewBridge(backbone Backbone, engine *Engine, tracker *Tracker, logger logging.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		origin:   uuid.NewString(),
		backbone: backbone,
		engine:   engine,
		tracker:  tracker,
		logger:   logger,
		metrics:  m,
	}
}

// Origin identifies this process on the backbone.
func (b *Bridge) Origin() string {
	return b.origin
}

// PublishDelivery replicates a locally ingested message to peer processes.
// A dead backbone is not an error for the caller: local fan-out already
// happened and the relay keeps running in single-process mode.
func (b *Bridge) PublishDelivery(ctx context.Context, ev *domain.MessageDeliveryEvent) {
	b.publish(ctx, envelope{Origin: b.origin, Kind: kindDelivery, Delivery: ev})
}

// PublishPresence replicates a committed presence transition. Registered as
// a tracker notifier.
func (b *Bridge) PublishPresence(rec domain.PresenceRecord) {
	b.publish(context.Background(), envelope{Origin: b.origin, Kind: kindPresence, Presence: &rec})
}

// ConnectionAdmitted implements Listener. Membership deltas let peers keep
// approximate per-user connection counts when the shared counter is down.
func (b *Bridge) ConnectionAdmitted(connID, userID string) {
	b.publish(context.Background(), envelope{
		Origin:     b.origin,
		Kind:       kindAdmitted,
		Membership: &membershipDelta{ConnID: connID, UserID: userID},
	})
}

// ConnectionClosed implements Listener.
func (b *Bridge) ConnectionClosed(connID, userID string, at time.Time) {
	if userID == "" {
		return
	}
	b.publish(context.Background(), envelope{
		Origin:     b.origin,
		Kind:       kindClosed,
		Membership: &membershipDelta{ConnID: connID, UserID: userID, At: at},
	})
}

// RoomJoined implements Listener. Room membership is process-local, peers
// do not need it.
func (b *Bridge) RoomJoined(_, _, _ string) {}

// RoomLeft implements Listener.
func (b *Bridge) RoomLeft(_, _, _ string) {}

func (b *Bridge) publish(ctx context.Context, env envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		b.logger.Error(logging.Relay, logging.Bridge, "envelope marshal failed", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	if err := b.backbone.Publish(ctx, env.Kind, body); err != nil {
		if b.metrics != nil {
			b.metrics.BridgeEvents.WithLabelValues("publish_failed").Inc()
		}
		if !errors.Is(err, domain.ErrBackboneUnavailable) {
			b.logger.Warn(logging.Relay, logging.Bridge, "bridge publish failed", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
			})
		}
		return
	}

	if b.metrics != nil {
		b.metrics.BridgeEvents.WithLabelValues("published").Inc()
	}
}

// HandleMessage consumes one backbone envelope. Wired as the backbone's
// consume handler.
func (b *Bridge) HandleMessage(_ context.Context, _ string, body []byte) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		b.logger.Warn(logging.Relay, logging.Bridge, "dropping malformed bridge envelope", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	if env.Origin == b.origin {
		if b.metrics != nil {
			b.metrics.BridgeEvents.WithLabelValues("self_dropped").Inc()
		}
		return
	}

	if b.metrics != nil {
		b.metrics.BridgeEvents.WithLabelValues("consumed").Inc()
	}

	switch env.Kind {
	case kindDelivery:
		if env.Delivery != nil {
			b.engine.Deliver(env.Delivery)
		}
	case kindPresence:
		if env.Presence != nil {
			b.tracker.ApplyRemote(*env.Presence)
			b.engine.BroadcastPresence(*env.Presence)
		}
	case kindAdmitted:
		if env.Membership != nil {
			b.tracker.ObserveRemoteAdmitted(env.Membership.UserID)
		}
	case kindClosed:
		if env.Membership != nil {
			b.tracker.ObserveRemoteClosed(env.Membership.UserID, env.Membership.At)
		}
	default:
		b.logger.Debugf("ignoring unknown bridge envelope kind %q", env.Kind)
	}
}
