package relay

import (
	"errors"
	"time"

	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/logging"
	"github.com/talkline/relay/internal/infrastructure/metrics"
)

// Engine fans events out to the local subscribers of a room. It works off
// registry snapshots: a member that disconnects mid-fanout just fails its
// own delivery, the rest of the room is unaffected.
type Engine struct {
	registry *Registry
	logger   logging.Logger
	metrics  *metrics.Metrics
}

func NewEngine(registry *Registry, logger logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		registry: registry,
		logger:   logger,
		metrics:  m,
	}
}

// Deliver sends the event to every local member of the room except
// connections owned by the sender. Exclusion is by identity, not by
// connection: the sender's other devices in the room are skipped too.
//
// A failed delivery tears down that one connection and the fan-out
// continues; Deliver only reports how many recipients were attempted.
func (e *Engine) Deliver(ev *domain.MessageDeliveryEvent) int {
	start := time.Now()

	members := e.registry.MembersOf(ev.RoomID)

	attempted := 0
	for _, m := range members {
		if m.UserID == ev.SenderID {
			continue
		}
		attempted++

		if err := m.Transport.DeliverMessage(ev); err != nil {
			e.evict(m, err)
			continue
		}

		if e.metrics != nil {
			e.metrics.Deliveries.WithLabelValues("ok").Inc()
		}
	}

	if e.metrics != nil {
		e.metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	}

	return attempted
}

// BroadcastPresence pushes a presence change to every admitted local
// connection, including the user's own devices.
func (e *Engine) BroadcastPresence(rec domain.PresenceRecord) {
	for _, m := range e.registry.Connections() {
		if err := m.Transport.DeliverPresence(rec); err != nil {
			e.evict(m, err)
		}
	}
}

// evict tears down a connection that cannot keep up or whose socket broke.
// Teardown runs on a separate goroutine so one bad connection never stalls
// the fan-out loop.
func (e *Engine) evict(m Member, err error) {
	if e.metrics != nil {
		result := "failed"
		if errors.Is(err, domain.ErrSlowConsumer) {
			result = "slow_consumer"
		}
		e.metrics.Deliveries.WithLabelValues(result).Inc()
	}

	e.logger.Warn(logging.Relay, logging.Fanout, "delivery failed, closing connection", map[logging.ExtraKey]any{
		logging.ConnectionID: m.ConnID,
		logging.UserID:       m.UserID,
		logging.ErrorMessage: err.Error(),
	})

	go func() {
		m.Transport.Close("delivery failure")
		e.registry.CloseConnection(m.ConnID)
	}()
}
