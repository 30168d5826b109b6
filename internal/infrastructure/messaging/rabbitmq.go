package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/logging"
)

// Handler receives the raw body of every message seen on the exchange,
// including this process's own publishes (fanout echoes everything back).
type Handler func(ctx context.Context, routingKey string, body []byte)

type Config struct {
	URI          string
	Exchange     string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// RabbitMQ is the relay's pub/sub backbone: one fanout exchange, one
// exclusive auto-delete queue per process. It dials lazily and keeps
// redialing with backoff, so a dead broker degrades fan-out to
// single-process mode instead of taking the relay down.
type RabbitMQ struct {
	cfg    Config
	logger logging.Logger

	mu      sync.RWMutex
	channel *amqp.Channel
	conn    *amqp.Connection

	done chan struct{}
	once sync.Once
}

func NewRabbitMQ(cfg Config, logger logging.Logger) *RabbitMQ {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}

	return &RabbitMQ{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start connects and consumes until ctx is cancelled or Close is called.
// Connection failures are retried with exponential backoff; the first
// failure is logged once, later retries at debug level.
func (r *RabbitMQ) Start(ctx context.Context, handler Handler) {
	backoff := r.cfg.ReconnectMin
	loggedUnavailable := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		err := r.runSession(ctx, handler)
		if err != nil {
			if !loggedUnavailable {
				r.logger.Warn(logging.RabbitMQ, logging.ExternalService, "backbone unavailable, relay degraded to single-process mode", map[logging.ExtraKey]any{
					logging.ErrorMessage: err.Error(),
				})
				loggedUnavailable = true
			} else {
				r.logger.Debugf("backbone reconnect failed: %v", err)
			}
		} else {
			// Session ended after a successful connect; reset backoff
			backoff = r.cfg.ReconnectMin
			loggedUnavailable = false
		}

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.cfg.ReconnectMax {
			backoff = r.cfg.ReconnectMax
		}
	}
}

// runSession dials, declares the topology, and consumes until the
// connection drops. Returns nil if the session was established and later
// lost, an error if it never came up.
func (r *RabbitMQ) runSession(ctx context.Context, handler Handler) error {
	conn, err := amqp.Dial(r.cfg.URI)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		r.cfg.Exchange, // name
		"fanout",       // kind
		false,          // durable: relay events are transient
		true,           // auto-delete
		false,          // internal
		false,          // no-wait
		nil,
	); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	// Exclusive, auto-delete, server-named queue: one per process
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", r.cfg.Exchange, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("consume: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.channel = ch
	r.mu.Unlock()

	r.logger.Info(logging.RabbitMQ, logging.ExternalService, "backbone connected", map[logging.ExtraKey]any{
		"exchange": r.cfg.Exchange,
		"queue":    q.Name,
	})

	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.channel = nil
		r.mu.Unlock()
		conn.Close()
	}()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case <-closed:
			r.logger.Warn(logging.RabbitMQ, logging.ExternalService, "backbone connection lost", nil)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			handler(ctx, d.RoutingKey, d.Body)
		}
	}
}

// Publish sends a message to the fanout exchange. When the backbone is
// down it fails fast with ErrBackboneUnavailable so callers can carry on
// in single-process mode.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, body []byte) error {
	r.mu.RLock()
	ch := r.channel
	r.mu.RUnlock()

	if ch == nil {
		return domain.ErrBackboneUnavailable
	}

	err := ch.PublishWithContext(ctx,
		r.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackboneUnavailable, err)
	}

	return nil
}

func (r *RabbitMQ) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel != nil
}

func (r *RabbitMQ) Close() {
	r.once.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
		r.channel = nil
	}
}
