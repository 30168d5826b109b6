package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/auth"
	"github.com/talkline/relay/internal/infrastructure/logging"
	"github.com/talkline/relay/internal/relay"
)

const (
	maxFrameBytes = 64 << 10

	// pongGrace is added on top of the ping interval for the read deadline.
	pongGrace = 10 * time.Second
)

type Options struct {
	SetupTimeout time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	PingInterval time.Duration
}

// Client owns one websocket connection: a read pump decoding inbound
// frames and a write pump draining the outbound queue. It is the
// relay.Transport for its connection; deliveries enqueue and never block.
type Client struct {
	id       string
	conn     *connWrapper
	raw      *websocket.Conn
	core     *relay.Core
	verifier auth.Verifier
	opts     Options

	send chan *Frame
	done chan struct{}
	once sync.Once

	userID string // set by the read pump at admission

	logger logging.Logger
}

func NewClient(conn *websocket.Conn, core *relay.Core, verifier auth.Verifier, opts Options, logger logging.Logger) *Client {
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	return &Client{
		id:       uuid.NewString(),
		conn:     newConnWrapper(conn),
		raw:      conn,
		core:     core,
		verifier: verifier,
		opts:     opts,
		send:     make(chan *Frame, opts.SendBuffer),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

func (c *Client) ID() string {
	return c.id
}

// DeliverMessage implements relay.Transport. Non-blocking: a full queue
// means the client cannot keep up and the caller tears it down.
func (c *Client) DeliverMessage(ev *domain.MessageDeliveryEvent) error {
	return c.enqueue(NewMessageReceived(ev))
}

// DeliverPresence implements relay.Transport.
func (c *Client) DeliverPresence(rec domain.PresenceRecord) error {
	return c.enqueue(NewPresenceChanged(rec))
}

func (c *Client) enqueue(frame *Frame) error {
	select {
	case <-c.done:
		return domain.ErrDeliveryFailed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return domain.ErrSlowConsumer
	}
}

// Close implements relay.Transport. Idempotent; wakes both pumps.
func (c *Client) Close(reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.CloseWithReason(websocket.CloseGoingAway, reason)
	})
}

// Run registers the connection and drives both pumps. Blocks until the
// connection is gone; the caller runs it on the upgrade goroutine.
func (c *Client) Run() {
	c.core.Register(c.id, c)

	go c.writePump()

	c.readPump()

	c.Close("")
	c.core.CloseConnection(c.id)
}

func (c *Client) readPump() {
	c.raw.SetReadLimit(maxFrameBytes)

	if !c.awaitSetup() {
		return
	}

	_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.PingInterval + pongGrace))
	c.raw.SetPongHandler(func(string) error {
		return c.raw.SetReadDeadline(time.Now().Add(c.opts.PingInterval + pongGrace))
	})

	for {
		var frame inboundFrame
		if err := c.raw.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debugf("ws read error (conn %s): %v", c.id, err)
			}
			return
		}

		c.core.Touch(c.id)
		c.handleFrame(&frame)
	}
}

// awaitSetup enforces the admission handshake: the first frame must be a
// valid setup within the setup timeout, or the connection is rejected.
func (c *Client) awaitSetup() bool {
	_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.SetupTimeout))

	var frame inboundFrame
	if err := c.raw.ReadJSON(&frame); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.reject(CodeSetupTimeout, "no setup frame within the handshake window")
		}
		return false
	}

	if frame.Type != Setup {
		c.reject(CodeNotAdmitted, "first frame must be setup")
		return false
	}

	var payload SetupPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.UserID == "" {
		c.reject(CodeBadFrame, "malformed setup payload")
		return false
	}

	identity, err := c.verifier.Verify(payload.UserID, payload.Token)
	if err != nil {
		c.logger.Warn(logging.Relay, logging.Admission, "setup rejected", map[logging.ExtraKey]any{
			logging.ConnectionID: c.id,
			logging.UserID:       payload.UserID,
			logging.ErrorMessage: err.Error(),
		})
		c.reject(CodeAuthFailed, "identity verification failed")
		return false
	}

	if err := c.core.Admit(c.id, identity); err != nil {
		c.reject(CodeNotAdmitted, err.Error())
		return false
	}
	c.userID = identity

	_ = c.enqueue(NewConnected())
	return true
}

func (c *Client) handleFrame(frame *inboundFrame) {
	switch frame.Type {
	case JoinRoom:
		roomID := c.roomID(frame)
		if roomID == "" {
			c.sendError(CodeBadFrame, "join_room requires a roomId")
			return
		}
		if err := c.core.Join(c.id, roomID); err != nil {
			c.sendError(CodeNotAdmitted, err.Error())
		}

	case LeaveRoom:
		roomID := c.roomID(frame)
		if roomID == "" {
			c.sendError(CodeBadFrame, "leave_room requires a roomId")
			return
		}
		if err := c.core.Leave(c.id, roomID); err != nil {
			c.sendError(CodeBadFrame, err.Error())
		}

	case MessageSent:
		c.handleMessageSent(frame)

	case Setup:
		c.sendError(CodeBadFrame, "already admitted")

	default:
		c.sendError(CodeBadFrame, "unknown frame type")
	}
}

func (c *Client) handleMessageSent(frame *inboundFrame) {
	var payload MessagePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		c.sendError(CodeBadFrame, "malformed message payload")
		return
	}

	// The sender identity comes from admission, never from the payload.
	if payload.SenderID != "" && payload.SenderID != c.userID {
		c.sendError(CodeBadFrame, "senderId does not match the admitted identity")
		return
	}

	roomID := payload.RoomID
	if roomID == "" {
		roomID = frame.RoomID
	}
	messageID := payload.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	ev, err := domain.NewMessageDeliveryEvent(messageID, roomID, c.userID, payload.Content, payload.CreatedAt)
	if err != nil {
		c.sendError(CodeBadFrame, err.Error())
		return
	}

	c.core.Ingest(context.Background(), ev)
}

func (c *Client) roomID(frame *inboundFrame) string {
	if frame.RoomID != "" {
		return frame.RoomID
	}

	var payload RoomPayload
	if len(frame.Data) > 0 && json.Unmarshal(frame.Data, &payload) == nil {
		return payload.RoomID
	}
	return ""
}

// sendError enqueues an error frame; dropped when the queue is full since
// the connection is about to be torn down anyway.
func (c *Client) sendError(code, message string) {
	_ = c.enqueue(NewError(code, message))
}

// reject writes an error frame directly and closes. Used before the write
// pump matters, during the setup phase.
func (c *Client) reject(code, message string) {
	_ = c.conn.WriteJSON(NewError(code, message), c.opts.WriteTimeout)
	c.Close(message)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame, c.opts.WriteTimeout); err != nil {
				c.logger.Debugf("ws write error (conn %s): %v", c.id, err)
				c.Close("write failure")
				return
			}

		case <-ticker.C:
			if err := c.conn.Ping(c.opts.WriteTimeout); err != nil {
				c.Close("ping failure")
				return
			}
		}
	}
}
