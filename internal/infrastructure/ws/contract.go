package ws

import (
	"encoding/json"
	"time"

	"github.com/talkline/relay/internal/domain"
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// inboundFrame defers payload decoding until the type is known.
type inboundFrame struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Payload structs
type SetupPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type MessagePayload struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type PresencePayload struct {
	UserID   string `json:"userId"`
	State    string `json:"state"`
	LastSeen string `json:"lastSeen,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func NewConnected() *Frame {
	return &Frame{Type: Connected}
}

func NewMessageReceived(ev *domain.MessageDeliveryEvent) *Frame {
	return &Frame{
		Type:   MessageReceived,
		RoomID: ev.RoomID,
		Data: MessagePayload{
			MessageID: ev.MessageID,
			RoomID:    ev.RoomID,
			SenderID:  ev.SenderID,
			Content:   ev.Content,
			CreatedAt: ev.CreatedAt,
		},
	}
}

func NewPresenceChanged(rec domain.PresenceRecord) *Frame {
	payload := PresencePayload{
		UserID: rec.UserID,
		State:  string(rec.State),
	}
	if !rec.LastSeen.IsZero() {
		payload.LastSeen = rec.LastSeen.UTC().Format(time.RFC3339)
	}

	return &Frame{
		Type: PresenceChanged,
		Data: payload,
	}
}

func NewError(code, message string) *Frame {
	return &Frame{
		Type: ErrorEvent,
		Data: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}
