package domain

import (
	"errors"
	"time"
)

// MessageDeliveryEvent is a transient fan-out event. It is created by the
// REST write path after the message has been durably persisted, delivered
// at most once per live recipient connection, and never stored or retried.
type MessageDeliveryEvent struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewMessageDeliveryEvent(messageID, roomID, senderID, content string, createdAt time.Time) (*MessageDeliveryEvent, error) {
	if err := validateDeliveryEvent(messageID, roomID, senderID); err != nil {
		return nil, err
	}

	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return &MessageDeliveryEvent{
		MessageID: messageID,
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: createdAt,
	}, nil
}

func validateDeliveryEvent(messageID, roomID, senderID string) error {
	switch {
	case messageID == "":
		return errors.New("message ID is required")
	case roomID == "":
		return errors.New("room ID is required")
	case senderID == "":
		return errors.New("sender ID is required")
	}
	return nil
}
