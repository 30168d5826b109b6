package messages

import "time"

// ingestMessageRequest is the fan-out request posted by the REST service
// after its durable write succeeded.
type ingestMessageRequest struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content" minLength:"1" maxLength:"5000"`
	CreatedAt time.Time `json:"createdAt"`
}

// ingestMessageResponse reports local fan-out; deliveries on peer
// processes happen asynchronously over the bridge.
type ingestMessageResponse struct {
	MessageID       string `json:"messageId"`
	LocalRecipients int    `json:"localRecipients"`
}
