package ws

const (
	Setup     = "setup"
	Connected = "connected"

	JoinRoom  = "join_room"
	LeaveRoom = "leave_room"

	MessageSent     = "message_sent"
	MessageReceived = "message_received"

	PresenceChanged = "presence_changed"

	ErrorEvent = "error"
)

// Error codes carried in error frames.
const (
	CodeAuthFailed   = "AUTH_FAILED"
	CodeSetupTimeout = "SETUP_TIMEOUT"
	CodeNotAdmitted  = "NOT_ADMITTED"
	CodeBadFrame     = "BAD_FRAME"
)
