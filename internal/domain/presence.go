package domain

import (
	"context"
	"time"
)

// PresenceState is a user's derived availability.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceAway    PresenceState = "away"
	PresenceOffline PresenceState = "offline"
)

// PresenceRecord is the externally visible presence of a single user.
// A user is online iff at least one live connection exists for them on any
// process; LastSeen is set when the last connection closes.
type PresenceRecord struct {
	UserID   string        `json:"userId" bson:"_id"`
	State    PresenceState `json:"state" bson:"status"`
	LastSeen time.Time     `json:"lastSeen" bson:"last_seen"`
}

// UserStatusRepository persists presence transitions in the external user
// store. Writes are fire-and-forget from the tracker's point of view: a
// failure is logged and retried on the next transition, never blocking
// connection teardown.
type UserStatusRepository interface {
	UpdateStatus(ctx context.Context, userID string, state PresenceState, lastSeen time.Time) error
	GetStatus(ctx context.Context, userID string) (*PresenceRecord, error)
}
