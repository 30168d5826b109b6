package domain

import "errors"

var (
	// ErrUnauthenticated is returned when a connection fails to present a
	// valid identity within the admission grace period.
	ErrUnauthenticated = errors.New("connection not authenticated")

	// ErrNotAdmitted is returned for room operations issued before setup
	// completed. The connection stays open; only the operation is rejected.
	ErrNotAdmitted = errors.New("connection not admitted")

	// ErrConnectionNotFound is returned for operations on an unknown or
	// already closed connection.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrAlreadyAdmitted is returned when setup is issued twice on the same
	// connection.
	ErrAlreadyAdmitted = errors.New("connection already admitted")

	// ErrDeliveryFailed marks a transport write that failed or timed out.
	// The delivery is never retried; the connection is torn down instead.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrSlowConsumer marks a connection whose outbound queue is full.
	ErrSlowConsumer = errors.New("slow consumer")

	// ErrBackboneUnavailable means the pub/sub backbone cannot be reached.
	// The relay keeps serving local connections in single-process mode.
	ErrBackboneUnavailable = errors.New("broadcast backbone unavailable")

	// ErrPresenceWrite marks a failed durable presence write. State is kept
	// in memory and written again on the next transition.
	ErrPresenceWrite = errors.New("presence write failed")
)
