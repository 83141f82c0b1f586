package bus

import "time"

// Event is a domain event published on the bus.
//
// Kinds used across the core:
//
//	push.message            inbound websocket frame (payload transport.InboundFrame)
//	messages.updated        open conversation list changed (payload peer id)
//	requests.updated        pending request sets changed
//	roster.changed          an accepted request altered the friend roster
//	roster.updated          a roster refresh produced a new snapshot
//	session.status_changed  connectivity transition (payload status.StatusChange)
//	session.logged_out      session torn down
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
