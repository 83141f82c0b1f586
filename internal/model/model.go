package model

import "fmt"

// User is a registered account. Friends are users present in the
// current user's roster.
type User struct {
	ID       int64
	Username string
	Email    string
}

// Message is a single direct message between two users.
//
// ID is assigned by the server; ID == 0 means the message has not been
// confirmed server-side yet. ClientID carries a synthetic id for
// locally-originated messages until the next poll returns the canonical
// record. Timestamp is Unix milliseconds; 0 means the wire timestamp
// was missing or unparseable.
type Message struct {
	ID         int64
	ClientID   string
	SenderID   int64
	ReceiverID int64
	Content    string
	Timestamp  int64
	IsRead     bool
}

// Key returns the canonical dedup key for a message. Server ids and
// synthetic client ids cannot be compared across the push/poll
// boundary, so identity falls back to this tuple.
func (m Message) Key() string {
	return fmt.Sprintf("%d|%d|%d|%s", m.SenderID, m.ReceiverID, m.Timestamp, m.Content)
}

// RequestStatus is the lifecycle state of a friend request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// FriendRequest is a pending friend request touching the current user.
// Only pending requests are materialized client-side; accepted and
// rejected requests disappear from the pending poll.
type FriendRequest struct {
	ID             int64
	SenderID       int64
	ReceiverID     int64
	Status         RequestStatus
	SenderUsername string
	SenderEmail    string
}

// RosterSnapshot is the derived per-session contact view, rebuilt
// wholesale on every roster poll cycle. No partial merge: a poll result
// fully replaces the previous snapshot so removed friends cannot leave
// stale unread counts behind.
type RosterSnapshot struct {
	Friends     []User
	LastMessage map[int64]Message
	UnreadCount map[int64]int
}
