package transport

import (
	"time"

	"mychat/internal/model"
)

// Wire DTOs for the backend's JSON bodies. Timestamps travel as RFC3339
// strings and are normalized to Unix milliseconds at this boundary;
// anything unparseable becomes 0 so a bad timestamp degrades the
// relative-time label instead of failing the whole decode.

type wireUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type wireMessage struct {
	ID         int64  `json:"id"`
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	IsRead     bool   `json:"is_read"`
}

type wireRequest struct {
	ID             int64  `json:"id"`
	SenderID       int64  `json:"sender_id"`
	ReceiverID     int64  `json:"receiver_id"`
	Status         string `json:"status"`
	SenderUsername string `json:"sender_username"`
	SenderEmail    string `json:"sender_email"`
}

type sendMessageBody struct {
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

type registerBody struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// InboundFrame is a push-delivered message event. The backend sends no
// server id over the push channel; identity is resolved by the
// canonical message key on merge.
type InboundFrame struct {
	SenderID  int64  `json:"sender_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// OutboundFrame is a message submitted over the push channel.
type OutboundFrame struct {
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

// ParseTimestamp converts a wire timestamp to Unix milliseconds.
// Returns 0 for missing or unparseable values.
func ParseTimestamp(s string) int64 {
	if s == "" {
		return 0
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

func (u wireUser) toModel() model.User {
	return model.User{ID: u.ID, Username: u.Username, Email: u.Email}
}

func (m wireMessage) toModel() model.Message {
	return model.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Timestamp:  ParseTimestamp(m.Timestamp),
		IsRead:     m.IsRead,
	}
}

func (r wireRequest) toModel() model.FriendRequest {
	status := model.RequestStatus(r.Status)
	if status == "" {
		status = model.RequestPending
	}
	return model.FriendRequest{
		ID:             r.ID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Status:         status,
		SenderUsername: r.SenderUsername,
		SenderEmail:    r.SenderEmail,
	}
}
