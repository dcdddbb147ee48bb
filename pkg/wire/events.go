package wire

import (
	"encoding/json"
	"fmt"
)

// Client -> server events.
const (
	EventConnectIdentify = "connect-identify"
	EventSendText        = "send-text"
	EventMarkRead        = "mark-read"
	EventTyping          = "typing"
)

// Server -> client events.
const (
	EventPresenceSnapshot = "presence-snapshot"
	EventPresenceChanged  = "presence-changed"
	EventMessageDelivered = "message-delivered"
	EventSendConfirmed    = "send-confirmed"
	EventSendFailed       = "send-failed"
	EventReadUpdated      = "read-updated"
	EventTypingChanged    = "typing-changed"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope is the framing shared by both directions of the real-time
// channel. Payload stays raw until the event name selects a variant.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// MessageRecord is the wire form of a persisted message. CreatedAt is
// RFC 3339 text for cross-client compatibility.
type MessageRecord struct {
	ID            string `json:"id"`
	SenderID      string `json:"sender_id"`
	ReceiverID    string `json:"receiver_id"`
	Body          string `json:"body,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	IsRead        bool   `json:"is_read"`
	CreatedAt     string `json:"created_at"`
}

type ConnectIdentify struct {
	Token string `json:"token"`
}

type SendText struct {
	ReceiverID string `json:"receiver_id"`
	Body       string `json:"body"`
	TempID     string `json:"temp_id"`
}

type MarkRead struct {
	MessageID        string `json:"message_id"`
	OriginalSenderID string `json:"original_sender_id"`
}

type Typing struct {
	ReceiverID string `json:"receiver_id"`
	IsTyping   bool   `json:"is_typing"`
}

type PresenceSnapshot struct {
	UserIDs []string `json:"user_ids"`
}

type PresenceChanged struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// SendConfirmed echoes the client's temp id next to the durable record so
// the sender can replace its optimistic entry.
type SendConfirmed struct {
	MessageRecord
	TempID string `json:"temp_id"`
}

type SendFailed struct {
	TempID string `json:"temp_id"`
	Reason string `json:"reason"`
}

type ReadUpdated struct {
	MessageID string `json:"message_id"`
	IsRead    bool   `json:"is_read"`
}

type TypingChanged struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// Encode marshals an outbound event into a single channel frame.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
