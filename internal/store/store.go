package store

import (
	"context"
	"errors"
	"time"

	"github.com/chatwire/chatwire/pkg/wire"
)

var ErrNotFound = errors.New("message not found")

// Message is the durable message record. The read flag only ever moves
// false -> true.
type Message struct {
	ID            string
	SenderID      string
	ReceiverID    string
	Body          string
	AttachmentRef string
	IsRead        bool
	CreatedAt     time.Time
}

// Record converts to the wire form.
func (m *Message) Record() wire.MessageRecord {
	return wire.MessageRecord{
		ID:            m.ID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Body:          m.Body,
		AttachmentRef: m.AttachmentRef,
		IsRead:        m.IsRead,
		CreatedAt:     m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// MessageStore is the narrow gateway to durable message state. The engine
// generates message IDs before calling it, so the same ID is used for
// optimistic delivery and persistence.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// MarkMessageRead sets the read flag. Marking an already-read message
	// is a no-op; a missing message returns ErrNotFound.
	MarkMessageRead(ctx context.Context, id string) error
	// MarkConversationRead flags every unread message sent by otherUserID
	// to readerID in one durable operation and returns the changed count.
	MarkConversationRead(ctx context.Context, readerID, otherUserID string) (int64, error)
	// ListConversation returns both directions between the two users,
	// oldest first.
	ListConversation(ctx context.Context, userID, withUserID string) ([]*Message, error)
	DeleteConversation(ctx context.Context, userID, withUserID string) (int64, error)
	Close() error
}
