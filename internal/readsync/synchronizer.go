package readsync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/pkg/wire"
)

// Synchronizer owns read-flag transitions. Flags only move false -> true;
// nothing here or in the store ever reverts one.
type Synchronizer struct {
	registry *presence.Registry
	store    store.MessageStore
	logger   *slog.Logger
}

func NewSynchronizer(logger *slog.Logger, registry *presence.Registry, st store.MessageStore) *Synchronizer {
	return &Synchronizer{
		registry: registry,
		store:    st,
		logger:   logger.With(slog.String("component", "readsync")),
	}
}

// MarkOneRead flags a single message and notifies only the original
// sender's live connection. Marking an already-read message is harmless;
// a missing message returns store.ErrNotFound (the real-time caller treats
// that as a no-op, the HTTP boundary surfaces it).
func (s *Synchronizer) MarkOneRead(ctx context.Context, messageID, originalSenderID string) error {
	if messageID == "" {
		return store.ErrNotFound
	}
	if err := s.store.MarkMessageRead(ctx, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		s.logger.Error("failed to mark message read",
			slog.String("messageID", messageID), slog.Any("error", err))
		return err
	}

	peer, ok := s.registry.Lookup(originalSenderID)
	if !ok {
		return nil
	}
	frame, err := wire.Encode(wire.EventReadUpdated, wire.ReadUpdated{MessageID: messageID, IsRead: true})
	if err != nil {
		s.logger.Error("failed to encode read update", slog.Any("error", err))
		return nil
	}
	peer.Send(frame)
	return nil
}

// MarkConversationRead flags every unread message otherUserID sent to
// readerID in one durable operation and returns the changed count. Unlike
// the targeted path it deliberately notifies no one; callers fetch fresh
// state through the conversation endpoints.
func (s *Synchronizer) MarkConversationRead(ctx context.Context, readerID, otherUserID string) (int64, error) {
	count, err := s.store.MarkConversationRead(ctx, readerID, otherUserID)
	if err != nil {
		s.logger.Error("failed to mark conversation read",
			slog.String("readerID", readerID), slog.Any("error", err))
		return 0, err
	}
	return count, nil
}
