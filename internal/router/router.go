package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/chatwire/chatwire/internal/dispatch"
	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/internal/readsync"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/typing"
	"github.com/chatwire/chatwire/pkg/wire"
)

// EventRouter decodes channel frames into the closed event set and invokes
// the owning component. It also tracks which connections have identified:
// events from an unauthenticated connection other than connect-identify are
// ignored, not errored, and the transport stays open.
type EventRouter struct {
	logger        *slog.Logger
	registry      *presence.Registry
	engine        *dispatch.Engine
	readSync      *readsync.Synchronizer
	typingRelay   *typing.Relay
	authenticator *session.Authenticator

	mu       sync.RWMutex
	sessions map[uuid.UUID]string // connID -> authenticated userID
}

func NewEventRouter(
	logger *slog.Logger,
	registry *presence.Registry,
	engine *dispatch.Engine,
	readSync *readsync.Synchronizer,
	typingRelay *typing.Relay,
	authenticator *session.Authenticator,
) *EventRouter {
	return &EventRouter{
		logger:        logger.With(slog.String("component", "event_router")),
		registry:      registry,
		engine:        engine,
		readSync:      readSync,
		typingRelay:   typingRelay,
		authenticator: authenticator,
		sessions:      make(map[uuid.UUID]string),
	}
}

// HandleMessage is the transport message callback. It runs on the
// connection's read pump, so events from one client are handled in order.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	// Get on untrusted bytes requires a prior validity check.
	if !gjson.ValidBytes(msg) {
		r.logger.Warn("dropping malformed frame", slog.String("connID", connID.String()))
		return
	}
	event := gjson.GetBytes(msg, "event")
	if event.Type != gjson.String {
		r.logger.Warn("frame missing event tag", slog.String("connID", connID.String()))
		return
	}
	// The payload stays raw; the event tag selects which variant decodes it.
	payload := json.RawMessage(gjson.GetBytes(msg, "payload").Raw)

	switch event.Str {
	case wire.EventConnectIdentify:
		r.handleIdentify(connID, payload)
	case wire.EventSendText:
		r.handleSendText(connID, payload)
	case wire.EventMarkRead:
		r.handleMarkRead(ctx, connID, payload)
	case wire.EventTyping:
		r.handleTyping(connID, payload)
	default:
		r.logger.Warn("received unknown event", slog.String("event", event.Str), slog.String("connID", connID.String()))
	}
}

// HandleDisconnect is the transport close callback.
func (r *EventRouter) HandleDisconnect(connID uuid.UUID, err error) {
	r.mu.Lock()
	delete(r.sessions, connID)
	r.mu.Unlock()

	r.registry.RemoveConnection(connID)
}

func (r *EventRouter) handleIdentify(connID uuid.UUID, payload json.RawMessage) {
	var p wire.ConnectIdentify
	if err := json.Unmarshal(payload, &p); err != nil {
		r.logger.Warn("bad connect-identify payload", slog.String("connID", connID.String()))
		return
	}

	userID, err := r.authenticator.Authenticate(p.Token)
	if err != nil {
		// The connection stays open but inert.
		r.logger.Warn("identify rejected", slog.String("connID", connID.String()))
		return
	}

	r.mu.Lock()
	r.sessions[connID] = userID
	r.mu.Unlock()

	r.registry.Register(userID, connID)
}

func (r *EventRouter) handleSendText(connID uuid.UUID, payload json.RawMessage) {
	userID, ok := r.sessionUser(connID)
	if !ok {
		return
	}
	var p wire.SendText
	if err := json.Unmarshal(payload, &p); err != nil {
		r.logger.Warn("bad send-text payload", slog.String("connID", connID.String()))
		return
	}
	r.engine.SendText(userID, p.ReceiverID, p.Body, p.TempID)
}

func (r *EventRouter) handleMarkRead(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	if _, ok := r.sessionUser(connID); !ok {
		return
	}
	var p wire.MarkRead
	if err := json.Unmarshal(payload, &p); err != nil {
		r.logger.Warn("bad mark-read payload", slog.String("connID", connID.String()))
		return
	}
	if err := r.readSync.MarkOneRead(ctx, p.MessageID, p.OriginalSenderID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Silent no-op on the real-time path.
			r.logger.Debug("mark-read target missing", slog.String("messageID", p.MessageID))
		}
	}
}

func (r *EventRouter) handleTyping(connID uuid.UUID, payload json.RawMessage) {
	userID, ok := r.sessionUser(connID)
	if !ok {
		return
	}
	var p wire.Typing
	if err := json.Unmarshal(payload, &p); err != nil {
		r.logger.Warn("bad typing payload", slog.String("connID", connID.String()))
		return
	}
	r.typingRelay.Signal(userID, p.ReceiverID, p.IsTyping)
}

func (r *EventRouter) sessionUser(connID uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.sessions[connID]
	return userID, ok
}
