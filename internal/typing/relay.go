package typing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/pkg/wire"
)

type pairKey struct {
	senderID   string
	receiverID string
}

// Relay forwards typing signals to a live receiver and otherwise drops
// them. Nothing is persisted, queued, or retried. When an expiry is
// configured, an indicator that is never followed by a stop signal is
// cleared server-side; with expiry zero the indicator lives until the
// client says otherwise.
type Relay struct {
	registry *presence.Registry
	logger   *slog.Logger
	expiry   time.Duration

	mu     sync.Mutex
	timers map[pairKey]*time.Timer
}

func NewRelay(logger *slog.Logger, registry *presence.Registry, expiry time.Duration) *Relay {
	return &Relay{
		registry: registry,
		logger:   logger.With(slog.String("component", "typing_relay")),
		expiry:   expiry,
		timers:   make(map[pairKey]*time.Timer),
	}
}

// Signal forwards the indicator iff the receiver has a live connection.
func (r *Relay) Signal(senderID, receiverID string, isTyping bool) {
	if receiverID == "" {
		return
	}

	peer, ok := r.registry.Lookup(receiverID)
	if !ok {
		r.cancelTimer(pairKey{senderID, receiverID})
		return
	}

	r.forward(peer, senderID, isTyping)

	if r.expiry <= 0 {
		return
	}
	key := pairKey{senderID, receiverID}
	if !isTyping {
		r.cancelTimer(key)
		return
	}
	r.armTimer(key)
}

// Close stops all pending expiry timers.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, timer := range r.timers {
		timer.Stop()
		delete(r.timers, key)
	}
}

func (r *Relay) forward(peer presence.Peer, senderID string, isTyping bool) {
	frame, err := wire.Encode(wire.EventTypingChanged, wire.TypingChanged{UserID: senderID, IsTyping: isTyping})
	if err != nil {
		r.logger.Error("failed to encode typing event", slog.Any("error", err))
		return
	}
	peer.Send(frame)
}

// armTimer schedules the synthetic stop signal, replacing any running
// timer for the pair so renewals push the deadline out.
func (r *Relay) armTimer(key pairKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.timers[key]; ok {
		timer.Stop()
	}
	r.timers[key] = time.AfterFunc(r.expiry, func() {
		r.mu.Lock()
		delete(r.timers, key)
		r.mu.Unlock()

		peer, ok := r.registry.Lookup(key.receiverID)
		if !ok {
			return
		}
		r.logger.Debug("clearing expired typing indicator",
			slog.String("senderID", key.senderID), slog.String("receiverID", key.receiverID))
		r.forward(peer, key.senderID, false)
	})
}

func (r *Relay) cancelTimer(key pairKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.timers[key]; ok {
		timer.Stop()
		delete(r.timers, key)
	}
}
