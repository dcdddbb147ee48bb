package presence

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chatwire/chatwire/internal/metrics"
	"github.com/chatwire/chatwire/pkg/wire"
)

// Peer is the send side of one live connection. *transport.Connection
// satisfies it; tests substitute fakes.
type Peer interface {
	ID() uuid.UUID
	Send(message []byte)
}

// Registry is the single owner of the user -> live connection mapping. A
// user is online iff an entry exists for them. At most one connection is
// recorded per user; a newer Register overwrites the old entry and the
// orphaned connection's later Unregister becomes a no-op.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]Peer   // every live connection, authenticated or not
	users map[string]uuid.UUID // userID -> authoritative connection

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]Peer),
		users:  make(map[string]uuid.UUID),
		logger: logger.With(slog.String("component", "presence_registry")),
	}
}

// AddConnection starts tracking a transport connection before it has
// authenticated. It receives broadcasts but has no presence entry.
func (r *Registry) AddConnection(p Peer) {
	r.mu.Lock()
	r.conns[p.ID()] = p
	r.mu.Unlock()
	r.logger.Debug("connection added", slog.String("connID", p.ID().String()))
}

// RemoveConnection drops a connection on transport close, releasing its
// presence entry if it still holds one.
func (r *Registry) RemoveConnection(connID uuid.UUID) {
	r.Unregister(connID)

	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
	r.logger.Debug("connection removed", slog.String("connID", connID.String()))
}

// Register records connID as the live connection for userID, overwriting
// any prior entry. The displaced connection is orphaned, not closed. All
// live connections are told the user came online and receive a fresh
// snapshot of the online set.
func (r *Registry) Register(userID string, connID uuid.UUID) {
	r.mu.Lock()
	r.users[userID] = connID
	online := r.onlineIDsLocked()
	targets := r.peersLocked()
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(len(online)))
	r.logger.Info("user registered", slog.String("userID", userID), slog.String("connID", connID.String()))

	r.fanOut(targets, wire.EventPresenceChanged, wire.PresenceChanged{UserID: userID, Status: wire.StatusOnline})
	r.fanOut(targets, wire.EventPresenceSnapshot, wire.PresenceSnapshot{UserIDs: online})
}

// Unregister removes the presence entry owned by connID and broadcasts the
// user going offline. If connID is not the authoritative entry for its user
// (the user reconnected and this is the stale connection closing) nothing
// happens and nothing is broadcast.
func (r *Registry) Unregister(connID uuid.UUID) {
	r.mu.Lock()
	var userID string
	found := false
	for uid, cid := range r.users {
		if cid == connID {
			userID = uid
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return
	}
	delete(r.users, userID)
	online := len(r.users)
	targets := r.peersLocked()
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
	r.logger.Info("user unregistered", slog.String("userID", userID), slog.String("connID", connID.String()))

	r.fanOut(targets, wire.EventPresenceChanged, wire.PresenceChanged{UserID: userID, Status: wire.StatusOffline})
}

// Lookup returns the live connection for userID, if any.
func (r *Registry) Lookup(userID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.users[userID]
	if !ok {
		return nil, false
	}
	p, ok := r.conns[connID]
	return p, ok
}

// OnlineUserIDs returns a snapshot of every user with a presence entry.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineIDsLocked()
}

// Broadcast sends a pre-encoded frame to every live connection.
func (r *Registry) Broadcast(frame []byte) {
	r.mu.RLock()
	targets := r.peersLocked()
	r.mu.RUnlock()

	for _, p := range targets {
		p.Send(frame)
	}
}

func (r *Registry) onlineIDsLocked() []string {
	ids := make([]string, 0, len(r.users))
	for uid := range r.users {
		ids = append(ids, uid)
	}
	return ids
}

func (r *Registry) peersLocked() []Peer {
	peers := make([]Peer, 0, len(r.conns))
	for _, p := range r.conns {
		peers = append(peers, p)
	}
	return peers
}

func (r *Registry) fanOut(targets []Peer, event string, payload any) {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		r.logger.Error("failed to encode broadcast", slog.String("event", event), slog.Any("error", err))
		return
	}
	for _, p := range targets {
		p.Send(frame)
	}
}
