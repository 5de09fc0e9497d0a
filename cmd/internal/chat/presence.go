package chat

import (
	"log/slog"
	"sync"
)

// Registry is the in-memory presence table: a bidirectional mapping between a
// user id and its current live client.
//
// Concurrency guarantees:
// - Both maps are mutated together under one mutex, so they never disagree.
// - Register evicts a prior live client for the same user: at most one
//   addressable handle exists per user at any time.
// - The registry never notifies; callers fan out presence-changed events.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	byUser   map[string]*Client
	byClient map[*Client]string
}

// NewRegistry constructs an empty presence registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:      log,
		byUser:   make(map[string]*Client),
		byClient: make(map[*Client]string),
	}
}

// Register binds userID to client, replacing any prior binding.
// If the user already has a live client, the old one is removed and closed so
// it cannot silently keep an unaddressable connection alive.
// Returns the evicted client, or nil.
func (r *Registry) Register(userID string, client *Client) *Client {
	if r == nil || userID == "" || client == nil {
		return nil
	}

	r.mu.Lock()
	old := r.byUser[userID]
	if old == client {
		r.mu.Unlock()
		return nil
	}
	if old != nil {
		delete(r.byClient, old)
	}
	r.byUser[userID] = client
	r.byClient[client] = userID
	r.mu.Unlock()

	if old != nil {
		old.Close()
		r.log.Info("presence.evict", "user_id", userID, "session_id", old.SessionID)
	}
	r.log.Info("presence.register", "user_id", userID, "session_id", client.SessionID)
	return old
}

// Unregister removes client from the table and returns the user id it was
// bound to, or "" if it was not registered (e.g. already evicted).
// Both directions are cleaned in one step.
func (r *Registry) Unregister(client *Client) string {
	if r == nil || client == nil {
		return ""
	}

	r.mu.Lock()
	userID, ok := r.byClient[client]
	if ok {
		delete(r.byClient, client)
		// Only drop the user binding if it still points at this client;
		// a re-identify may already have replaced it.
		if r.byUser[userID] == client {
			delete(r.byUser, userID)
		} else {
			userID = ""
		}
	}
	r.mu.Unlock()

	if userID != "" {
		r.log.Info("presence.unregister", "user_id", userID, "session_id", client.SessionID)
	}
	return userID
}

// ClientFor returns the live client for userID, or nil when offline.
func (r *Registry) ClientFor(userID string) *Client {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// IsOnline reports whether userID currently has a live client.
func (r *Registry) IsOnline(userID string) bool {
	return r.ClientFor(userID) != nil
}

// Snapshot returns the set of currently-online user ids.
func (r *Registry) Snapshot() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	return out
}

// OnlineClients returns every live (userID, client) pair for fanout.
func (r *Registry) OnlineClients() map[string]*Client {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Client, len(r.byUser))
	for id, c := range r.byUser {
		out[id] = c
	}
	return out
}
