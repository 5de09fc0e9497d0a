package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	v1 "parley/shared/contracts/chat/v1"
)

// Router accepts outbound messages, persists them, and delivers them to the
// correct live connections.
//
// Failure semantics:
// - A persistence failure aborts delivery entirely; no message is forwarded
//   for data that did not durably save.
// - An offline recipient is NOT an error: the message is stored and surfaces
//   via history on their next fetch.
type Router struct {
	log      *slog.Logger
	store    Store
	presence *Registry
}

// NewRouter constructs a Router.
func NewRouter(log *slog.Logger, store Store, presence *Registry) *Router {
	return &Router{log: log, store: store, presence: presence}
}

// Send persists a message from fromUserID to the peer or group channel "to"
// and delivers it to every addressable live connection, always including the
// sender's own echo so the sender sees the authoritative persisted record
// (server-assigned id and timestamp), not its local draft.
func (r *Router) Send(ctx context.Context, fromUserID, to, content string) (Message, error) {
	const op = "chat.Send"

	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, invalid(op, "empty content")
	}
	if len([]rune(content)) > maxMessageChars {
		return Message{}, invalid(op, "message too long")
	}

	target := TargetFor(to)
	if !target.IsGroup() && target.PeerID() == "" {
		return Message{}, invalid(op, "missing recipient")
	}
	if !target.IsGroup() && target.PeerID() == fromUserID {
		return Message{}, invalid(op, "cannot message yourself")
	}

	// Server receipt time is authoritative; client clocks are never trusted
	// for ordering.
	now := time.Now().UTC()

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, persistence(op, err)
	}

	msg := Message{
		ID:             id,
		ConversationID: target.ConversationKey(fromUserID),
		FromUserID:     fromUserID,
		ToUserID:       target.PeerID(),
		Content:        content,
		IsGroup:        target.IsGroup(),
		TS:             now,
	}

	if err := r.store.SaveMessage(ctx, msg); err != nil {
		r.log.Error("router.persist.fail", "from", fromUserID, "conversation_id", msg.ConversationID, "err", err)
		return Message{}, err
	}

	metricMessagesSent.WithLabelValues(conversationKindLabel(msg.IsGroup)).Inc()
	r.deliver(msg, target)
	return msg, nil
}

// deliver fans the persisted message out to live connections. Enqueue is
// non-blocking; a full or closing client queue drops rather than stalling
// other recipients.
func (r *Router) deliver(msg Message, target Target) {
	p, _ := json.Marshal(messagePayload(msg))
	env := newEnvelope(v1.TypeMessageNew, p, msg.TS)

	if target.IsGroup() {
		for userID, client := range r.presence.OnlineClients() {
			if !client.TryEnqueue(env) {
				metricDeliveriesDropped.Inc()
				r.log.Info("router.deliver.drop", "user_id", userID, "message_id", msg.ID)
			}
		}
		return
	}

	if sender := r.presence.ClientFor(msg.FromUserID); sender != nil {
		if !sender.TryEnqueue(env) {
			metricDeliveriesDropped.Inc()
		}
	}

	recipient := r.presence.ClientFor(target.PeerID())
	if recipient == nil {
		// Expected common case: stored only, surfaced via history later.
		return
	}
	if !recipient.TryEnqueue(env) {
		metricDeliveriesDropped.Inc()
		r.log.Info("router.deliver.drop", "user_id", target.PeerID(), "message_id", msg.ID)
	}
}
