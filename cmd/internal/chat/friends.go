package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	v1 "parley/shared/contracts/chat/v1"
)

// groupUsername is the display name of the synthetic group channel entry.
const groupUsername = "group"

// FriendService computes friend list views enriched with live presence and
// unread counts, and owns the mark-read and add-friend mutations.
type FriendService struct {
	log      *slog.Logger
	store    Store
	presence *Registry
}

// NewFriendService constructs a FriendService.
func NewFriendService(log *slog.Logger, store Store, presence *Registry) *FriendService {
	return &FriendService{log: log, store: store, presence: presence}
}

// FriendsList returns the ordered friend view sequence for userID:
// the synthetic group channel entry first (always online), then friends
// ordered most recently befriended first.
//
// Online status is read live from the presence registry at computation time;
// unread counts are derived from the gap between the user's read bookmark
// (epoch when absent) and the conversation's messages, excluding the user's
// own messages.
func (s *FriendService) FriendsList(ctx context.Context, userID string) ([]v1.FriendView, error) {
	const op = "chat.FriendsList"

	if userID == "" {
		return nil, invalid(op, "missing user id")
	}

	groupUnread, err := s.unread(ctx, userID, GroupTarget())
	if err != nil {
		return nil, err
	}

	views := []v1.FriendView{{
		ID:          v1.GroupPeerID,
		Username:    groupUsername,
		IsGroup:     true,
		IsOnline:    true,
		UnreadCount: groupUnread,
	}}

	friends, err := s.store.Friends(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, f := range friends {
		unread, err := s.unread(ctx, userID, TargetFor(f.FriendID))
		if err != nil {
			return nil, err
		}
		views = append(views, v1.FriendView{
			ID:          f.FriendID,
			Username:    f.Username,
			IsOnline:    s.presence.IsOnline(f.FriendID),
			UnreadCount: unread,
			FriendSince: f.Since,
		})
	}
	return views, nil
}

// unread derives the unread count for one conversation: messages newer than
// the read bookmark (epoch default) that the user did not author.
func (s *FriendService) unread(ctx context.Context, userID string, target Target) (int, error) {
	since, ok, err := s.store.Bookmark(ctx, userID, target.PeerID())
	if err != nil {
		return 0, err
	}
	if !ok {
		since = time.Time{}
	}
	return s.store.UnreadCount(ctx, userID, target.ConversationKey(userID), since)
}

// MarkRead moves userID's read bookmark for peer (user id or group sentinel)
// to now. This is the only mechanism that reduces an unread count.
// Marking read for a nonexistent peer is a harmless no-op.
func (s *FriendService) MarkRead(ctx context.Context, userID, peer string) error {
	const op = "chat.MarkRead"

	target := TargetFor(peer)
	if !target.IsGroup() && target.PeerID() == "" {
		return invalid(op, "missing peer")
	}

	if !target.IsGroup() {
		if _, err := s.store.GetUser(ctx, target.PeerID()); err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
	}

	return s.store.UpsertBookmark(ctx, userID, target.PeerID(), target.IsGroup(), time.Now().UTC())
}

// AddFriend creates the symmetric friendship atomically (idempotent on
// repeat adds) and pushes a fresh friends list to both parties' live
// connections. The push is a notification fanout, not a return value.
func (s *FriendService) AddFriend(ctx context.Context, userID, friendID string) error {
	const op = "chat.AddFriend"

	if friendID == "" {
		return invalid(op, "missing friend id")
	}
	if friendID == userID {
		return invalid(op, "cannot befriend yourself")
	}
	if _, err := s.store.GetUser(ctx, friendID); err != nil {
		return err
	}

	if err := s.store.AddFriendship(ctx, userID, friendID, time.Now().UTC()); err != nil {
		return err
	}

	for _, id := range []string{userID, friendID} {
		if err := s.PushFriends(ctx, id); err != nil {
			s.log.Info("friends.push.fail", "user_id", id, "err", err)
		}
	}
	return nil
}

// PushFriends recomputes userID's friend list and enqueues it to their live
// connection, if any. Offline users are skipped silently.
func (s *FriendService) PushFriends(ctx context.Context, userID string) error {
	client := s.presence.ClientFor(userID)
	if client == nil {
		return nil
	}

	views, err := s.FriendsList(ctx, userID)
	if err != nil {
		return err
	}

	p, _ := json.Marshal(v1.FriendsPayload{Friends: views})
	env := newEnvelope(v1.TypeFriends, p, time.Now().UTC())
	if !client.TryEnqueue(env) {
		metricDeliveriesDropped.Inc()
	}
	return nil
}
