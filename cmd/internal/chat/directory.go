package chat

import (
	"context"
	"strings"

	v1 "parley/shared/contracts/chat/v1"
)

// DirectoryService answers username searches annotated with friendship and
// live presence.
type DirectoryService struct {
	store    Store
	presence *Registry
}

// NewDirectoryService constructs a DirectoryService.
func NewDirectoryService(store Store, presence *Registry) *DirectoryService {
	return &DirectoryService{store: store, presence: presence}
}

// Search matches usernames containing query (case-insensitive), excluding the
// requester, capped at defaultSearchLimit results. An empty query returns no
// matches rather than the whole directory.
func (s *DirectoryService) Search(ctx context.Context, requesterID, query string) ([]v1.UserView, error) {
	const op = "chat.Search"

	if requesterID == "" {
		return nil, invalid(op, "missing requester")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	matches, err := s.store.SearchUsers(ctx, query, requesterID, defaultSearchLimit)
	if err != nil {
		return nil, err
	}

	out := make([]v1.UserView, 0, len(matches))
	for _, m := range matches {
		out = append(out, v1.UserView{
			ID:       m.ID,
			Username: m.Username,
			IsFriend: m.IsFriend,
			IsOnline: s.presence.IsOnline(m.ID),
		})
	}
	return out, nil
}
