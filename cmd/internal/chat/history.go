package chat

import (
	"context"
)

// HistoryResult is one page of a conversation in chronological order.
type HistoryResult struct {
	Messages []Message
	HasMore  bool
	Total    int
}

// HistoryService serves paginated conversation history from the store.
type HistoryService struct {
	store Store
}

// NewHistoryService constructs a HistoryService.
func NewHistoryService(store Store) *HistoryService {
	return &HistoryService{store: store}
}

// History returns page "page" (1-based) of the conversation between userID
// and peer (a user id or the group sentinel).
//
// Rows are fetched newest-first with limit/offset and reversed before
// returning, so callers always receive oldest-to-newest within a page.
// Repeated calls with identical arguments against an unchanged store return
// identical results.
func (h *HistoryService) History(ctx context.Context, userID, peer string, page, pageSize int) (HistoryResult, error) {
	const op = "chat.History"

	target := TargetFor(peer)
	if !target.IsGroup() && target.PeerID() == "" {
		return HistoryResult{}, invalid(op, "missing peer")
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}

	convID := target.ConversationKey(userID)
	pageRows, err := h.store.History(ctx, convID, pageSize, (page-1)*pageSize)
	if err != nil {
		return HistoryResult{}, err
	}

	// Reverse the newest-first rows into chronological order.
	msgs := make([]Message, 0, len(pageRows.Messages))
	for i := len(pageRows.Messages) - 1; i >= 0; i-- {
		msgs = append(msgs, pageRows.Messages[i])
	}

	return HistoryResult{
		Messages: msgs,
		HasMore:  pageRows.Total > page*pageSize,
		Total:    pageRows.Total,
	}, nil
}
