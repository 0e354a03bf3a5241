package chat

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"marketchat/internal/apperr"
	"marketchat/internal/user"
)

// History pages through a conversation's log from the newest message back.
type History struct {
	repo        Repository
	users       UserDirectory
	maxPageSize int
	settings
}

// NewHistory pages repo's logs. users resolves sender profiles and may be
// nil. A maxPageSize of zero leaves page sizes unbounded.
func NewHistory(repo Repository, users UserDirectory, maxPageSize int, opts ...Option) *History {
	return &History{
		repo:        repo,
		users:       users,
		maxPageSize: maxPageSize,
		settings:    newSettings("history", opts),
	}
}

// GetHistory returns page number page (1 = newest) of pageSize messages,
// newest first, with the profiles of the senders on that page. The window is
// computed against the log length at call time.
func (h *History) GetHistory(ctx context.Context, conversationID, requesterID string, page, pageSize int) (*Page, error) {
	if page < 1 {
		return nil, apperr.InvalidArgument("page must be at least 1")
	}
	if pageSize < 1 {
		return nil, apperr.InvalidArgument("pageSize must be at least 1")
	}
	if h.maxPageSize > 0 && pageSize > h.maxPageSize {
		return nil, apperr.InvalidArgument(fmt.Sprintf("pageSize must be between 1 and %d", h.maxPageSize))
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	c, err := h.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storageError(err)
	}
	if err := Authorize(c, requesterID); err != nil {
		return nil, err
	}

	total := c.LastSequence
	start, end := window(total, int64(page), int64(pageSize))

	messages := []*Message{}
	if end > start {
		messages, err = h.repo.MessagesInRange(ctx, conversationID, start, end)
		if err != nil {
			return nil, storageError(err)
		}
		slices.Reverse(messages)
	}
	if messages == nil {
		messages = []*Message{}
	}

	senders, err := h.senders(ctx, messages)
	if err != nil {
		return nil, err
	}

	return &Page{
		Messages: messages,
		Senders:  senders,
		Pagination: Pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
			HasMore:  start > 0,
		},
	}, nil
}

func (h *History) senders(ctx context.Context, messages []*Message) (map[string]user.Profile, error) {
	if h.users == nil || len(messages) == 0 {
		return nil, nil
	}
	ids := lo.Uniq(lo.Map(messages, func(m *Message, _ int) string { return m.SenderID }))
	return h.users.Profiles(ctx, ids)
}

// window maps a page onto the half-open index range [start, end) of a log
// holding total messages, counted from the oldest. Message index i carries
// sequence i+1.
func window(total, page, pageSize int64) (start, end int64) {
	if page-1 > total/pageSize {
		return 0, 0
	}
	start = max(0, total-page*pageSize)
	end = max(0, total-(page-1)*pageSize)
	return start, end
}
