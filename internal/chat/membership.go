package chat

import (
	"errors"

	"github.com/samber/lo"

	"marketchat/internal/apperr"
)

// IsMember reports whether userID participates in c.
func IsMember(c *Conversation, userID string) bool {
	return c != nil && userID != "" && lo.Contains(c.Participants, userID)
}

// Authorize is the single membership check every read and write path goes
// through after loading the conversation.
func Authorize(c *Conversation, userID string) error {
	if !IsMember(c, userID) {
		return apperr.Forbidden("not a participant in this conversation")
	}
	return nil
}

var errConcealed = apperr.NotFound("conversation not found")

// Conceal rewrites a membership failure as not-found so outsiders cannot
// probe which conversation ids exist.
func Conceal(err error) error {
	if errors.Is(err, apperr.ErrForbidden) {
		return errConcealed
	}
	return err
}
