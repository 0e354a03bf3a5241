//go:generate go run go.uber.org/mock/mockgen -source=ports.go -destination=../mocks/mock_ports.go -package=mocks
package chat

import (
	"context"

	"marketchat/internal/user"
)

// UserDirectory resolves participant ids to profiles. Ids it does not know
// are absent from the result.
type UserDirectory interface {
	Profiles(ctx context.Context, ids []string) (map[string]user.Profile, error)
}

// Publisher fans stored events out to live subscribers. Calls must not block
// on slow receivers.
type Publisher interface {
	PublishMessage(m *Message)
	PublishRead(r *ReadReceipt)
}
