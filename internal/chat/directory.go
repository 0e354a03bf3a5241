package chat

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"marketchat/internal/apperr"
	"marketchat/internal/user"
)

type CreateParams struct {
	CreatorID      string
	ParticipantIDs []string
	Kind           Kind
	DisplayName    string
}

// Directory creates conversations and lists them for a user.
type Directory struct {
	repo  Repository
	users UserDirectory
	settings
}

func NewDirectory(repo Repository, users UserDirectory, opts ...Option) *Directory {
	return &Directory{
		repo:     repo,
		users:    users,
		settings: newSettings("directory", opts),
	}
}

// CreateConversation returns the conversation for p and whether it was newly
// created. Private conversations are unique per unordered participant pair;
// groups are always new.
func (d *Directory) CreateConversation(ctx context.Context, p CreateParams) (*Conversation, bool, error) {
	kind := p.Kind
	if kind == "" {
		kind = KindPrivate
	}
	if kind != KindPrivate && kind != KindGroup {
		return nil, false, apperr.InvalidArgument("kind must be private or group")
	}

	ids := lo.Map(append([]string{p.CreatorID}, p.ParticipantIDs...), func(id string, _ int) string {
		return strings.TrimSpace(id)
	})
	participants := lo.Uniq(lo.Compact(ids))
	slices.Sort(participants)

	if len(participants) < 2 {
		return nil, false, apperr.InvalidArgument("a conversation needs at least two participants")
	}
	if kind == KindPrivate && len(participants) != 2 {
		return nil, false, apperr.InvalidArgument("a private conversation has exactly two participants")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	profiles, err := d.users.Profiles(ctx, participants)
	if err != nil {
		return nil, false, err
	}
	if len(profiles) != len(participants) {
		return nil, false, apperr.InvalidArgument("one or more participants not found")
	}

	c := &Conversation{
		ID:           d.newID(),
		Kind:         kind,
		Participants: participants,
		CreatedAt:    d.now().UTC(),
	}
	if kind == KindGroup {
		c.DisplayName = strings.TrimSpace(p.DisplayName)
		if err := d.repo.CreateConversation(ctx, c); err != nil {
			return nil, false, storageError(err)
		}
		d.logger.Info("group created", "conversation_id", c.ID, "participants", len(participants))
		return c, true, nil
	}

	c.PairKey = strings.Join(participants, ":")
	existing, err := d.repo.FindPrivate(ctx, c.PairKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, storageError(err)
	}

	err = d.repo.CreateConversation(ctx, c)
	if errors.Is(err, ErrDuplicate) {
		// Lost a race with a concurrent create for the same pair.
		existing, err := d.repo.FindPrivate(ctx, c.PairKey)
		if err != nil {
			return nil, false, storageError(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, storageError(err)
	}
	d.logger.Info("private conversation created", "conversation_id", c.ID)
	return c, true, nil
}

// ListConversations returns userID's conversations, most recent activity
// first, with participant profiles attached.
func (d *Directory) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	convs, err := d.repo.ListConversations(ctx, userID)
	if err != nil {
		return nil, storageError(err)
	}
	sort.SliceStable(convs, func(i, j int) bool {
		ai, aj := convs[i].ActivityAt(), convs[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return convs[i].ID < convs[j].ID
	})

	ids := lo.Uniq(lo.FlatMap(convs, func(c *Conversation, _ int) []string { return c.Participants }))
	profiles := map[string]user.Profile{}
	if len(ids) > 0 {
		profiles, err = d.users.Profiles(ctx, ids)
		if err != nil {
			return nil, err
		}
	}

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, ConversationSummary{
			Conversation: c,
			Profiles: lo.FilterMap(c.Participants, func(id string, _ int) (user.Profile, bool) {
				p, ok := profiles[id]
				return p, ok
			}),
		})
	}
	return out, nil
}
