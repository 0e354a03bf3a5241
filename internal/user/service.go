package user

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"

	"marketchat/internal/apperr"
)

// TokenIssuer signs session tokens for authenticated users.
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
}

type Service struct {
	repo     Repository
	tokens   TokenIssuer
	logger   *slog.Logger
	hashCost int
	now      func() time.Time
}

func NewService(repo Repository, tokens TokenIssuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		tokens:   tokens,
		logger:   logger.With("component", "user"),
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.hashCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "")
	}

	u := &User{
		ID:          uuid.NewString(),
		Username:    strings.TrimSpace(req.Username),
		Password:    string(hashedPwd),
		DisplayName: strings.TrimSpace(req.DisplayName),
		AvatarURL:   req.AvatarURL,
		CreatedAt:   s.now().UTC(),
	}

	if err := s.repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, apperr.Conflict("username already taken")
		}
		return nil, apperr.Unavailable(err, "")
	}

	s.logger.Info("user registered", "user_id", u.ID)
	return u, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.Unauthenticated("invalid credentials")
		}
		return nil, apperr.Unavailable(err, "")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, apperr.Unauthenticated("invalid credentials")
	}

	token, expiresAt, err := s.tokens.Issue(u.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "")
	}

	return &LoginResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt,
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]Profile, error) {
	users, err := s.repo.SearchUsers(ctx, query)
	if err != nil {
		return nil, apperr.Unavailable(err, "")
	}
	return lo.Map(users, func(u User, _ int) Profile { return u.Profile() }), nil
}

// Profiles resolves ids to public profiles. Unknown ids are absent from the
// result.
func (s *Service) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	users, err := s.repo.GetUsersByIDs(ctx, lo.Uniq(ids))
	if err != nil {
		return nil, apperr.Unavailable(err, "")
	}
	return lo.SliceToMap(users, func(u User) (string, Profile) { return u.ID, u.Profile() }), nil
}
