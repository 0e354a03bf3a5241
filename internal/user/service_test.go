package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"marketchat/internal/apperr"
)

type stubIssuer struct {
	err error
}

func (s stubIssuer) Issue(userID string) (string, time.Time, error) {
	if s.err != nil {
		return "", time.Time{}, s.err
	}
	return "token-for-" + userID, time.Unix(1700000000, 0), nil
}

type failingRepo struct {
	*MemoryRepository
}

func (failingRepo) GetUserByUsername(context.Context, string) (*User, error) {
	return nil, errors.New("connection refused")
}

func newTestService(repo Repository) *Service {
	s := NewService(repo, stubIssuer{}, nil)
	s.hashCost = bcrypt.MinCost
	return s
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestService(NewMemoryRepository())
	ctx := context.Background()

	u, err := s.Register(ctx, &RegisterRequest{Username: "alice", Password: "password1", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.NotEqual(t, "password1", u.Password)

	res, err := s.Login(ctx, &LoginRequest{Username: "alice", Password: "password1"})
	require.NoError(t, err)
	assert.Equal(t, u.ID, res.ID)
	assert.Equal(t, "token-for-"+u.ID, res.AccessToken)
}

func TestRegister_DuplicateUsername(t *testing.T) {
	s := newTestService(NewMemoryRepository())
	ctx := context.Background()

	_, err := s.Register(ctx, &RegisterRequest{Username: "alice", Password: "password1"})
	require.NoError(t, err)
	_, err = s.Register(ctx, &RegisterRequest{Username: "alice", Password: "password2"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestLogin_Failures(t *testing.T) {
	s := newTestService(NewMemoryRepository())
	ctx := context.Background()
	_, err := s.Register(ctx, &RegisterRequest{Username: "alice", Password: "password1"})
	require.NoError(t, err)

	_, err = s.Login(ctx, &LoginRequest{Username: "alice", Password: "wrong-pass"})
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	_, err = s.Login(ctx, &LoginRequest{Username: "nobody", Password: "password1"})
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	assert.Equal(t, "invalid credentials", apperr.PublicMessage(err))

	broken := newTestService(failingRepo{MemoryRepository: NewMemoryRepository()})
	_, err = broken.Login(ctx, &LoginRequest{Username: "alice", Password: "password1"})
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
}

func TestProfiles(t *testing.T) {
	s := newTestService(NewMemoryRepository())
	ctx := context.Background()
	a, err := s.Register(ctx, &RegisterRequest{Username: "alice", Password: "password1", DisplayName: "Alice A."})
	require.NoError(t, err)
	b, err := s.Register(ctx, &RegisterRequest{Username: "bob", Password: "password1"})
	require.NoError(t, err)

	profiles, err := s.Profiles(ctx, []string{a.ID, b.ID, a.ID, "ghost"})
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "Alice A.", profiles[a.ID].DisplayName)
	assert.Equal(t, "bob", profiles[b.ID].DisplayName, "display name falls back to username")
	_, ok := profiles["ghost"]
	assert.False(t, ok)
}

func TestSearchUsers(t *testing.T) {
	s := newTestService(NewMemoryRepository())
	ctx := context.Background()
	for _, name := range []string{"carla", "carlos", "dave"} {
		_, err := s.Register(ctx, &RegisterRequest{Username: name, Password: "password1"})
		require.NoError(t, err)
	}

	found, err := s.SearchUsers(ctx, "CARL")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "carla", found[0].Username)
	assert.Equal(t, "carlos", found[1].Username)
}
