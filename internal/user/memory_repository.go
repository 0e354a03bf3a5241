package user

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRepository keeps users in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	byID   map[string]User
	byName map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[string]User),
		byName: make(map[string]string),
	}
}

func (r *MemoryRepository) CreateUser(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[u.Username]; taken {
		return ErrDuplicate
	}
	r.byID[u.ID] = *u
	r.byName[u.Username] = u.ID
	return nil
}

func (r *MemoryRepository) GetUserByUsername(_ context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[username]
	if !ok {
		return nil, ErrNotFound
	}
	u := r.byID[id]
	return &u, nil
}

func (r *MemoryRepository) GetUsersByIDs(_ context.Context, ids []string) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var users []User
	for _, id := range ids {
		if u, ok := r.byID[id]; ok {
			u.Password = ""
			users = append(users, u)
		}
	}
	return users, nil
}

func (r *MemoryRepository) SearchUsers(_ context.Context, query string) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q := strings.ToLower(query)
	var users []User
	for name, id := range r.byName {
		if strings.Contains(strings.ToLower(name), q) {
			u := r.byID[id]
			u.Password = ""
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	if len(users) > searchLimit {
		users = users[:searchLimit]
	}
	return users, nil
}
