package credential

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store describes persistence operations required by the credential service.
type Store interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateStatus(ctx context.Context, id string, status Status, lockedUntil time.Time) error
	UpdateMFASecret(ctx context.Context, id, secret string) error
}

// InMemory implements Store for tests and single-process deployments.
type InMemory struct {
	mu     sync.RWMutex
	byID   map[string]*User
	byName map[string]string // username -> id
}

// NewInMemory creates an empty in-memory credential store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:   make(map[string]*User),
		byName: make(map[string]string),
	}
}

func (s *InMemory) Create(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(u.Username)
	if _, ok := s.byName[key]; ok {
		return ErrDuplicateIdentity
	}
	cp := *u
	s.byID[u.ID] = &cp
	s.byName[key] = u.ID
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *InMemory) FindByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.ToLower(username)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *InMemory) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) UpdateStatus(ctx context.Context, id string, status Status, lockedUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.LockedUntil = lockedUntil
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) UpdateMFASecret(ctx context.Context, id, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	u.MFASecret = secret
	u.UpdatedAt = time.Now().UTC()
	return nil
}
