package session

import (
	"context"
	"sync"
	"time"
)

// Store describes session persistence. Rows are never deleted; revocation is
// a flag so audit entries keep resolving their session references.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	// Refresh updates activity and sliding expiry. A revoked session is left
	// untouched: revocation is terminal.
	Refresh(ctx context.Context, id string, lastSeen, expiresAt time.Time) error
	// Revoke flips a live row. Revoking an already revoked session returns
	// ErrSessionRevoked so a close is observed at most once.
	Revoke(ctx context.Context, id string) error
}

// InMemory implements Store for tests and single-process deployments.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemory creates an empty in-memory session store.
func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[string]*Session)}
}

func (s *InMemory) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *InMemory) Refresh(ctx context.Context, id string, lastSeen, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Revoked {
		return nil
	}
	sess.LastSeen = lastSeen
	sess.ExpiresAt = expiresAt
	return nil
}

func (s *InMemory) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Revoked {
		return ErrSessionRevoked
	}
	sess.Revoked = true
	return nil
}
