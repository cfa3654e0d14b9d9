package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionExpired is returned when the sliding TTL or hard cap passed.
	ErrSessionExpired = errors.New("session: expired")
	// ErrSessionRevoked is returned for revoked sessions or inactive owners.
	ErrSessionRevoked = errors.New("session: revoked")
	// ErrSessionNotFound covers unknown ids and token digest mismatches.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrStorageUnavailable indicates the backing store did not answer in time.
	ErrStorageUnavailable = errors.New("session: storage unavailable")
)

// Session is a time-bounded authorization context. Only the SHA-256 digest
// of the bearer secret is stored; the raw token is returned once at creation.
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	LastSeen  time.Time
	ExpiresAt time.Time // sliding expiry, never past CreatedAt+hard cap
	Revoked   bool
}
