package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"dermatrust.org/internal/credential"
	"dermatrust.org/internal/ids"
	"dermatrust.org/internal/obs"
)

const (
	defaultTTL     = 30 * time.Minute
	defaultHardCap = 12 * time.Hour

	lockStripes = 64
)

// UserResolver is the slice of the credential store the manager needs to
// enforce that a session's owner is still active.
type UserResolver interface {
	Find(ctx context.Context, userID string) (*credential.User, error)
}

// Manager issues, validates and revokes bearer session tokens.
type Manager struct {
	store   Store
	users   UserResolver
	ttl     time.Duration
	hardCap time.Duration
	now     func() time.Time

	// Striped locks linearize validate/refresh vs revoke per token id.
	// Operations on distinct tokens proceed in parallel.
	locks [lockStripes]sync.Mutex
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithTTL sets the sliding expiry window.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithHardCap sets the absolute session lifetime regardless of activity.
func WithHardCap(limit time.Duration) Option {
	return func(m *Manager) {
		if limit > 0 {
			m.hardCap = limit
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a session Manager.
func NewManager(store Store, users UserResolver, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		users:   users,
		ttl:     defaultTTL,
		hardCap: defaultHardCap,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create issues a session for an authenticated user and returns the bearer
// token. The token is "id.secret"; only the secret's SHA-256 digest is
// persisted, so the raw token is irrecoverable after this call.
func (m *Manager) Create(ctx context.Context, user *credential.User) (string, *Session, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))

	now := m.now().UTC()
	sess := &Session{
		ID:        ids.NewPrefixed("ses"),
		UserID:    user.ID,
		TokenHash: hex.EncodeToString(sum[:]),
		CreatedAt: now,
		LastSeen:  now,
		ExpiresAt: m.slidingExpiry(now, now),
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return "", nil, err
	}
	obs.SessionOpened()
	return sess.ID + "." + secret, sess, nil
}

// Validate resolves a presented token to its session and owning user,
// refreshing activity and sliding expiry on success.
func (m *Manager) Validate(ctx context.Context, token string) (*Session, *credential.User, error) {
	id, secret, err := splitToken(token)
	if err != nil {
		return nil, nil, ErrSessionNotFound
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.Find(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !matchTokenHash(sess.TokenHash, secret) {
		return nil, nil, ErrSessionNotFound
	}
	now := m.now().UTC()
	if now.After(sess.ExpiresAt) || now.After(sess.CreatedAt.Add(m.hardCap)) {
		// Expiry closes the session. Marking the row revoked makes the close
		// observable exactly once, so the active-session gauge cannot drift.
		if !sess.Revoked {
			if err := m.store.Revoke(ctx, sess.ID); err == nil {
				obs.SessionClosed()
			}
		}
		return nil, nil, ErrSessionExpired
	}
	if sess.Revoked {
		return nil, nil, ErrSessionRevoked
	}

	user, err := m.users.Find(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, nil, ErrSessionRevoked
		}
		return nil, nil, err
	}
	if user.Status != credential.StatusActive {
		return nil, nil, ErrSessionRevoked
	}

	sess.LastSeen = now
	sess.ExpiresAt = m.slidingExpiry(sess.CreatedAt, now)
	if err := m.store.Refresh(ctx, sess.ID, sess.LastSeen, sess.ExpiresAt); err != nil {
		return nil, nil, err
	}
	return sess, user, nil
}

// Revoke marks the session terminal. Idempotent: revoking a revoked or
// unknown token is not an error.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	id, _, err := splitToken(token)
	if err != nil {
		return nil
	}
	return m.RevokeID(ctx, id)
}

// RevokeID force-revokes by session id (administrative logout).
func (m *Manager) RevokeID(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	err := m.store.Revoke(ctx, id)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionRevoked) {
		return nil
	}
	if err == nil {
		obs.SessionClosed()
	}
	return err
}

func (m *Manager) slidingExpiry(created, now time.Time) time.Time {
	exp := now.Add(m.ttl)
	if hard := created.Add(m.hardCap); exp.After(hard) {
		return hard
	}
	return exp
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockStripes]
}

func splitToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid token format")
	}
	return parts[0], parts[1], nil
}

func matchTokenHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(actual) != len(expectedHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expectedHash)) == 1
}
