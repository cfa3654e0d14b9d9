package credential

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"dermatrust.org/internal/ids"
	"dermatrust.org/internal/obs"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutWindow    = 10 * time.Minute
	defaultLockoutCooldown  = 15 * time.Minute

	mfaIssuer = "dermatrust"
)

// Service provides registration, verification and password rotation over a
// Store, with a sliding-window lockout on consecutive failures.
type Service struct {
	store  Store
	policy Policy
	now    func() time.Time

	lockoutThreshold int
	lockoutWindow    time.Duration
	lockoutCooldown  time.Duration

	// failures tracks recent failed attempts per identity. Guarded by mu so
	// that check-then-increment is atomic under concurrent Verify calls.
	mu       sync.Mutex
	failures map[string][]time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithPasswordPolicy overrides the default password policy.
func WithPasswordPolicy(p Policy) Option {
	return func(s *Service) {
		if p.MinLength > 0 {
			s.policy = p
		}
	}
}

// WithLockout configures the sliding-window lockout parameters.
func WithLockout(threshold int, window, cooldown time.Duration) Option {
	return func(s *Service) {
		if threshold > 0 {
			s.lockoutThreshold = threshold
		}
		if window > 0 {
			s.lockoutWindow = window
		}
		if cooldown > 0 {
			s.lockoutCooldown = cooldown
		}
	}
}

// NewService constructs a credential Service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:            store,
		policy:           Policy{MinLength: 10, MinClasses: 3},
		now:              time.Now,
		lockoutThreshold: defaultLockoutThreshold,
		lockoutWindow:    defaultLockoutWindow,
		lockoutCooldown:  defaultLockoutCooldown,
		failures:         make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a new active user. The raw password is hashed and
// discarded; identity collisions return ErrDuplicateIdentity.
func (s *Service) Register(ctx context.Context, username, displayName, email, password string, role Role) (*User, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" {
		return nil, ErrInvalidCredential
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email != "" && !strings.Contains(email, "@") {
		return nil, errors.New("credential: malformed e-mail address")
	}
	if !ValidRole(role) {
		return nil, errors.New("credential: unknown role")
	}
	if err := s.policy.Check(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	u := &User{
		ID:           ids.NewPrefixed("usr"),
		Username:     username,
		DisplayName:  strings.TrimSpace(displayName),
		Email:        email,
		Role:         role,
		PasswordHash: hash,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Verify checks a username/password pair (and TOTP code when MFA is
// enrolled). Unknown identity and wrong password produce the same error.
func (s *Service) Verify(ctx context.Context, username, password, otpCode string) (*User, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	u, err := s.store.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthAttempt("invalid")
			return nil, ErrInvalidCredential
		}
		return nil, err
	}

	switch u.Status {
	case StatusDisabled:
		obs.AuthAttempt("locked")
		return nil, ErrAccountLocked
	case StatusLocked:
		if s.now().Before(u.LockedUntil) {
			obs.AuthAttempt("locked")
			return nil, ErrAccountLocked
		}
		// Cooldown elapsed: lock clears on the next attempt.
		if err := s.store.UpdateStatus(ctx, u.ID, StatusActive, time.Time{}); err != nil {
			return nil, err
		}
		u.Status = StatusActive
		u.LockedUntil = time.Time{}
	}

	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return nil, s.recordFailure(ctx, u)
	}
	if u.MFASecret != "" && !totp.Validate(otpCode, u.MFASecret) {
		return nil, s.recordFailure(ctx, u)
	}

	s.clearFailures(username)
	obs.AuthAttempt("ok")
	return u, nil
}

// RotatePassword atomically replaces the stored hash after re-verifying the
// old password.
func (s *Service) RotatePassword(ctx context.Context, userID, oldRaw, newRaw string) error {
	u, err := s.store.Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(u.PasswordHash, oldRaw); err != nil {
		return ErrInvalidCredential
	}
	if err := s.policy.Check(newRaw); err != nil {
		return err
	}
	hash, err := HashPassword(newRaw)
	if err != nil {
		return err
	}
	return s.store.UpdatePassword(ctx, userID, hash)
}

// EnrollMFA generates a TOTP secret for the user and returns the otpauth
// provisioning URL. The URL is shown once; only the secret is stored.
func (s *Service) EnrollMFA(ctx context.Context, userID string) (string, error) {
	u, err := s.store.Find(ctx, userID)
	if err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      mfaIssuer,
		AccountName: u.Username,
	})
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateMFASecret(ctx, u.ID, key.Secret()); err != nil {
		return "", err
	}
	return key.URL(), nil
}

// Unlock clears a lockout administratively.
func (s *Service) Unlock(ctx context.Context, userID string) error {
	u, err := s.store.Find(ctx, userID)
	if err != nil {
		return err
	}
	s.clearFailures(u.Username)
	return s.store.UpdateStatus(ctx, u.ID, StatusActive, time.Time{})
}

// Disable retires an account. The row stays; audit references remain valid.
func (s *Service) Disable(ctx context.Context, userID string) error {
	return s.store.UpdateStatus(ctx, userID, StatusDisabled, time.Time{})
}

// Find exposes identity lookup to collaborating components.
func (s *Service) Find(ctx context.Context, userID string) (*User, error) {
	return s.store.Find(ctx, userID)
}

// recordFailure counts a failed attempt inside the sliding window and locks
// the account when the threshold is reached. Always returns the
// caller-visible error.
func (s *Service) recordFailure(ctx context.Context, u *User) error {
	now := s.now()

	s.mu.Lock()
	recent := s.failures[u.Username][:0]
	for _, t := range s.failures[u.Username] {
		if now.Sub(t) <= s.lockoutWindow {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	s.failures[u.Username] = recent
	locked := len(recent) >= s.lockoutThreshold
	if locked {
		delete(s.failures, u.Username)
	}
	s.mu.Unlock()

	if locked {
		until := now.Add(s.lockoutCooldown)
		if err := s.store.UpdateStatus(ctx, u.ID, StatusLocked, until); err != nil {
			return err
		}
		obs.AuthAttempt("locked")
		obs.LogEvent("credential.lockout", map[string]any{"user_id": u.ID})
		return ErrInvalidCredential
	}
	obs.AuthAttempt("invalid")
	return ErrInvalidCredential
}

func (s *Service) clearFailures(username string) {
	s.mu.Lock()
	delete(s.failures, username)
	s.mu.Unlock()
}
