package credential

import "errors"

var (
	// ErrDuplicateIdentity is returned when registering an existing username.
	ErrDuplicateIdentity = errors.New("credential: identity already registered")
	// ErrWeakCredential is returned when a password fails the entropy policy.
	ErrWeakCredential = errors.New("credential: password fails policy")
	// ErrInvalidCredential covers both unknown identity and password mismatch,
	// deliberately indistinguishable to avoid identity enumeration.
	ErrInvalidCredential = errors.New("credential: invalid credentials")
	// ErrAccountLocked is returned for locked or disabled accounts.
	ErrAccountLocked = errors.New("credential: account locked")
	// ErrNotFound is an internal lookup failure, never surfaced by Verify.
	ErrNotFound = errors.New("credential: not found")
	// ErrStorageUnavailable indicates the backing store did not answer in time.
	ErrStorageUnavailable = errors.New("credential: storage unavailable")
)
