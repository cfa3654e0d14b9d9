package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dermatrust.org/internal/credential"
)

func activeUser(t *testing.T, store *credential.InMemory, id string) *credential.User {
	t.Helper()
	u := &credential.User{
		ID:       id,
		Username: id + "@clinic",
		Role:     credential.RolePatient,
		Status:   credential.StatusActive,
	}
	if err := store.Create(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestCreateAndValidate(t *testing.T) {
	users := credential.NewInMemory()
	m := NewManager(NewInMemory(), users)
	u := activeUser(t, users, "usr_1")

	token, sess, err := m.Create(context.Background(), u)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(token, sess.ID+".") {
		t.Fatalf("token %q does not embed session id %q", token, sess.ID)
	}
	if strings.Contains(sess.TokenHash, strings.SplitN(token, ".", 2)[1]) {
		t.Fatal("raw secret persisted")
	}

	got, gotUser, err := m.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.ID != sess.ID || gotUser.ID != u.ID {
		t.Fatalf("wrong session or user: %+v %+v", got, gotUser)
	}
}

func TestValidateRejectsForgedSecret(t *testing.T) {
	users := credential.NewInMemory()
	m := NewManager(NewInMemory(), users)
	u := activeUser(t, users, "usr_1")

	token, sess, err := m.Create(context.Background(), u)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = token
	if _, _, err := m.Validate(context.Background(), sess.ID+".forged-secret"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func TestSlidingExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	users := credential.NewInMemory()
	m := NewManager(NewInMemory(), users,
		WithTTL(30*time.Minute),
		WithHardCap(12*time.Hour),
		WithClock(func() time.Time { return now }),
	)
	u := activeUser(t, users, "usr_1")

	token, _, err := m.Create(context.Background(), u)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Activity every 20 minutes keeps the session alive past the base TTL.
	for i := 0; i < 6; i++ {
		now = now.Add(20 * time.Minute)
		if _, _, err := m.Validate(context.Background(), token); err != nil {
			t.Fatalf("validate at +%dm: %v", (i+1)*20, err)
		}
	}

	// 31 idle minutes expire it.
	now = now.Add(31 * time.Minute)
	if _, _, err := m.Validate(context.Background(), token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("want ErrSessionExpired, got %v", err)
	}
}

func TestExpiryClosesSessionOnce(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	users := credential.NewInMemory()
	store := NewInMemory()
	m := NewManager(store, users,
		WithTTL(30*time.Minute),
		WithClock(func() time.Time { return now }),
	)
	u := activeUser(t, users, "usr_1")

	token, sess, err := m.Create(context.Background(), u)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	now = now.Add(31 * time.Minute)
	if _, _, err := m.Validate(context.Background(), token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("want ErrSessionExpired, got %v", err)
	}

	// The expired session is closed in the store, so the active-session count
	// sees exactly one close.
	got, err := store.Find(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !got.Revoked {
		t.Fatal("expired session not closed in store")
	}

	// Presenting the token again still reports expiry without reclosing.
	if _, _, err := m.Validate(context.Background(), token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("second validate: want ErrSessionExpired, got %v", err)
	}
	if err := m.RevokeID(context.Background(), sess.ID); err != nil {
		t.Fatalf("revoke of closed session must be a no-op, got %v", err)
	}
}

func TestHardCapOverridesActivity(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	users := credential.NewInMemory()
	m := NewManager(NewInMemory(), users,
		WithTTL(30*time.Minute),
		WithHardCap(time.Hour),
		WithClock(func() time.Time { return now }),
	)
	u := activeUser(t, users, "usr_1")

	token, _, err := m.Create(context.Background(), u)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Minute)
		if _, _, err := m.Validate(context.Background(), token); err != nil {
			t.Fatalf("validate at +%dm: %v", (i+1)*10, err)
		}
	}
	// 61 minutes after creation the cap wins regardless of activity.
	now = now.Add(11 * time.Minute)
	if _, _, err := m.Validate(context.Background(), token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("want ErrSessionExpired at hard cap, got %v", err)
	}
}

func TestRevokeIsTerminalAndIdempotent(t *testing.T) {
	users := credential.NewInMemory()
	m := NewManager(NewInMemory(), users)
	u := activeUser(t, users, "usr_1")

	token, _, err := m.Create(context.Background(), u)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Revoke(context.Background(), token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := m.Revoke(context.Background(), token); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if err := m.Revoke(context.Background(), "ses_unknown.x"); err != nil {
		t.Fatalf("unknown Revoke: %v", err)
	}
	if _, _, err := m.Validate(context.Background(), token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("want ErrSessionRevoked, got %v", err)
	}
}

func TestRevokeWinsOverConcurrentValidate(t *testing.T) {
	users := credential.NewInMemory()
	m := NewManager(NewInMemory(), users)
	u := activeUser(t, users, "usr_1")

	token, _, err := m.Create(context.Background(), u)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, _ = m.Validate(context.Background(), token)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		_ = m.Revoke(context.Background(), token)
	}()
	close(start)
	wg.Wait()

	// Whatever interleaving happened, the session is now terminally revoked.
	if _, _, err := m.Validate(context.Background(), token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("want ErrSessionRevoked after concurrent revoke, got %v", err)
	}
}

func TestDisabledUserSessionRejected(t *testing.T) {
	users := credential.NewInMemory()
	m := NewManager(NewInMemory(), users)
	u := activeUser(t, users, "usr_1")

	token, _, err := m.Create(context.Background(), u)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := users.UpdateStatus(context.Background(), u.ID, credential.StatusDisabled, time.Time{}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, _, err := m.Validate(context.Background(), token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("want ErrSessionRevoked for disabled owner, got %v", err)
	}
}
