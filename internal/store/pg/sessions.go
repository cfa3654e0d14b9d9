package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dermatrust.org/internal/session"
)

var _ session.Store = (*SessionStore)(nil)

// SessionStore is the session persistence facet of the PostgreSQL store.
type SessionStore struct {
	db *sql.DB
}

// Sessions returns the session.Store facet.
func (s *Store) Sessions() *SessionStore { return &SessionStore{db: s.db} }

func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, token_hash, created_at, last_seen, expires_at, revoked)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.UserID, sess.TokenHash, sess.CreatedAt, sess.LastSeen, sess.ExpiresAt, sess.Revoked)
	if err != nil {
		return unavailable(session.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SessionStore) Find(ctx context.Context, id string) (*session.Session, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	var sess session.Session
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, created_at, last_seen, expires_at, revoked
		from sessions where id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CreatedAt,
		&sess.LastSeen, &sess.ExpiresAt, &sess.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable(session.ErrStorageUnavailable, err)
	}
	return &sess, nil
}

func (s *SessionStore) Refresh(ctx context.Context, id string, lastSeen, expiresAt time.Time) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	// Revocation is terminal: the predicate leaves revoked rows untouched.
	res, err := s.db.ExecContext(ctx, `
		update sessions set last_seen = $2, expires_at = $3
		where id = $1 and not revoked
	`, id, lastSeen, expiresAt)
	if err != nil {
		return unavailable(session.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(session.ErrStorageUnavailable, err)
	}
	if n == 0 {
		// Distinguish missing from revoked.
		var revoked bool
		err := s.db.QueryRowContext(ctx, `select revoked from sessions where id = $1`, id).Scan(&revoked)
		if errors.Is(err, sql.ErrNoRows) {
			return session.ErrSessionNotFound
		}
		if err != nil {
			return unavailable(session.ErrStorageUnavailable, err)
		}
	}
	return nil
}

func (s *SessionStore) Revoke(ctx context.Context, id string) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	// Only flips live rows, so closing a session is observable exactly once.
	res, err := s.db.ExecContext(ctx, `
		update sessions set revoked = true where id = $1 and not revoked
	`, id)
	if err != nil {
		return unavailable(session.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(session.ErrStorageUnavailable, err)
	}
	if n == 0 {
		var revoked bool
		err := s.db.QueryRowContext(ctx, `select revoked from sessions where id = $1`, id).Scan(&revoked)
		if errors.Is(err, sql.ErrNoRows) {
			return session.ErrSessionNotFound
		}
		if err != nil {
			return unavailable(session.ErrStorageUnavailable, err)
		}
		return session.ErrSessionRevoked
	}
	return nil
}
