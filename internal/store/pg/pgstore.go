package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dermatrust.org/internal/credential"
)

const (
	pgErrUniqueViolation = "23505"

	// stmtTimeout caps any single store call so a stalled database surfaces
	// as a storage error instead of hanging the request.
	stmtTimeout = 5 * time.Second
)

// Store implements the subsystem's persistence interfaces over PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ credential.Store = (*Store)(nil)

// Open connects to PostgreSQL with pool settings tuned for the API workload.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (used by tests with sqlmock).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, stmtTimeout)
}

// unavailable maps a driver failure to the caller package's storage sentinel
// so services can tell infrastructure trouble from domain outcomes.
func unavailable(sentinel, err error) error {
	return fmt.Errorf("%w: %v", sentinel, err)
}

// --- credential.Store ---

func (s *Store) Create(ctx context.Context, u *credential.User) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, username, display_name, email, role, password_hash, mfa_secret, status, locked_until, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, nullif($9, '0001-01-01 00:00:00+00'::timestamptz), $10, $11)
	`, u.ID, u.Username, u.DisplayName, u.Email, string(u.Role), u.PasswordHash, u.MFASecret,
		string(u.Status), u.LockedUntil, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return credential.ErrDuplicateIdentity
		}
		return unavailable(credential.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, id string) (*credential.User, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, username, display_name, email, role, password_hash, mfa_secret, status, locked_until, created_at, updated_at
		from users where id = $1
	`, id))
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*credential.User, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, username, display_name, email, role, password_hash, mfa_secret, status, locked_until, created_at, updated_at
		from users where lower(username) = lower($1)
	`, username))
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	return s.mustAffect(s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now() where id = $1
	`, id, passwordHash))
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status credential.Status, lockedUntil time.Time) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	return s.mustAffect(s.db.ExecContext(ctx, `
		update users
		set status = $2, locked_until = nullif($3, '0001-01-01 00:00:00+00'::timestamptz), updated_at = now()
		where id = $1
	`, id, string(status), lockedUntil))
}

func (s *Store) UpdateMFASecret(ctx context.Context, id, secret string) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	return s.mustAffect(s.db.ExecContext(ctx, `
		update users set mfa_secret = $2, updated_at = now() where id = $1
	`, id, secret))
}

func (s *Store) scanUser(row *sql.Row) (*credential.User, error) {
	var (
		u           credential.User
		role        string
		status      string
		lockedUntil sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &role, &u.PasswordHash,
		&u.MFASecret, &status, &lockedUntil, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(credential.ErrStorageUnavailable, err)
	}
	u.Role = credential.Role(role)
	u.Status = credential.Status(status)
	if lockedUntil.Valid {
		u.LockedUntil = lockedUntil.Time
	}
	return &u, nil
}

func (s *Store) mustAffect(res sql.Result, err error) error {
	if err != nil {
		return unavailable(credential.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(credential.ErrStorageUnavailable, err)
	}
	if n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
