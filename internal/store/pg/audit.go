package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"dermatrust.org/internal/audit"
)

var _ audit.Store = (*AuditStore)(nil)

// AuditStore is the append-only audit chain facet. Appends run under
// serializable isolation with the chain head locked, so sequence numbers are
// gap-free and each hash covers its true predecessor.
type AuditStore struct {
	db *sql.DB
}

// Audit returns the audit.Store facet.
func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

func (s *AuditStore) Append(ctx context.Context, e *audit.Entry) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return retryable(err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		prevSeq  uint64
		prevHash string
	)
	err = tx.QueryRowContext(ctx, `
		select seq, hash from audit_log order by seq desc limit 1 for update
	`).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return retryable(err)
	}

	e.Seq = prevSeq + 1
	e.PrevHash = prevHash
	e.Hash = audit.ChainHash(prevHash, e)

	if _, err := tx.ExecContext(ctx, `
		insert into audit_log (seq, at, user_id, session_id, action, resource, outcome, reason, compensates, prev_hash, hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.Seq, e.At, e.UserID, e.SessionID, e.Action, e.Resource, string(e.Outcome),
		e.Reason, e.Compensates, e.PrevHash, e.Hash); err != nil {
		return retryable(err)
	}
	if err := tx.Commit(); err != nil {
		return retryable(err)
	}
	return nil
}

func (s *AuditStore) List(ctx context.Context, f audit.Filter, afterSeq uint64, limit int) ([]audit.Entry, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	add("seq > $%d", afterSeq)
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if !f.From.IsZero() {
		add("at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("at <= $%d", f.To)
	}
	if f.FromSeq > 0 {
		add("seq >= $%d", f.FromSeq)
	}
	if f.ToSeq > 0 {
		add("seq <= $%d", f.ToSeq)
	}

	query := `
		select seq, at, user_id, session_id, action, resource, outcome, reason, compensates, prev_hash, hash
		from audit_log
		where ` + strings.Join(conds, " and ") + `
		order by seq asc
		limit ` + strconv.Itoa(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, retryable(err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			outcome string
		)
		if err := rows.Scan(&e.Seq, &e.At, &e.UserID, &e.SessionID, &e.Action, &e.Resource,
			&outcome, &e.Reason, &e.Compensates, &e.PrevHash, &e.Hash); err != nil {
			return nil, retryable(err)
		}
		e.Outcome = audit.Outcome(outcome)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, retryable(err)
	}
	return out, nil
}

// retryable classifies append failures as transient so the audit log retries
// and, failing that, spools. Serialization failures and head collisions under
// concurrent appends resolve on retry; connectivity failures resolve when the
// database returns.
func retryable(err error) error {
	return fmt.Errorf("%w: %v", audit.ErrStorageUnavailable, err)
}
