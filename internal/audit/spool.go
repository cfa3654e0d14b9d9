package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"
)

// Spool is a local sqlite-backed fallback queue for audit entries accepted
// while the primary store is unreachable. Spooled entries carry no global
// sequence number; Drain re-appends them so the committed chain stays
// gap-free.
type Spool struct {
	db *sql.DB
}

// OpenSpool opens (and initializes) the spool database at path.
func OpenSpool(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer; the spool is a best-effort local queue.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		create table if not exists audit_spool (
			id integer primary key autoincrement,
			spooled_at text not null,
			payload blob not null
		)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Spool{db: db}, nil
}

// Close releases the underlying database.
func (s *Spool) Close() error { return s.db.Close() }

// Put enqueues an entry. Sequence and chain fields are stripped: they are
// assigned when the entry reaches the committed chain.
func (s *Spool) Put(ctx context.Context, e *Entry) error {
	cp := *e
	cp.Seq = 0
	cp.PrevHash = ""
	cp.Hash = ""
	payload, err := json.Marshal(spoolRecord{
		At:          cp.At,
		UserID:      cp.UserID,
		SessionID:   cp.SessionID,
		Action:      cp.Action,
		Resource:    cp.Resource,
		Outcome:     string(cp.Outcome),
		Reason:      cp.Reason,
		Compensates: cp.Compensates,
	})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into audit_spool(spooled_at, payload) values($1, $2)`,
		time.Now().UTC().Format(time.RFC3339Nano), payload,
	)
	return err
}

// Pending returns the number of queued entries.
func (s *Spool) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from audit_spool`).Scan(&n)
	return n, err
}

// drain replays queued entries in arrival order through commit and deletes
// each row only after its entry is committed.
func (s *Spool) drain(ctx context.Context, commit func(context.Context, *Entry) error) (int, error) {
	rows, err := s.db.QueryContext(ctx, `select id, payload from audit_spool order by id asc`)
	if err != nil {
		return 0, err
	}
	type queued struct {
		id      int64
		payload []byte
	}
	var pending []queued
	for rows.Next() {
		var q queued
		if err := rows.Scan(&q.id, &q.payload); err != nil {
			rows.Close()
			return 0, err
		}
		pending = append(pending, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	drained := 0
	for _, q := range pending {
		var rec spoolRecord
		if err := json.Unmarshal(q.payload, &rec); err != nil {
			return drained, err
		}
		e := Entry{
			At:          rec.At,
			UserID:      rec.UserID,
			SessionID:   rec.SessionID,
			Action:      rec.Action,
			Resource:    rec.Resource,
			Outcome:     Outcome(rec.Outcome),
			Reason:      rec.Reason,
			Compensates: rec.Compensates,
		}
		if err := commit(ctx, &e); err != nil {
			return drained, err
		}
		if _, err := s.db.ExecContext(ctx, `delete from audit_spool where id=$1`, q.id); err != nil {
			return drained, err
		}
		drained++
	}
	return drained, nil
}

type spoolRecord struct {
	At          time.Time `json:"at"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Action      string    `json:"action"`
	Resource    string    `json:"resource,omitempty"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	Compensates uint64    `json:"compensates,omitempty"`
}
