package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrStorageUnavailable indicates the backing store did not answer in time.
	ErrStorageUnavailable = errors.New("audit: storage unavailable")
	// ErrLogHalted is returned after tamper detection; writes stay refused
	// until an administrator resets the log.
	ErrLogHalted = errors.New("audit: log halted after tamper detection")
)

// TamperError reports the first sequence number whose stored hash no longer
// matches a recomputation of the chain.
type TamperError struct {
	Seq uint64
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("audit: chain tampered at seq %d", e.Seq)
}

// Outcome is the recorded result of a gated action.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Entry is one immutable audit record. Entries are hash-chained: Hash covers
// the entry's own content plus the previous entry's Hash, so editing any
// committed entry invalidates every later one.
type Entry struct {
	Seq         uint64    `json:"seq"`
	At          time.Time `json:"at"`
	UserID      string    `json:"user_id,omitempty"` // empty for anonymous attempts
	SessionID   string    `json:"session_id,omitempty"`
	Action      string    `json:"action"`
	Resource    string    `json:"resource,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"` // internal denial reason or error detail
	Compensates uint64    `json:"compensates,omitempty"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// ChainHash computes the tamper-evidence digest for an entry given the
// previous entry's hash. Field order is fixed; timestamps are canonicalized
// to UTC RFC3339Nano so recomputation is deterministic.
func ChainHash(prev string, e *Entry) string {
	parts := []string{
		prev,
		strconv.FormatUint(e.Seq, 10),
		e.At.UTC().Format(time.RFC3339Nano),
		e.UserID,
		e.SessionID,
		e.Action,
		e.Resource,
		string(e.Outcome),
		e.Reason,
		strconv.FormatUint(e.Compensates, 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	UserID    string
	SessionID string
	Action    string
	Outcome   Outcome
	From      time.Time
	To        time.Time
	FromSeq   uint64
	ToSeq     uint64
}

// Match reports whether e passes the filter.
func (f Filter) Match(e *Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && e.At.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.At.After(f.To) {
		return false
	}
	if f.FromSeq > 0 && e.Seq < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && e.Seq > f.ToSeq {
		return false
	}
	return true
}
