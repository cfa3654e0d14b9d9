package audit

import (
	"context"
	"sync"
)

// Store persists the append-only chain. Append must assign the next sequence
// number, compute the chain hash and persist in one indivisible step;
// concurrent appends are linearized by the implementation. There is no
// update and no delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// List returns committed entries with seq > afterSeq matching f, in
	// ascending sequence order, at most limit entries.
	List(ctx context.Context, f Filter, afterSeq uint64, limit int) ([]Entry, error)
}

// InMemory implements Store with a single mutex as the serialization point.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
	seq     uint64
	last    string
}

// NewInMemory creates an empty in-memory audit store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Append(ctx context.Context, e *Entry) error {
	// Cancellation is honored only before sequence allocation; once the lock
	// is held and the number assigned, the append always commits.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Seq = s.seq + 1
	e.PrevHash = s.last
	e.Hash = ChainHash(s.last, e)
	s.entries = append(s.entries, *e)
	s.seq = e.Seq
	s.last = e.Hash
	return nil
}

func (s *InMemory) List(ctx context.Context, f Filter, afterSeq uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for i := range s.entries {
		e := &s.entries[i]
		if e.Seq <= afterSeq {
			continue
		}
		if !f.Match(e) {
			continue
		}
		out = append(out, *e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// mutate rewrites a stored entry's field in place. Test hook for exercising
// tamper detection; the public API offers no mutation.
func (s *InMemory) mutate(seq uint64, fn func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Seq == seq {
			fn(&s.entries[i])
			return true
		}
	}
	return false
}
