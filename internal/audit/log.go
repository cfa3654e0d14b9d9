package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"dermatrust.org/internal/obs"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = 25 * time.Millisecond
)

// Log is the append-only, hash-chained audit trail. Every security-relevant
// event flows through Append exactly once; the log exposes no update or
// delete, and corrections are new compensating entries.
type Log struct {
	store      Store
	spool      *Spool
	now        func() time.Time
	maxRetries int
	backoff    time.Duration
	halted     atomic.Bool
}

// Option configures the Log.
type Option func(*Log)

// WithSpool attaches a local fallback queue used when the primary store is
// unavailable after retries.
func WithSpool(sp *Spool) Option {
	return func(l *Log) { l.spool = sp }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithRetry bounds the append retry loop.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(l *Log) {
		if attempts > 0 {
			l.maxRetries = attempts
		}
		if backoff > 0 {
			l.backoff = backoff
		}
	}
}

// New constructs a Log over a Store.
func New(store Store, opts ...Option) *Log {
	l := &Log{
		store:      store,
		now:        time.Now,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append commits one entry. Transient storage failures are retried with
// bounded backoff, then spooled locally when a spool is attached; a spooled
// entry has Seq 0 until Drain re-appends it to the committed chain.
func (l *Log) Append(ctx context.Context, e Entry) (*Entry, error) {
	if l.halted.Load() {
		return nil, ErrLogHalted
	}
	if e.At.IsZero() {
		e.At = l.now()
	}
	// timestamptz keeps microseconds; the hash must cover the timestamp the
	// store will hand back, not the nanosecond value it was given.
	e.At = e.At.UTC().Round(time.Microsecond)

	var err error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.backoff << (attempt - 1)):
			}
		}
		err = l.store.Append(ctx, &e)
		if err == nil {
			obs.AuditAppended(string(e.Outcome))
			return &e, nil
		}
		if !errors.Is(err, ErrStorageUnavailable) {
			return nil, err
		}
	}

	if l.spool != nil {
		if spoolErr := l.spool.Put(ctx, &e); spoolErr == nil {
			obs.LogEvent("audit.spooled", map[string]any{"action": e.Action})
			return &e, nil
		}
	}
	return nil, err
}

// Compensate appends a correction entry referencing the original sequence
// number. History is never edited; the compensation is itself chained.
func (l *Log) Compensate(ctx context.Context, origSeq uint64, actorID, note string) (*Entry, error) {
	return l.Append(ctx, Entry{
		UserID:      actorID,
		Action:      "audit.compensate",
		Resource:    "audit",
		Outcome:     OutcomeAllowed,
		Reason:      note,
		Compensates: origSeq,
	})
}

// VerifyChain recomputes hashes across [fromSeq, toSeq] and compares them to
// the stored values. On a mismatch the log halts further writes and returns
// a TamperError naming the first bad sequence number.
func (l *Log) VerifyChain(ctx context.Context, fromSeq, toSeq uint64) error {
	if fromSeq == 0 {
		fromSeq = 1
	}

	prev := ""
	if fromSeq > 1 {
		seed, err := l.store.List(ctx, Filter{FromSeq: fromSeq - 1, ToSeq: fromSeq - 1}, fromSeq-2, 1)
		if err != nil {
			return err
		}
		if len(seed) == 0 {
			return &TamperError{Seq: fromSeq - 1}
		}
		prev = seed[0].Hash
	}

	expect := fromSeq
	after := fromSeq - 1
	for {
		f := Filter{FromSeq: fromSeq}
		if toSeq > 0 {
			f.ToSeq = toSeq
		}
		batch, err := l.store.List(ctx, f, after, 256)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for i := range batch {
			e := &batch[i]
			// A gap in committed sequence numbers is itself tampering.
			if e.Seq != expect {
				l.halt()
				return &TamperError{Seq: expect}
			}
			if e.PrevHash != prev || ChainHash(prev, e) != e.Hash {
				l.halt()
				return &TamperError{Seq: e.Seq}
			}
			prev = e.Hash
			expect++
			after = e.Seq
		}
		if toSeq > 0 && after >= toSeq {
			return nil
		}
	}
}

// Query returns a lazy, restartable iterator over committed entries matching
// f, ordered by ascending sequence number. The iterator never mutates.
func (l *Log) Query(f Filter) *Iterator {
	return &Iterator{log: l, filter: f, batch: 100}
}

// Drain re-appends spooled entries to the committed chain, preserving their
// original timestamps. Returns the number of entries recovered.
func (l *Log) Drain(ctx context.Context) (int, error) {
	if l.spool == nil {
		return 0, nil
	}
	return l.spool.drain(ctx, func(ctx context.Context, e *Entry) error {
		_, err := l.Append(ctx, *e)
		return err
	})
}

// Halted reports whether tamper detection has stopped the log.
func (l *Log) Halted() bool { return l.halted.Load() }

// Reset clears the halted latch after administrative intervention.
func (l *Log) Reset() { l.halted.Store(false) }

func (l *Log) halt() {
	if l.halted.CompareAndSwap(false, true) {
		obs.AuditChainBroken()
		obs.LogEvent("audit.halted", nil)
	}
}

// Iterator walks query results in batches. Restartable: Seek rewinds (or
// fast-forwards) to any sequence number and iteration continues from there.
type Iterator struct {
	log    *Log
	filter Filter
	after  uint64
	buf    []Entry
	idx    int
	batch  int
}

// Next returns the next matching entry, or ok=false when exhausted.
func (it *Iterator) Next(ctx context.Context) (*Entry, bool, error) {
	for {
		if it.idx < len(it.buf) {
			e := it.buf[it.idx]
			it.idx++
			it.after = e.Seq
			return &e, true, nil
		}
		batch, err := it.log.store.List(ctx, it.filter, it.after, it.batch)
		if err != nil {
			return nil, false, err
		}
		if len(batch) == 0 {
			return nil, false, nil
		}
		it.buf = batch
		it.idx = 0
	}
}

// Seek positions the iterator so the next entry returned has Seq > seq.
func (it *Iterator) Seek(seq uint64) {
	it.after = seq
	it.buf = nil
	it.idx = 0
}
