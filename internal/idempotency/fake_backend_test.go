package idempotency

import (
	"context"
	"sync"
	"time"
)

type recordKey struct{ scope, key string }

// memTx buffers writes until commit, like a database transaction.
type memTx struct {
	items   []string
	success *Record
}

// AddItem stages a work item row.
func (tx *memTx) AddItem(id string) {
	tx.items = append(tx.items, id)
}

type memBackend struct {
	mu      sync.Mutex
	records map[recordKey]Record
	items   []string

	// Hooks let tests interleave another caller at precise points.
	beforeReclaim func()
	loadErr       error
	markFailedErr error
}

func newMemBackend() *memBackend {
	return &memBackend{records: make(map[recordKey]Record)}
}

func (b *memBackend) Insert(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := recordKey{rec.Scope, rec.Key}
	if _, ok := b.records[k]; ok {
		return ErrDuplicateKey
	}
	b.records[k] = rec
	return nil
}

func (b *memBackend) Load(_ context.Context, scope, key string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return Record{}, b.loadErr
	}
	rec, ok := b.records[recordKey{scope, key}]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

func (b *memBackend) Reclaim(_ context.Context, observed Record, now time.Time) (bool, error) {
	if b.beforeReclaim != nil {
		hook := b.beforeReclaim
		b.beforeReclaim = nil
		hook()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	k := recordKey{observed.Scope, observed.Key}
	cur, ok := b.records[k]
	if !ok || cur.State != observed.State || !cur.LockedAt.Equal(observed.LockedAt) {
		return false, nil
	}
	cur.State = StatePending
	cur.LockedAt = now
	cur.UpdatedAt = now
	cur.Attempts++
	cur.ErrorCode, cur.ErrorMessage = "", ""
	b.records[k] = cur
	return true, nil
}

func (b *memBackend) WithinTx(_ context.Context, fn func(tx *memTx) error) error {
	tx := &memTx{}
	if err := fn(tx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, tx.items...)
	if tx.success != nil {
		b.records[recordKey{tx.success.Scope, tx.success.Key}] = *tx.success
	}
	return nil
}

func (b *memBackend) owned(c Claim) (Record, error) {
	cur, ok := b.records[recordKey{c.Scope, c.Key}]
	if !ok || cur.State != StatePending || !cur.LockedAt.Equal(c.LockedAt) {
		return Record{}, ErrClaimLost
	}
	return cur, nil
}

func (b *memBackend) MarkSucceeded(_ context.Context, tx *memTx, c Claim, result []byte, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, err := b.owned(c)
	if err != nil {
		return err
	}
	cur.State = StateSucceeded
	cur.Result = append([]byte(nil), result...)
	cur.UpdatedAt = now
	tx.success = &cur
	return nil
}

func (b *memBackend) MarkFailed(_ context.Context, c Claim, code, message string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.markFailedErr != nil {
		return b.markFailedErr
	}
	cur, err := b.owned(c)
	if err != nil {
		return err
	}
	cur.State = StateFailed
	cur.ErrorCode = code
	cur.ErrorMessage = message
	cur.UpdatedAt = now
	b.records[recordKey{c.Scope, c.Key}] = cur
	return nil
}

func (b *memBackend) Cleanup(_ context.Context, opts CleanupOptions, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-opts.OlderThan)
	var n int64
	for k, rec := range b.records {
		if rec.State == StatePending && !opts.IncludePending {
			continue
		}
		old := opts.OlderThan > 0 && rec.CreatedAt.Before(cutoff)
		expired := rec.ExpiresAt != nil && rec.ExpiresAt.Before(now)
		if !old && !expired {
			continue
		}
		n++
		if !opts.DryRun {
			delete(b.records, k)
		}
	}
	return n, nil
}

func (b *memBackend) record(scope, key string) Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records[recordKey{scope, key}]
}

func (b *memBackend) put(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[recordKey{rec.Scope, rec.Key}] = rec
}

func (b *memBackend) itemCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// countingObserver records outcomes for assertions.
type countingObserver struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
	runs     int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{outcomes: make(map[Outcome]int)}
}

func (o *countingObserver) ObserveOutcome(_ string, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *countingObserver) ObserveDuration(string, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs++
}

func (o *countingObserver) count(outcome Outcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}
