package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// MemoryLedger is an in-process Ledger for lite runs and tests.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[contracts.TaskKey]contracts.DispatchRecord
	clock   func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[contracts.TaskKey]contracts.DispatchRecord),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Claim(_ context.Context, key contracts.TaskKey, lease time.Duration) (contracts.DispatchRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UTC()
	rec, ok := l.records[key]
	if !ok {
		rec = contracts.DispatchRecord{
			Key:         key,
			State:       contracts.DispatchPending,
			LeasedUntil: now.Add(lease),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		l.records[key] = rec
		return rec, nil
	}
	if rec.State.Terminal() {
		return rec, fmt.Errorf("dispatch %s is %s: %w", key, rec.State, contracts.ErrConflict)
	}
	if !rec.LeasedUntil.Before(now) {
		return rec, fmt.Errorf("dispatch %s: %w", key, contracts.ErrLeaseHeld)
	}
	rec.LeasedUntil = now.Add(lease)
	rec.UpdatedAt = now
	l.records[key] = rec
	return rec, nil
}

func (l *MemoryLedger) transition(key contracts.TaskKey, fn func(*contracts.DispatchRecord, time.Time)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return fmt.Errorf("dispatch %s: %w", key, contracts.ErrNotFound)
	}
	if rec.State.Terminal() {
		return fmt.Errorf("dispatch %s is %s: %w", key, rec.State, contracts.ErrConflict)
	}
	now := l.clock().UTC()
	fn(&rec, now)
	rec.UpdatedAt = now
	l.records[key] = rec
	return nil
}

func (l *MemoryLedger) MarkSent(_ context.Context, key contracts.TaskKey, attempts int) error {
	return l.transition(key, func(r *contracts.DispatchRecord, now time.Time) {
		r.State = contracts.DispatchSent
		r.Attempts = attempts
		r.LastAttemptAt = now
		r.LastError = ""
	})
}

func (l *MemoryLedger) MarkFailed(_ context.Context, key contracts.TaskKey, attempts int, cause string, retryAt time.Time) error {
	return l.transition(key, func(r *contracts.DispatchRecord, now time.Time) {
		r.State = contracts.DispatchFailed
		r.Attempts = attempts
		r.LastAttemptAt = now
		r.LastError = cause
		r.LeasedUntil = retryAt.UTC()
	})
}

func (l *MemoryLedger) MarkExhausted(_ context.Context, key contracts.TaskKey, attempts int, cause string) error {
	return l.transition(key, func(r *contracts.DispatchRecord, now time.Time) {
		r.State = contracts.DispatchExhausted
		r.Attempts = attempts
		r.LastAttemptAt = now
		r.LastError = cause
	})
}

func (l *MemoryLedger) Release(_ context.Context, key contracts.TaskKey) error {
	return l.transition(key, func(r *contracts.DispatchRecord, _ time.Time) {
		r.LeasedUntil = time.Time{}
	})
}

func (l *MemoryLedger) Get(_ context.Context, key contracts.TaskKey) (contracts.DispatchRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return contracts.DispatchRecord{}, fmt.Errorf("dispatch %s: %w", key, contracts.ErrNotFound)
	}
	return rec, nil
}

func (l *MemoryLedger) ListAll(_ context.Context) ([]contracts.DispatchRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]contracts.DispatchRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}
