// Package ledger is the durable dispatch ledger. Every (client, task, date)
// key moves through PENDING → {SENT, FAILED → ... → EXHAUSTED} and the
// claim step is the single atomic check-and-set that keeps overlapping
// ticks from double-dispatching.
package ledger

import (
	"context"
	"time"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// Ledger is the durable interface for dispatch records.
type Ledger interface {
	// Claim takes ownership of key until now+lease. It creates a PENDING
	// record if none exists, or re-leases a PENDING/FAILED record whose lease
	// has expired. It returns contracts.ErrConflict when the key already
	// reached a terminal state and contracts.ErrLeaseHeld when another
	// evaluator holds a live lease.
	Claim(ctx context.Context, key contracts.TaskKey, lease time.Duration) (contracts.DispatchRecord, error)

	// MarkSent records a successful attempt. Only a claimed, non-terminal
	// record can reach SENT; otherwise contracts.ErrConflict.
	MarkSent(ctx context.Context, key contracts.TaskKey, attempts int) error

	// MarkFailed records a failed attempt and holds the lease until retryAt.
	MarkFailed(ctx context.Context, key contracts.TaskKey, attempts int, cause string, retryAt time.Time) error

	// MarkExhausted records that the attempt cap was reached.
	MarkExhausted(ctx context.Context, key contracts.TaskKey, attempts int, cause string) error

	// Release drops the lease on a non-terminal record so the next tick may
	// claim it again.
	Release(ctx context.Context, key contracts.TaskKey) error

	// Get retrieves the record for key.
	Get(ctx context.Context, key contracts.TaskKey) (contracts.DispatchRecord, error)

	// ListAll retrieves every record (for audits and tests).
	ListAll(ctx context.Context) ([]contracts.DispatchRecord, error)
}
