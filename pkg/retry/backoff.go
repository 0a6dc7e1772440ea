package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// Policy bounds a retry sequence.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultSendPolicy is used for transport sends.
func DefaultSendPolicy() Policy {
	return Policy{BaseMs: 1000, MaxMs: 60_000, MaxJitterMs: 500, MaxAttempts: 3}
}

// DefaultWritePolicy is used for ledger and store writes.
func DefaultWritePolicy() Policy {
	return Policy{BaseMs: 50, MaxMs: 2000, MaxJitterMs: 50, MaxAttempts: 3}
}

// ComputeBackoff returns the delay after the given 1-based attempt.
// The same key and attempt always produce the same delay.
func ComputeBackoff(key string, attempt int, p Policy) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		exp = 30
	}
	delay := p.BaseMs << exp
	if p.MaxMs > 0 && delay > p.MaxMs {
		delay = p.MaxMs
	}
	return time.Duration(delay+ComputeJitter(key, attempt, p)) * time.Millisecond
}

// ComputeJitter derives jitter from sha256(key:attempt).
func ComputeJitter(key string, attempt int, p Policy) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Do runs fn until it succeeds, returns an error that is not retryable, or
// the policy runs out of attempts. The last error is returned.
func Do(ctx context.Context, p Policy, key string, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil || !contracts.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(ComputeBackoff(key, attempt, p)):
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", key, attempts, err)
}
