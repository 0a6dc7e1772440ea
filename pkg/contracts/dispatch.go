package contracts

import (
	"fmt"
	"time"
)

// DispatchState is the ledger state of one (client, task, date) key.
type DispatchState string

const (
	DispatchPending   DispatchState = "PENDING"
	DispatchSent      DispatchState = "SENT"
	DispatchFailed    DispatchState = "FAILED"
	DispatchExhausted DispatchState = "EXHAUSTED"
)

// Terminal reports whether no further attempts are made for the key.
func (s DispatchState) Terminal() bool {
	return s == DispatchSent || s == DispatchExhausted
}

// Task names used in ledger keys besides the plain kinds.
const (
	TaskWeeklyReview  = "review/weekly"
	TaskNonResponding = "alert/non_responding"
)

// DeadlineTask derives the ledger task name of a kind's deadline check.
func DeadlineTask(k Kind) string { return "deadline/" + string(k) }

// TaskKey is the composite identity the ledger guarantees at-most-once for.
type TaskKey struct {
	ClientID string `json:"client_id"`
	Task     string `json:"task"`
	Date     Date   `json:"date"`
}

// DropKey returns the key of a kind's daily drop.
func DropKey(clientID string, k Kind, d Date) TaskKey {
	return TaskKey{ClientID: clientID, Task: string(k), Date: d}
}

// DeadlineKey returns the key of a kind's deadline check.
func DeadlineKey(clientID string, k Kind, d Date) TaskKey {
	return TaskKey{ClientID: clientID, Task: DeadlineTask(k), Date: d}
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ClientID, k.Task, k.Date)
}

// DispatchRecord is the durable ledger row for a TaskKey.
type DispatchRecord struct {
	Key           TaskKey       `json:"key"`
	State         DispatchState `json:"state"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt time.Time     `json:"last_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	LeasedUntil   time.Time     `json:"leased_until,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
