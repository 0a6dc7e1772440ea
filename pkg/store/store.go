// Package store persists client profiles, compliance log entries, weekly
// job cards and escalation state.
package store

import (
	"context"
	"time"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// ClientStore holds client profiles. Profiles are never deleted.
type ClientStore interface {
	PutClient(ctx context.Context, c contracts.ClientProfile) error
	GetClient(ctx context.Context, id string) (contracts.ClientProfile, error)
	ListClients(ctx context.Context) ([]contracts.ClientProfile, error)
}

// LogStore holds compliance log entries.
type LogStore interface {
	// Finalize inserts a finalized entry. It returns contracts.ErrConflict
	// when a finalized entry already exists for (client, kind, date).
	Finalize(ctx context.Context, e contracts.LogEntry) (contracts.LogEntry, error)

	// AppendRejected records a refused submission for audit.
	AppendRejected(ctx context.Context, e contracts.LogEntry) error

	// GetFinal returns the finalized entry for (client, kind, date).
	GetFinal(ctx context.Context, clientID string, kind contracts.Kind, date contracts.Date) (contracts.LogEntry, error)

	// ListFinal returns finalized entries for a client with from <= date <= to
	// that were recorded at or before asOf, ordered by date then kind.
	ListFinal(ctx context.Context, clientID string, from, to contracts.Date, asOf time.Time) ([]contracts.LogEntry, error)

	// ListRejected returns the audit trail of refused submissions for a client.
	ListRejected(ctx context.Context, clientID string) ([]contracts.LogEntry, error)
}

// FlagStore holds weekly job cards.
type FlagStore interface {
	// PutWeekly inserts a job card; contracts.ErrConflict if one exists for the week.
	PutWeekly(ctx context.Context, r contracts.WeeklyFlagRecord) error
	GetWeekly(ctx context.Context, id string) (contracts.WeeklyFlagRecord, error)
	ListWeekly(ctx context.Context, clientID string) ([]contracts.WeeklyFlagRecord, error)
	SetResolved(ctx context.Context, id string, resolved bool) error
}

// EscalationStore holds escalation ladder state.
type EscalationStore interface {
	// GetEscalation returns the zero state for clients without one.
	GetEscalation(ctx context.Context, clientID string) (contracts.EscalationState, error)
	// PutEscalation writes s only if the stored version still equals
	// s.Version, then increments it. A lost race returns
	// contracts.ErrConflict; callers re-read and re-apply.
	PutEscalation(ctx context.Context, s contracts.EscalationState) error
}

// Store is the full persistence surface.
type Store interface {
	ClientStore
	LogStore
	FlagStore
	EscalationStore
}

func finalKey(clientID string, kind contracts.Kind, date contracts.Date) string {
	return clientID + "|" + string(kind) + "|" + date.String()
}
