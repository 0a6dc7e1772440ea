package contracts

import (
	"fmt"
	"time"
)

// Flag is a behavioral compliance flag raised by the aggregation rules.
type Flag string

const (
	FlagSoftCompliance        Flag = "soft_compliance"
	FlagActivityInconsistency Flag = "activity_inconsistency"
	FlagNonResponding         Flag = "non_responding_client"
	FlagGritViolation         Flag = "grit_violation"
	FlagStalledProgress       Flag = "stalled_progress"
	FlagWeightStall           Flag = "weight_stall"
	FlagFullCompliance        Flag = "full_compliance"
	FlagParseError            Flag = "flag_parse_error"
)

func (f *Flag) UnmarshalText(b []byte) error {
	switch v := Flag(b); v {
	case FlagSoftCompliance, FlagActivityInconsistency, FlagNonResponding, FlagGritViolation,
		FlagStalledProgress, FlagWeightStall, FlagFullCompliance, FlagParseError:
		*f = v
		return nil
	}
	return fmt.Errorf("unknown flag %q", string(b))
}

// Action is the coach action suggested on a job card.
type Action string

const (
	ActionNone     Action = "none"
	ActionCallout  Action = "callout"
	ActionReassign Action = "reassign"
	ActionPause    Action = "pause"
	ActionEscalate Action = "escalate"
)

func (a *Action) UnmarshalText(b []byte) error {
	switch v := Action(b); v {
	case ActionNone, ActionCallout, ActionReassign, ActionPause, ActionEscalate:
		*a = v
		return nil
	}
	return fmt.Errorf("unknown action %q", string(b))
}

// MaxSummaryLen bounds job card summaries, in characters.
const MaxSummaryLen = 500

// WeeklyFlagRecord is the weekly job card for one client.
type WeeklyFlagRecord struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	WeekEnding Date      `json:"week_ending"`
	Timestamp  time.Time `json:"timestamp"`
	Flags      []Flag    `json:"flags"`
	Summary    string    `json:"summary"`
	Action     Action    `json:"action_suggested"`
	Resolved   bool      `json:"resolved"`
}

// HasFlag reports whether f was raised on the card.
func (r WeeklyFlagRecord) HasFlag(f Flag) bool {
	for _, got := range r.Flags {
		if got == f {
			return true
		}
	}
	return false
}

// EscalationState is the cross-week escalation ladder position of a client.
// Only the aggregation engine and explicit coach resets mutate it.
// StreakCount is the infraction count of the trailing 7 local days, not a
// cumulative streak. Version is the optimistic lock: it is the version that
// was read, and each successful write increments it.
type EscalationState struct {
	ClientID               string    `json:"client_id"`
	StreakCount            int       `json:"streak_count"`
	PrivateWarningsSent    int       `json:"private_warnings_sent"`
	WarningLatched         bool      `json:"warning_latched"`
	RefeedBlocked          bool      `json:"refeed_blocked"`
	PublicCalloutTriggered bool      `json:"public_callout_triggered"`
	UpdatedAt              time.Time `json:"updated_at"`
	Version                int64     `json:"version"`
}
