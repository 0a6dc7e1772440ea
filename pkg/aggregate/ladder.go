package aggregate

import (
	"time"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// EventKind is a rung of the escalation ladder.
type EventKind string

const (
	EventPrivateWarning EventKind = "private_warning"
	EventRefeedBlocked  EventKind = "refeed_blocked"
	EventPublicCallout  EventKind = "public_callout"
)

// Event is an escalation step taken by Apply.
type Event struct {
	Kind     EventKind `json:"kind"`
	ClientID string    `json:"client_id"`
	Count    int       `json:"count"`
	Window   int       `json:"window_days"`
}

// Threshold is an infraction count over a trailing window of local days.
type Threshold struct {
	Count int
	Days  int
}

// Ladder holds the escalation thresholds.
type Ladder struct {
	Warning        Threshold
	RefeedBlock    Threshold
	PublicCallout  Threshold
	PublicCallouts bool
}

// DefaultLadder is 3 in 7 days, 5 in 10 and 7 in 14.
func DefaultLadder(publicCallouts bool) Ladder {
	return Ladder{
		Warning:        Threshold{Count: 3, Days: 7},
		RefeedBlock:    Threshold{Count: 5, Days: 10},
		PublicCallout:  Threshold{Count: 7, Days: 14},
		PublicCallouts: publicCallouts,
	}
}

// Apply moves state along the ladder given the client's finalized entries
// as of local date today.
//
// StreakCount is not a cumulative streak. It is overwritten on every call
// with the number of infractions in the sliding warning window (the trailing
// 7 local days by default), so it goes down again as old misses age out of
// the window. The private warning fires once per crossing and
// re-arms only when the trailing count falls back below its threshold.
// Refeed block and public callout never clear here.
func (l Ladder) Apply(state contracts.EscalationState, entries []contracts.LogEntry, today contracts.Date, now time.Time) (contracts.EscalationState, []Event) {
	next := state
	next.ClientID = state.ClientID
	count := func(days int) int { return infractions(entries, today, days) }

	var events []Event
	warn := count(l.Warning.Days)
	next.StreakCount = warn

	switch {
	case warn >= l.Warning.Count && !next.WarningLatched:
		next.WarningLatched = true
		next.PrivateWarningsSent++
		events = append(events, Event{Kind: EventPrivateWarning, ClientID: next.ClientID, Count: warn, Window: l.Warning.Days})
	case warn < l.Warning.Count:
		next.WarningLatched = false
	}

	if n := count(l.RefeedBlock.Days); n >= l.RefeedBlock.Count && !next.RefeedBlocked {
		next.RefeedBlocked = true
		events = append(events, Event{Kind: EventRefeedBlocked, ClientID: next.ClientID, Count: n, Window: l.RefeedBlock.Days})
	}

	if l.PublicCallouts && !next.PublicCalloutTriggered {
		if n := count(l.PublicCallout.Days); n >= l.PublicCallout.Count {
			next.PublicCalloutTriggered = true
			events = append(events, Event{Kind: EventPublicCallout, ClientID: next.ClientID, Count: n, Window: l.PublicCallout.Days})
		}
	}

	if next != state {
		next.UpdatedAt = now.UTC()
	}
	return next, events
}

// infractions counts missed or underperformed entries dated within the
// trailing days ending at today.
func infractions(entries []contracts.LogEntry, today contracts.Date, days int) int {
	start := today.AddDays(-(days - 1))
	n := 0
	for _, e := range entries {
		if !e.Finalized || !e.Status.Infraction() {
			continue
		}
		if e.Date.Before(start) || e.Date.After(today) {
			continue
		}
		n++
	}
	return n
}
