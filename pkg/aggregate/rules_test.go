package aggregate

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

var weekEnding = contracts.MustDate("2026-03-08")

func cutClient() contracts.ClientProfile {
	return contracts.ClientProfile{
		ID:        "c1",
		Goal:      contracts.GoalCut,
		Offset:    contracts.MustOffset("UTC+0"),
		StartDate: contracts.MustDate("2026-02-01"),
	}
}

func entry(kind contracts.Kind, date string, status contracts.Status, p contracts.Payload) contracts.LogEntry {
	return contracts.LogEntry{
		ID:        string(kind) + "-" + date,
		ClientID:  "c1",
		Date:      contracts.MustDate(date),
		Kind:      kind,
		Status:    status,
		Payload:   p,
		Finalized: true,
	}
}

func missed(kind contracts.Kind, date string) contracts.LogEntry {
	return entry(kind, date, contracts.StatusMissed, nil)
}

func lift(date string, kg float64) contracts.LogEntry {
	return entry(contracts.KindTraining, date, contracts.StatusCompleted, contracts.TrainingPayload{
		BlockID: "b1",
		Sets: []contracts.TrainingSet{
			{Exercise: "bench", WeightKg: kg - 10, Reps: 8},
			{Exercise: "bench", WeightKg: kg, Reps: 5},
		},
	})
}

func weighIn(date string, kg float64) contracts.LogEntry {
	return entry(contracts.KindCheckin, date, contracts.StatusCompleted, contracts.CheckinPayload{
		WeightKg: kg,
		Mood:     contracts.MoodOkay,
		Soreness: contracts.LevelLow,
		Sleep:    contracts.Sleep8h,
		Stress:   contracts.LevelLow,
	})
}

func evaluate(entries ...contracts.LogEntry) Result {
	return Evaluate(Input{Client: cutClient(), Entries: entries, WeekEnding: weekEnding})
}

func TestEvaluate_SoftComplianceOnly(t *testing.T) {
	res := evaluate(
		missed(contracts.KindFuel, "2026-03-03"),
		missed(contracts.KindFuel, "2026-03-04"),
	)
	assert.Equal(t, []contracts.Flag{contracts.FlagSoftCompliance}, res.Flags)
	assert.Equal(t, contracts.ActionCallout, res.Action)
	assert.Contains(t, res.Summary, "soft_compliance")
}

func TestEvaluate_MissesTwoDaysApartAreNotSoft(t *testing.T) {
	res := evaluate(
		missed(contracts.KindFuel, "2026-03-03"),
		missed(contracts.KindFuel, "2026-03-05"),
	)
	assert.Empty(t, res.Flags)
	assert.Equal(t, contracts.ActionNone, res.Action)
	assert.Equal(t, "Week ending 2026-03-08 for c1: no flags.", res.Summary)
}

func TestEvaluate_HighestSeverityWins(t *testing.T) {
	res := evaluate(
		missed(contracts.KindCheckin, "2026-03-05"),
		missed(contracts.KindCheckin, "2026-03-06"),
	)
	assert.Equal(t, []contracts.Flag{contracts.FlagSoftCompliance, contracts.FlagNonResponding}, res.Flags)
	assert.Equal(t, contracts.ActionEscalate, res.Action)
}

func TestEvaluate_SeverityTieKeepsFirstRule(t *testing.T) {
	res := evaluate(
		missed(contracts.KindTraining, "2026-03-03"),
		missed(contracts.KindTraining, "2026-03-06"),
		lift("2026-02-16", 100),
		lift("2026-02-18", 100),
		lift("2026-02-20", 100),
	)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, contracts.FlagActivityInconsistency, res.Matches[0].Flag)
	assert.Equal(t, contracts.FlagStalledProgress, res.Matches[1].Flag)
	assert.Equal(t, res.Matches[0].Severity, res.Matches[1].Severity)
	assert.Equal(t, contracts.ActionReassign, res.Action)
}

func TestEvaluate_GritViolation(t *testing.T) {
	short := func(date string) contracts.LogEntry {
		return entry(contracts.KindCardio, date, contracts.StatusUnderperformed,
			contracts.CardioPayload{AssignedMinutes: 30, ActualMinutes: 15})
	}
	res := evaluate(short("2026-03-02"), short("2026-03-04"), short("2026-03-07"))
	assert.Equal(t, []contracts.Flag{contracts.FlagGritViolation}, res.Flags)
	assert.Equal(t, contracts.ActionCallout, res.Action)
}

func TestEvaluate_StalledProgress(t *testing.T) {
	res := evaluate(lift("2026-02-23", 100), lift("2026-02-25", 100), lift("2026-02-27", 100))
	assert.Equal(t, []contracts.Flag{contracts.FlagStalledProgress}, res.Flags)
	assert.Contains(t, res.Summary, "bench")

	res = evaluate(lift("2026-02-23", 100), lift("2026-02-25", 100), lift("2026-02-27", 100), lift("2026-03-02", 102.5))
	assert.NotContains(t, res.Flags, contracts.FlagStalledProgress)
}

func TestEvaluate_WeightStall(t *testing.T) {
	entries := []contracts.LogEntry{
		weighIn("2026-02-24", 80),
		weighIn("2026-02-27", 79.5),
		weighIn("2026-03-03", 80),
		weighIn("2026-03-06", 79.8),
	}
	res := evaluate(entries...)
	assert.Equal(t, []contracts.Flag{contracts.FlagWeightStall}, res.Flags)
	assert.Equal(t, contracts.ActionReassign, res.Action)

	bulk := cutClient()
	bulk.Goal = contracts.GoalBulk
	res = Evaluate(Input{Client: bulk, Entries: entries, WeekEnding: weekEnding})
	assert.Equal(t, []contracts.Flag{contracts.FlagFullCompliance}, res.Flags)
}

func TestEvaluate_WeightStallNeedsBothWeeks(t *testing.T) {
	res := evaluate(weighIn("2026-03-03", 80), weighIn("2026-03-06", 81))
	assert.Equal(t, []contracts.Flag{contracts.FlagFullCompliance}, res.Flags)
}

func TestEvaluate_FullCompliance(t *testing.T) {
	res := evaluate(
		entry(contracts.KindFuel, "2026-03-02", contracts.StatusCompleted, contracts.FuelPayload{MealID: "m1"}),
		entry(contracts.KindFuel, "2026-03-03", contracts.StatusCompleted, contracts.FuelPayload{MealID: "m2"}),
	)
	assert.Equal(t, []contracts.Flag{contracts.FlagFullCompliance}, res.Flags)
	assert.Equal(t, contracts.ActionNone, res.Action)
}

func TestEvaluate_EmptyWeekIsNotFullCompliance(t *testing.T) {
	res := evaluate()
	assert.Empty(t, res.Flags)
}

func TestEvaluate_ParseError(t *testing.T) {
	bad := entry(contracts.KindCheckin, "2026-03-04", contracts.StatusCompleted, nil)
	bad.Malformed = true
	res := evaluate(
		entry(contracts.KindFuel, "2026-03-02", contracts.StatusCompleted, contracts.FuelPayload{MealID: "m1"}),
		bad,
	)
	assert.Equal(t, []contracts.Flag{contracts.FlagParseError}, res.Flags)
	assert.Contains(t, res.Summary, "1 entries could not be decoded")
}

func TestEvaluate_IgnoresEntriesAfterWeekEnding(t *testing.T) {
	res := evaluate(
		missed(contracts.KindFuel, "2026-03-08"),
		missed(contracts.KindFuel, "2026-03-09"),
	)
	assert.Empty(t, res.Flags)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"hello world foo", 8, "hello"},
		{"hello world", 5, "hello"},
		{"abcdefghij", 4, "abcd"},
		{"héllo wörld", 9, "héllo"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Truncate(tt.in, tt.limit), tt.in)
	}
}

func TestSummarize_BoundedAtWordBoundary(t *testing.T) {
	long := []Match{{Flag: contracts.FlagSoftCompliance, Detail: strings.Repeat("word ", 200)}}
	s := summarize("c1", weekEnding, long)
	assert.LessOrEqual(t, utf8.RuneCountInString(s), contracts.MaxSummaryLen)
	assert.True(t, strings.HasSuffix(s, "word"), s)
}

func TestLadder_SingleWarningPerCrossing(t *testing.T) {
	l := DefaultLadder(false)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	entries := []contracts.LogEntry{
		missed(contracts.KindFuel, "2026-03-02"),
		missed(contracts.KindFuel, "2026-03-03"),
		missed(contracts.KindFuel, "2026-03-04"),
	}

	state, events := l.Apply(contracts.EscalationState{ClientID: "c1"}, entries, contracts.MustDate("2026-03-04"), now)
	require.Len(t, events, 1)
	assert.Equal(t, EventPrivateWarning, events[0].Kind)
	assert.Equal(t, 3, state.StreakCount)
	assert.Equal(t, 1, state.PrivateWarningsSent)
	assert.True(t, state.WarningLatched)
	assert.Equal(t, now, state.UpdatedAt)

	entries = append(entries, missed(contracts.KindCardio, "2026-03-05"))
	state, events = l.Apply(state, entries, contracts.MustDate("2026-03-05"), now.Add(24*time.Hour))
	assert.Empty(t, events)
	assert.Equal(t, 4, state.StreakCount)
	assert.Equal(t, 1, state.PrivateWarningsSent)
}

func TestLadder_WarningRearmsBelowThreshold(t *testing.T) {
	l := DefaultLadder(false)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	entries := []contracts.LogEntry{
		missed(contracts.KindFuel, "2026-03-02"),
		missed(contracts.KindFuel, "2026-03-03"),
		missed(contracts.KindFuel, "2026-03-04"),
	}
	state, _ := l.Apply(contracts.EscalationState{ClientID: "c1"}, entries, contracts.MustDate("2026-03-04"), now)
	require.True(t, state.WarningLatched)

	// 03-02 has left the 7 day window
	state, events := l.Apply(state, entries, contracts.MustDate("2026-03-09"), now.AddDate(0, 0, 5))
	assert.Empty(t, events)
	assert.False(t, state.WarningLatched)
	assert.Equal(t, 2, state.StreakCount)

	entries = append(entries, missed(contracts.KindFuel, "2026-03-09"))
	state, events = l.Apply(state, entries, contracts.MustDate("2026-03-09"), now.AddDate(0, 0, 5))
	require.Len(t, events, 1)
	assert.Equal(t, 2, state.PrivateWarningsSent)
}

func TestLadder_StreakCountIsTrailingWindow(t *testing.T) {
	l := DefaultLadder(false)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	entries := []contracts.LogEntry{
		missed(contracts.KindFuel, "2026-03-01"),
		missed(contracts.KindCardio, "2026-03-02"),
	}
	state := contracts.EscalationState{ClientID: "c1", StreakCount: 40}
	state, _ = l.Apply(state, entries, contracts.MustDate("2026-03-02"), now)
	assert.Equal(t, 2, state.StreakCount, "overwritten, not accumulated")

	want := map[string]int{"2026-03-07": 2, "2026-03-08": 1, "2026-03-09": 0}
	for _, day := range []string{"2026-03-07", "2026-03-08", "2026-03-09"} {
		state, _ = l.Apply(state, entries, contracts.MustDate(day), now)
		assert.Equal(t, want[day], state.StreakCount, day)
	}
}

func TestLadder_RefeedBlockIsSticky(t *testing.T) {
	l := DefaultLadder(false)
	now := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	var entries []contracts.LogEntry
	for _, d := range []string{"2026-02-25", "2026-02-26", "2026-02-27", "2026-02-28", "2026-03-01"} {
		entries = append(entries, missed(contracts.KindFuel, d))
	}

	state, events := l.Apply(contracts.EscalationState{ClientID: "c1"}, entries, contracts.MustDate("2026-03-06"), now)
	require.Len(t, events, 1)
	assert.Equal(t, EventRefeedBlocked, events[0].Kind)
	assert.True(t, state.RefeedBlocked)
	assert.False(t, state.WarningLatched)

	state, events = l.Apply(state, nil, contracts.MustDate("2026-03-20"), now.AddDate(0, 0, 14))
	assert.Empty(t, events)
	assert.True(t, state.RefeedBlocked)
}

func TestLadder_PublicCalloutBehindFlag(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	var entries []contracts.LogEntry
	for d := contracts.MustDate("2026-02-20"); !d.After(contracts.MustDate("2026-02-26")); d = d.AddDays(1) {
		entries = append(entries, missed(contracts.KindFuel, d.String()))
	}
	today := contracts.MustDate("2026-03-05")

	state, events := DefaultLadder(false).Apply(contracts.EscalationState{ClientID: "c1"}, entries, today, now)
	assert.Empty(t, events)
	assert.False(t, state.PublicCalloutTriggered)

	state, events = DefaultLadder(true).Apply(contracts.EscalationState{ClientID: "c1"}, entries, today, now)
	require.Len(t, events, 1)
	assert.Equal(t, EventPublicCallout, events[0].Kind)
	assert.True(t, state.PublicCalloutTriggered)
}

func TestLadder_UnchangedStateKeepsTimestamp(t *testing.T) {
	before := contracts.EscalationState{ClientID: "c1", UpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	after, events := DefaultLadder(false).Apply(before, nil, contracts.MustDate("2026-03-04"), time.Now())
	assert.Empty(t, events)
	assert.Equal(t, before, after)
}
