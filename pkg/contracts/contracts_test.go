package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in      string
		hours   int
		wantErr bool
	}{
		{"UTC", 0, false},
		{"UTC+2", 2, false},
		{"UTC-5", -5, false},
		{"UTC+14", 14, false},
		{"UTC-14", -14, false},
		{"UTC+15", 0, true},
		{"GMT+1", 0, true},
		{"UTC+", 0, true},
		{"+2", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			o, err := ParseOffset(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hours, o.Hours())
		})
	}
}

func TestOffsetLocalDateCrossesMidnight(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, MustDate("2026-03-11"), MustOffset("UTC+2").LocalDate(now))
	assert.Equal(t, MustDate("2026-03-10"), MustOffset("UTC-5").LocalDate(now))
	assert.Equal(t, MustClock("01:30"), ClockOf(MustOffset("UTC+2").Local(now)))
}

func TestOffsetAt(t *testing.T) {
	at := MustOffset("UTC+2").At(MustDate("2026-03-10"), MustClock("06:00"))
	assert.Equal(t, time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC), at)

	at = MustOffset("UTC-5").At(MustDate("2026-03-10"), MustClock("22:00"))
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), at)
}

func TestDateArithmetic(t *testing.T) {
	d := MustDate("2026-02-27")
	assert.Equal(t, "2026-03-01", d.AddDays(2).String())
	assert.Equal(t, 2, d.AddDays(2).DaysSince(d))
	assert.Equal(t, -2, d.DaysSince(d.AddDays(2)))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.AddDays(1).After(d))
}

func TestDayIndexAndTrainingDays(t *testing.T) {
	c := ClientProfile{
		ID:             "c1",
		Goal:           GoalCut,
		StartDate:      MustDate("2026-03-01"),
		CycleStartDate: MustDate("2026-03-02"),
		TrainingDays:   []int{0, 2, 4},
	}
	assert.Equal(t, 0, c.DayIndex(MustDate("2026-03-02")))
	assert.Equal(t, 6, c.DayIndex(MustDate("2026-03-01")))
	assert.Equal(t, 0, c.DayIndex(MustDate("2026-03-09")))
	assert.True(t, c.IsTrainingDay(MustDate("2026-03-04")))
	assert.False(t, c.IsTrainingDay(MustDate("2026-03-05")))
}

func TestClientValidate(t *testing.T) {
	base := ClientProfile{ID: "c1", Goal: GoalBulk, StartDate: MustDate("2026-03-01")}
	require.NoError(t, base.Validate())

	bad := base
	bad.Goal = "shred"
	var ve *ValidationError
	require.True(t, errors.As(bad.Validate(), &ve))
	assert.Equal(t, "goal", ve.Field)

	bad = base
	bad.Targets = map[Kind]int{KindCardio: 301}
	assert.Error(t, bad.Validate())

	bad = base
	bad.TrainingDays = []int{7}
	assert.Error(t, bad.Validate())
}

func TestTemplateWindow(t *testing.T) {
	tpl := ScheduledTaskTemplate{Kind: KindFuel, Drop: MustClock("06:00"), Deadline: MustClock("22:00")}
	require.NoError(t, tpl.Validate())

	assert.False(t, tpl.InWindow(MustClock("05:59")))
	assert.True(t, tpl.InWindow(MustClock("06:00")))
	assert.True(t, tpl.InWindow(MustClock("21:59")))
	assert.False(t, tpl.InWindow(MustClock("22:00")))
	assert.True(t, tpl.DeadlinePassed(MustClock("22:00")))

	tpl.Deadline = tpl.Drop
	assert.Error(t, tpl.Validate())
}

func TestLogEntryRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)
	entries := []LogEntry{
		{ID: "1", ClientID: "c1", Date: MustDate("2026-03-10"), Timestamp: ts, Kind: KindCardio,
			Status: StatusUnderperformed, Payload: CardioPayload{AssignedMinutes: 30, ActualMinutes: 20}, Finalized: true, RecordedAt: ts},
		{ID: "2", ClientID: "c1", Date: MustDate("2026-03-10"), Timestamp: ts, Kind: KindFuel,
			Status: StatusMissed, Finalized: true, RecordedAt: ts},
		{ID: "3", ClientID: "c1", Date: MustDate("2026-03-10"), Timestamp: ts, Kind: KindCheckin,
			Status: StatusCompleted, Payload: CheckinPayload{WeightKg: 82.5, Mood: MoodOkay, Soreness: LevelLow,
				Sleep: Sleep8h, Stress: LevelMedium, Notes: "fine"}, Finalized: true, RecordedAt: ts},
		{ID: "4", ClientID: "c1", Date: MustDate("2026-03-10"), Timestamp: ts, Kind: KindTraining,
			Status: StatusCompleted, Payload: TrainingPayload{BlockID: "b1", DayIndex: 2,
				Sets: []TrainingSet{{Exercise: "squat", WeightKg: 100, Reps: 5}}}, Finalized: true, RecordedAt: ts},
	}

	for _, e := range entries {
		t.Run(string(e.Kind), func(t *testing.T) {
			b, err := json.Marshal(e)
			require.NoError(t, err)

			var got LogEntry
			require.NoError(t, json.Unmarshal(b, &got))
			assert.Equal(t, e.Status, got.Status)
			assert.Equal(t, e.Payload, got.Payload)
			assert.Equal(t, e, got)
		})
	}
}

func TestMissedEntryEncodesNullPayload(t *testing.T) {
	b, err := json.Marshal(LogEntry{Kind: KindFuel, Status: StatusMissed})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"payload":null`)
}

func TestDecodePayloadStrict(t *testing.T) {
	_, err := DecodePayload(KindCheckin, []byte(`{"weight_kg":80,"mood":"ecstatic","soreness":"low","sleep":"8h","stress":"low"}`))
	assert.Error(t, err)

	_, err = DecodePayload(KindFuel, []byte(`{"meal_id":"m1","extra":true}`))
	assert.Error(t, err)

	p, err := DecodePayload(KindFuel, []byte(`null`))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestTopWeight(t *testing.T) {
	p := TrainingPayload{Sets: []TrainingSet{
		{Exercise: "squat", WeightKg: 90, Reps: 5},
		{Exercise: "squat", WeightKg: 100, Reps: 3},
		{Exercise: "bench", WeightKg: 70, Reps: 5},
	}}
	top, ok := p.TopWeight("squat")
	assert.True(t, ok)
	assert.Equal(t, 100.0, top)
	_, ok = p.TopWeight("deadlift")
	assert.False(t, ok)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&TransportError{Recipient: "c1", Err: errors.New("timeout")}))
	assert.True(t, IsRetryable(&PersistenceError{Op: "claim", Err: errors.New("conn reset")}))
	assert.False(t, IsRetryable(&ValidationError{Field: "x", Reason: "y"}))
	assert.False(t, IsRetryable(&PolicyViolation{Rule: "finalized", Detail: "z"}))
}
