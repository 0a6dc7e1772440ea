package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the compliance outcome of a log entry.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusUnderperformed Status = "underperformed"
	StatusMissed         Status = "missed"
	StatusRejected       Status = "rejected"
)

// Infraction reports whether the status counts against the client.
func (s Status) Infraction() bool {
	return s == StatusMissed || s == StatusUnderperformed
}

// LogEntry is one compliance record. Finalized entries are unique per
// (client, kind, date) and immutable; rejected entries form an audit trail
// and are never finalized.
type LogEntry struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	Date       Date      `json:"date"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       Kind      `json:"kind"`
	Status     Status    `json:"status"`
	Payload    Payload   `json:"-"`
	Finalized  bool      `json:"finalized"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`

	// Malformed is set by stores when the persisted payload no longer decodes.
	Malformed bool `json:"-"`
}

type logEntryWire struct {
	ID         string          `json:"id"`
	ClientID   string          `json:"client_id"`
	Date       Date            `json:"date"`
	Timestamp  time.Time       `json:"timestamp"`
	Kind       Kind            `json:"kind"`
	Status     Status          `json:"status"`
	Payload    json.RawMessage `json:"payload"`
	Finalized  bool            `json:"finalized"`
	Reason     string          `json:"reason,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func (e LogEntry) MarshalJSON() ([]byte, error) {
	raw, err := EncodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(logEntryWire{
		ID: e.ID, ClientID: e.ClientID, Date: e.Date, Timestamp: e.Timestamp,
		Kind: e.Kind, Status: e.Status, Payload: raw, Finalized: e.Finalized,
		Reason: e.Reason, RecordedAt: e.RecordedAt,
	})
}

func (e *LogEntry) UnmarshalJSON(b []byte) error {
	var w logEntryWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	*e = LogEntry{
		ID: w.ID, ClientID: w.ClientID, Date: w.Date, Timestamp: w.Timestamp,
		Kind: w.Kind, Status: w.Status, Payload: p, Finalized: w.Finalized,
		Reason: w.Reason, RecordedAt: w.RecordedAt,
	}
	return nil
}

// Payload is the closed set of per-kind submission bodies.
type Payload interface {
	PayloadKind() Kind
}

type FuelPayload struct {
	MealID string `json:"meal_id"`
}

type TrainingSet struct {
	Exercise string  `json:"exercise"`
	WeightKg float64 `json:"weight_kg"`
	Reps     int     `json:"reps"`
}

type TrainingPayload struct {
	BlockID  string        `json:"block_id"`
	DayIndex int           `json:"day_index"`
	Sets     []TrainingSet `json:"sets"`
}

// TopWeight returns the heaviest logged weight for exercise, and whether
// the exercise appears at all.
func (p TrainingPayload) TopWeight(exercise string) (float64, bool) {
	var top float64
	found := false
	for _, s := range p.Sets {
		if s.Exercise != exercise {
			continue
		}
		if !found || s.WeightKg > top {
			top = s.WeightKg
		}
		found = true
	}
	return top, found
}

type CardioPayload struct {
	AssignedMinutes int `json:"assigned_minutes"`
	ActualMinutes   int `json:"actual_minutes"`
}

type CheckinPayload struct {
	WeightKg float64   `json:"weight_kg"`
	Mood     Mood      `json:"mood"`
	Soreness Level     `json:"soreness"`
	Sleep    SleepTier `json:"sleep"`
	Stress   Level     `json:"stress"`
	Notes    string    `json:"notes,omitempty"`
}

func (FuelPayload) PayloadKind() Kind     { return KindFuel }
func (TrainingPayload) PayloadKind() Kind { return KindTraining }
func (CardioPayload) PayloadKind() Kind   { return KindCardio }
func (CheckinPayload) PayloadKind() Kind  { return KindCheckin }

// EncodePayload serializes a payload; a nil payload encodes as JSON null.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(p)
}

// DecodePayload strictly decodes raw into the payload type of kind.
// JSON null and empty input decode to a nil payload.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	switch kind {
	case KindFuel:
		var p FuelPayload
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindTraining:
		var p TrainingPayload
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindCardio:
		var p CardioPayload
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindCheckin:
		var p CheckinPayload
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown assignment kind %q", kind)
	}
}

// Mood is the check-in mood tier.
type Mood string

const (
	MoodGreat Mood = "great"
	MoodOkay  Mood = "okay"
	MoodBad   Mood = "bad"
)

func (m *Mood) UnmarshalText(b []byte) error {
	switch v := Mood(b); v {
	case MoodGreat, MoodOkay, MoodBad:
		*m = v
		return nil
	}
	return fmt.Errorf("mood must be one of great, okay, bad; got %q", string(b))
}

// Level is the low/medium/high scale used for soreness and stress.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

func (l *Level) UnmarshalText(b []byte) error {
	switch v := Level(b); v {
	case LevelLow, LevelMedium, LevelHigh:
		*l = v
		return nil
	}
	return fmt.Errorf("level must be one of low, medium, high; got %q", string(b))
}

// SleepTier buckets reported sleep.
type SleepTier string

const (
	Sleep4h SleepTier = "4h"
	Sleep6h SleepTier = "6h"
	Sleep8h SleepTier = "8h"
)

func (s *SleepTier) UnmarshalText(b []byte) error {
	switch v := SleepTier(b); v {
	case Sleep4h, Sleep6h, Sleep8h:
		*s = v
		return nil
	}
	return fmt.Errorf("sleep must be one of 4h, 6h, 8h; got %q", string(b))
}
