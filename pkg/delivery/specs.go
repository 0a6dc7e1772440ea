package delivery

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

const (
	MaxMealIDLen  = 64
	MaxNotesLen   = 250
	MaxWeightKg   = 1000.0
	MaxReps       = 100
	MinBodyWeight = 30.0
	MaxBodyWeight = 500.0
)

func completed[P any](P) contracts.Status { return contracts.StatusCompleted }

// FuelSpec is the meal protocol: binary, refeed-aware.
func FuelSpec() Spec[contracts.FuelPayload] {
	return Spec[contracts.FuelPayload]{
		Kind: contracts.KindFuel,
		Schema: `{
			"type": "object",
			"additionalProperties": false,
			"required": ["meal_id"],
			"properties": {
				"meal_id": {"type": "string", "minLength": 1, "maxLength": 64}
			}
		}`,
		Validate: func(p contracts.FuelPayload, _ contracts.ClientProfile) (contracts.FuelPayload, error) {
			p.MealID = strings.TrimSpace(p.MealID)
			if p.MealID == "" || utf8.RuneCountInString(p.MealID) > MaxMealIDLen {
				return p, &contracts.ValidationError{Field: "meal_id", Reason: fmt.Sprintf("must be 1..%d characters", MaxMealIDLen)}
			}
			return p, nil
		},
		Derive: completed[contracts.FuelPayload],
		Render: func(in RenderInput) string {
			if in.Refeed {
				return fmt.Sprintf("Fuel %s: refeed day. Follow the refeed protocol and log your meal.", in.Date)
			}
			return fmt.Sprintf("Fuel %s: standard protocol. Log your meal.", in.Date)
		},
	}
}

// TrainingSpec is the block session: binary, applicable on training days.
func TrainingSpec() Spec[contracts.TrainingPayload] {
	return Spec[contracts.TrainingPayload]{
		Kind: contracts.KindTraining,
		Schema: `{
			"type": "object",
			"additionalProperties": false,
			"required": ["block_id", "day_index", "sets"],
			"properties": {
				"block_id": {"type": "string", "minLength": 1},
				"day_index": {"type": "integer", "minimum": 0},
				"sets": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"additionalProperties": false,
						"required": ["exercise", "weight_kg", "reps"],
						"properties": {
							"exercise": {"type": "string", "minLength": 1},
							"weight_kg": {"type": "number", "exclusiveMinimum": 0, "maximum": 1000},
							"reps": {"type": "integer", "exclusiveMinimum": 0, "maximum": 100}
						}
					}
				}
			}
		}`,
		Validate: func(p contracts.TrainingPayload, _ contracts.ClientProfile) (contracts.TrainingPayload, error) {
			if p.BlockID == "" {
				return p, &contracts.ValidationError{Field: "block_id", Reason: "required"}
			}
			if p.DayIndex < 0 {
				return p, &contracts.ValidationError{Field: "day_index", Reason: "must not be negative"}
			}
			if len(p.Sets) == 0 {
				return p, &contracts.ValidationError{Field: "sets", Reason: "at least one set is required"}
			}
			for i, s := range p.Sets {
				field := fmt.Sprintf("sets[%d]", i)
				switch {
				case strings.TrimSpace(s.Exercise) == "":
					return p, &contracts.ValidationError{Field: field + ".exercise", Reason: "required"}
				case s.WeightKg <= 0 || s.WeightKg > MaxWeightKg:
					return p, &contracts.ValidationError{Field: field + ".weight_kg", Reason: fmt.Sprintf("must be in (0, %g]", MaxWeightKg)}
				case s.Reps <= 0 || s.Reps > MaxReps:
					return p, &contracts.ValidationError{Field: field + ".reps", Reason: fmt.Sprintf("must be in (0, %d]", MaxReps)}
				}
			}
			return p, nil
		},
		Derive: completed[contracts.TrainingPayload],
		Render: func(in RenderInput) string {
			return fmt.Sprintf("Training %s: block day %d. Log every working set.", in.Date, in.DayIndex)
		},
	}
}

// CardioSpec is graded: completed when actual minutes reach the target.
func CardioSpec() Spec[contracts.CardioPayload] {
	return Spec[contracts.CardioPayload]{
		Kind: contracts.KindCardio,
		Schema: `{
			"type": "object",
			"additionalProperties": false,
			"required": ["actual_minutes"],
			"properties": {
				"actual_minutes": {"type": "integer", "minimum": 0, "maximum": 300},
				"assigned_minutes": {"type": "integer", "minimum": 0, "maximum": 300}
			}
		}`,
		Validate: func(p contracts.CardioPayload, client contracts.ClientProfile) (contracts.CardioPayload, error) {
			if p.ActualMinutes < 0 || p.ActualMinutes > contracts.MaxTargetMinutes {
				return p, &contracts.ValidationError{Field: "actual_minutes", Reason: fmt.Sprintf("must be in 0..%d", contracts.MaxTargetMinutes)}
			}
			// the target is the profile's, never the client's claim
			p.AssignedMinutes = client.Target(contracts.KindCardio)
			return p, nil
		},
		Derive: func(p contracts.CardioPayload) contracts.Status {
			if p.ActualMinutes >= p.AssignedMinutes {
				return contracts.StatusCompleted
			}
			return contracts.StatusUnderperformed
		},
		Render: func(in RenderInput) string {
			return fmt.Sprintf("Cardio %s: %d minutes. Reply with the minutes you completed.", in.Date, in.Target)
		},
	}
}

// CheckinSpec is the morning wellness check: binary, strict enums.
func CheckinSpec() Spec[contracts.CheckinPayload] {
	return Spec[contracts.CheckinPayload]{
		Kind: contracts.KindCheckin,
		Schema: `{
			"type": "object",
			"additionalProperties": false,
			"required": ["weight_kg", "mood", "soreness", "sleep", "stress"],
			"properties": {
				"weight_kg": {"type": "number", "minimum": 30, "maximum": 500},
				"mood": {"enum": ["great", "okay", "bad"]},
				"soreness": {"enum": ["low", "medium", "high"]},
				"sleep": {"enum": ["4h", "6h", "8h"]},
				"stress": {"enum": ["low", "medium", "high"]},
				"notes": {"type": "string"}
			}
		}`,
		Validate: func(p contracts.CheckinPayload, _ contracts.ClientProfile) (contracts.CheckinPayload, error) {
			if p.WeightKg < MinBodyWeight || p.WeightKg > MaxBodyWeight {
				return p, &contracts.ValidationError{Field: "weight_kg", Reason: fmt.Sprintf("must be in %g..%g", MinBodyWeight, MaxBodyWeight)}
			}
			p.Notes = norm.NFC.String(strings.TrimSpace(p.Notes))
			if n := utf8.RuneCountInString(p.Notes); n > MaxNotesLen {
				return p, &contracts.ValidationError{Field: "notes", Reason: fmt.Sprintf("%d characters, limit is %d", n, MaxNotesLen)}
			}
			return p, nil
		},
		Derive: completed[contracts.CheckinPayload],
		Render: func(in RenderInput) string {
			return fmt.Sprintf("Check-in %s: weight, mood, soreness, sleep and stress before noon.", in.Date)
		},
	}
}
