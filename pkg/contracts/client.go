// Package contracts defines the shared data model of the compliance
// dispatcher: client profiles, task templates, dispatch records, log
// entries, weekly job cards and escalation state.
package contracts

import (
	"fmt"
	"time"
)

// Kind identifies a daily assignment category.
type Kind string

const (
	KindFuel     Kind = "fuel"     // meal protocol
	KindTraining Kind = "training" // movement / strength session
	KindCardio   Kind = "cardio"   // cardio minutes against a target
	KindCheckin  Kind = "checkin"  // morning wellness check-in
)

// Kinds lists every assignment kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindFuel, KindTraining, KindCardio, KindCheckin}
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown assignment kind %q", s)
}

// Graded reports whether the kind has a numeric target.
func (k Kind) Graded() bool { return k == KindCardio }

// Goal is the client's body-composition goal.
type Goal string

const (
	GoalCut    Goal = "cut"
	GoalBulk   Goal = "bulk"
	GoalRecomp Goal = "recomp"
)

func (g Goal) Valid() bool {
	switch g {
	case GoalCut, GoalBulk, GoalRecomp:
		return true
	}
	return false
}

// ClientProfile is created at intake and afterwards only mutated by the
// coach-override surface. Paused is the deactivation mechanism.
type ClientProfile struct {
	ID             string       `json:"id"`
	Goal           Goal         `json:"goal"`
	Offset         Offset       `json:"timezone_offset"`
	Paused         bool         `json:"paused"`
	StartDate      Date         `json:"start_date"`
	CycleStartDate Date         `json:"cycle_start_date"`
	TrainingDays   []int        `json:"training_days,omitempty"`
	Targets        map[Kind]int `json:"targets,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// MaxTargetMinutes bounds numeric targets.
const MaxTargetMinutes = 300

// Validate checks the profile invariants enforced at intake.
func (c ClientProfile) Validate() error {
	if c.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if !c.Goal.Valid() {
		return &ValidationError{Field: "goal", Reason: fmt.Sprintf("unknown goal %q", c.Goal)}
	}
	if c.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Reason: "required"}
	}
	for _, d := range c.TrainingDays {
		if d < 0 || d > 6 {
			return &ValidationError{Field: "training_days", Reason: fmt.Sprintf("day index %d out of range", d)}
		}
	}
	for k, v := range c.Targets {
		if v < 0 || v > MaxTargetMinutes {
			return &ValidationError{Field: "targets." + string(k), Reason: fmt.Sprintf("%d outside 0..%d", v, MaxTargetMinutes)}
		}
	}
	return nil
}

// Target returns the assigned value for a graded kind.
func (c ClientProfile) Target(k Kind) int {
	return c.Targets[k]
}

// Activated reports whether the activation date has been reached on local date d.
func (c ClientProfile) Activated(d Date) bool {
	return !d.Before(c.StartDate)
}

// DayIndex is the position of d in the 7-day block cycle.
func (c ClientProfile) DayIndex(d Date) int {
	start := c.CycleStartDate
	if start.IsZero() {
		start = c.StartDate
	}
	idx := d.DaysSince(start) % 7
	if idx < 0 {
		idx += 7
	}
	return idx
}

// IsTrainingDay reports whether d falls on a scheduled training day.
func (c ClientProfile) IsTrainingDay(d Date) bool {
	idx := c.DayIndex(d)
	for _, td := range c.TrainingDays {
		if td == idx {
			return true
		}
	}
	return false
}

// ScheduledTaskTemplate is static configuration: when a kind drops, when
// its deadline falls, and on which days it applies.
type ScheduledTaskTemplate struct {
	Kind       Kind      `yaml:"kind" json:"kind"`
	Drop       ClockTime `yaml:"drop" json:"drop"`
	Deadline   ClockTime `yaml:"deadline" json:"deadline"`
	Applicable string    `yaml:"applicable,omitempty" json:"applicable,omitempty"` // CEL; empty means every day
	Refeed     string    `yaml:"refeed,omitempty" json:"refeed,omitempty"`         // CEL; fuel only, marks refeed days
}

// Validate checks the window is well formed within one local day.
func (t ScheduledTaskTemplate) Validate() error {
	if _, err := ParseKind(string(t.Kind)); err != nil {
		return err
	}
	if t.Deadline <= t.Drop {
		return fmt.Errorf("template %s: deadline %s must be after drop %s", t.Kind, t.Deadline, t.Drop)
	}
	return nil
}

// InWindow reports whether a local wall-clock time lies in [Drop, Deadline).
func (t ScheduledTaskTemplate) InWindow(c ClockTime) bool {
	return c >= t.Drop && c < t.Deadline
}

// DeadlinePassed reports whether the deadline has been reached.
func (t ScheduledTaskTemplate) DeadlinePassed(c ClockTime) bool {
	return c >= t.Deadline
}
