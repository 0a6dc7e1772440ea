// Package aggregate turns finalized compliance logs into weekly job cards
// and moves clients along the escalation ladder. Evaluate and Ladder.Apply
// are pure; Engine wires them to the store, the ledger and the alert sinks.
package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// LookbackDays is how much history a pass reads per client.
const LookbackDays = 28

// Input is one client's snapshot for a rule pass.
type Input struct {
	Client     contracts.ClientProfile
	Entries    []contracts.LogEntry
	WeekEnding contracts.Date
}

// Match is one rule that fired.
type Match struct {
	Flag     contracts.Flag
	Severity int
	Action   contracts.Action
	Detail   string
}

// Result is the outcome of Evaluate.
type Result struct {
	Flags   []contracts.Flag
	Action  contracts.Action
	Summary string
	Matches []Match
}

type rule struct {
	flag     contracts.Flag
	severity int
	action   contracts.Action
	eval     func(w window) (string, bool)
}

// rules are evaluated in declaration order; the order breaks severity ties.
var rules = []rule{
	{contracts.FlagSoftCompliance, 1, contracts.ActionCallout, softCompliance},
	{contracts.FlagActivityInconsistency, 2, contracts.ActionReassign, activityInconsistency},
	{contracts.FlagNonResponding, 4, contracts.ActionEscalate, nonResponding},
	{contracts.FlagGritViolation, 3, contracts.ActionCallout, gritViolation},
	{contracts.FlagStalledProgress, 2, contracts.ActionReassign, stalledProgress},
	{contracts.FlagWeightStall, 2, contracts.ActionReassign, weightStall},
}

// window is the entries of one pass split by local date.
type window struct {
	client  contracts.ClientProfile
	end     contracts.Date
	all     []contracts.LogEntry // lookback, well-formed only
	week    []contracts.LogEntry // end-6 .. end, well-formed only
	corrupt []contracts.LogEntry
}

func newWindow(in Input) window {
	w := window{client: in.Client, end: in.WeekEnding}
	start := in.WeekEnding.AddDays(-6)
	for _, e := range in.Entries {
		if !e.Finalized || e.Date.After(in.WeekEnding) {
			continue
		}
		if e.Malformed {
			w.corrupt = append(w.corrupt, e)
			continue
		}
		w.all = append(w.all, e)
		if !e.Date.Before(start) {
			w.week = append(w.week, e)
		}
	}
	sort.SliceStable(w.all, func(i, j int) bool { return w.all[i].Date.Before(w.all[j].Date) })
	sort.SliceStable(w.week, func(i, j int) bool { return w.week[i].Date.Before(w.week[j].Date) })
	return w
}

func (w window) missedDates(k contracts.Kind) []contracts.Date {
	var out []contracts.Date
	for _, e := range w.week {
		if e.Kind == k && e.Status == contracts.StatusMissed {
			out = append(out, e.Date)
		}
	}
	return out
}

// Evaluate applies the ranked rules to one client's snapshot.
func Evaluate(in Input) Result {
	w := newWindow(in)

	var matches []Match
	for _, r := range rules {
		if detail, ok := r.eval(w); ok {
			matches = append(matches, Match{Flag: r.flag, Severity: r.severity, Action: r.action, Detail: detail})
		}
	}
	if len(matches) == 0 && len(w.corrupt) == 0 && len(w.week) > 0 && allCompleted(w.week) {
		matches = append(matches, Match{
			Flag:   contracts.FlagFullCompliance,
			Action: contracts.ActionNone,
			Detail: fmt.Sprintf("%d of %d entries completed", len(w.week), len(w.week)),
		})
	}
	if len(w.corrupt) > 0 {
		matches = append(matches, Match{
			Flag:   contracts.FlagParseError,
			Action: contracts.ActionNone,
			Detail: fmt.Sprintf("%d entries could not be decoded", len(w.corrupt)),
		})
	}

	res := Result{Action: contracts.ActionNone, Matches: matches}
	best := -1
	for _, m := range matches {
		res.Flags = append(res.Flags, m.Flag)
		if m.Severity > best {
			best = m.Severity
			res.Action = m.Action
		}
	}
	res.Summary = summarize(in.Client.ID, in.WeekEnding, matches)
	return res
}

func allCompleted(entries []contracts.LogEntry) bool {
	for _, e := range entries {
		if e.Status != contracts.StatusCompleted {
			return false
		}
	}
	return true
}

func softCompliance(w window) (string, bool) {
	for _, k := range contracts.Kinds() {
		if k.Graded() {
			continue
		}
		dates := w.missedDates(k)
		for i := 1; i < len(dates); i++ {
			if dates[i].DaysSince(dates[i-1]) <= 1 {
				return fmt.Sprintf("%s missed on %s and %s", k, dates[i-1], dates[i]), true
			}
		}
	}
	return "", false
}

func activityInconsistency(w window) (string, bool) {
	for _, k := range []contracts.Kind{contracts.KindTraining, contracts.KindCardio} {
		if n := len(w.missedDates(k)); n >= 2 {
			return fmt.Sprintf("%d %s sessions missed in 7 days", n, k), true
		}
	}
	return "", false
}

func nonResponding(w window) (string, bool) {
	if n := len(w.missedDates(contracts.KindCheckin)); n >= 2 {
		return fmt.Sprintf("%d check-ins missed in 7 days", n), true
	}
	return "", false
}

func gritViolation(w window) (string, bool) {
	n := 0
	for _, e := range w.week {
		if e.Kind == contracts.KindCardio && e.Status.Infraction() {
			n++
		}
	}
	if n >= 3 {
		return fmt.Sprintf("%d cardio sessions short or missed in 7 days", n), true
	}
	return "", false
}

func stalledProgress(w window) (string, bool) {
	history := map[string][]float64{}
	var exercises []string
	for _, e := range w.all {
		if e.Kind != contracts.KindTraining || e.Status != contracts.StatusCompleted {
			continue
		}
		p, ok := e.Payload.(contracts.TrainingPayload)
		if !ok {
			continue
		}
		seen := map[string]bool{}
		for _, s := range p.Sets {
			if seen[s.Exercise] {
				continue
			}
			seen[s.Exercise] = true
			top, _ := p.TopWeight(s.Exercise)
			if _, known := history[s.Exercise]; !known {
				exercises = append(exercises, s.Exercise)
			}
			history[s.Exercise] = append(history[s.Exercise], top)
		}
	}
	for _, ex := range exercises {
		tops := history[ex]
		if len(tops) < 3 {
			continue
		}
		last := tops[len(tops)-3:]
		if last[0] == last[1] && last[1] == last[2] {
			return fmt.Sprintf("%s top set stuck at %gkg for 3 sessions", ex, last[0]), true
		}
	}
	return "", false
}

func weightStall(w window) (string, bool) {
	if w.client.Goal != contracts.GoalCut || len(w.week) == 0 || !allCompleted(w.week) {
		return "", false
	}
	thisStart := w.end.AddDays(-6)
	prevStart := w.end.AddDays(-13)
	var this, prev []float64
	for _, e := range w.all {
		p, ok := e.Payload.(contracts.CheckinPayload)
		if !ok || e.Kind != contracts.KindCheckin {
			continue
		}
		switch {
		case !e.Date.Before(thisStart):
			this = append(this, p.WeightKg)
		case !e.Date.Before(prevStart):
			prev = append(prev, p.WeightKg)
		}
	}
	if len(this) == 0 || len(prev) == 0 {
		return "", false
	}
	cur, before := mean(this), mean(prev)
	if cur >= before {
		return fmt.Sprintf("weight %.1fkg vs %.1fkg the week before at full compliance", cur, before), true
	}
	return "", false
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func summarize(clientID string, weekEnding contracts.Date, matches []Match) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Week ending %s for %s:", weekEnding, clientID)
	if len(matches) == 0 {
		b.WriteString(" no flags.")
	}
	for i, m := range matches {
		if i > 0 {
			b.WriteString(";")
		}
		fmt.Fprintf(&b, " %s (%s)", m.Flag, m.Detail)
	}
	return Truncate(norm.NFC.String(b.String()), contracts.MaxSummaryLen)
}

// Truncate cuts s to at most limit characters at the nearest preceding
// whitespace. A single word longer than limit is cut hard.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if unicode.IsSpace(runes[limit]) {
		return strings.TrimRightFunc(string(runes[:limit]), unicode.IsSpace)
	}
	cut := -1
	for i := limit - 1; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	if cut <= 0 {
		return string(runes[:limit])
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
}
