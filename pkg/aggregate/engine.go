package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/EdwinShiels/TheRegiment/pkg/alert"
	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
	"github.com/EdwinShiels/TheRegiment/pkg/observability"
	"github.com/EdwinShiels/TheRegiment/pkg/retry"
	"github.com/EdwinShiels/TheRegiment/pkg/store"
	"github.com/EdwinShiels/TheRegiment/pkg/store/ledger"
)

// Archiver keeps a copy of every job card outside the primary store.
type Archiver interface {
	Archive(ctx context.Context, r contracts.WeeklyFlagRecord) error
}

// Options configures an Engine.
type Options struct {
	Ladder      Ladder
	Archiver    Archiver
	Concurrency int
	Lease       time.Duration
	WritePolicy retry.Policy
	Clock       func() time.Time
	Telemetry   *observability.Provider
}

// Engine runs the aggregation passes over every client.
type Engine struct {
	store  store.Store
	ledger ledger.Ledger
	alerts alert.Sink
	opts   Options
	logger *slog.Logger
}

func NewEngine(st store.Store, led ledger.Ledger, alerts alert.Sink, opts Options) *Engine {
	if opts.Ladder == (Ladder{}) {
		opts.Ladder = DefaultLadder(false)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.WritePolicy.MaxAttempts == 0 {
		opts.WritePolicy = retry.DefaultWritePolicy()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:  st,
		ledger: led,
		alerts: alerts,
		opts:   opts,
		logger: slog.Default().With("component", "aggregate"),
	}
}

// ClientError is a per-client failure inside a pass.
type ClientError struct {
	ClientID string `json:"client_id"`
	Error    string `json:"error"`
}

// ScanReport summarizes a Scan pass.
type ScanReport struct {
	At             time.Time     `json:"at"`
	Clients        int           `json:"clients"`
	Skipped        int           `json:"skipped"`
	Events         []Event       `json:"events,omitempty"`
	NonResponding  []string      `json:"non_responding,omitempty"`
	EscalationsSet int           `json:"escalations_updated"`
	Errors         []ClientError `json:"errors,omitempty"`
}

// WeeklyReport summarizes a Weekly pass.
type WeeklyReport struct {
	At      time.Time                    `json:"at"`
	Clients int                          `json:"clients"`
	Skipped int                          `json:"skipped"`
	Records []contracts.WeeklyFlagRecord `json:"records,omitempty"`
	Errors  []ClientError                `json:"errors,omitempty"`
}

// snapshot reads a client's trailing entries as they stood at asOf.
func (e *Engine) snapshot(ctx context.Context, c contracts.ClientProfile, today contracts.Date, asOf time.Time) ([]contracts.LogEntry, error) {
	entries, err := e.store.ListFinal(ctx, c.ID, today.AddDays(-(LookbackDays-1)), today, asOf)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", c.ID, err)
	}
	return entries, nil
}

// eligible reports whether the client takes part in passes at local date today.
func eligible(c contracts.ClientProfile, today contracts.Date) bool {
	return !c.Paused && c.Activated(today)
}

// forEach fans fn out over every eligible client and collects failures.
func (e *Engine) forEach(ctx context.Context, now time.Time, fn func(ctx context.Context, c contracts.ClientProfile, today contracts.Date) error) (clients, skipped int, failures []ClientError, err error) {
	all, err := e.store.ListClients(ctx)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("list clients: %w", err)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for _, c := range all {
		today := c.Offset.LocalDate(now)
		if !eligible(c, today) {
			skipped++
			continue
		}
		clients++
		g.Go(func() error {
			if ferr := fn(ctx, c, today); ferr != nil {
				e.logger.ErrorContext(ctx, "aggregation failed for client", "client_id", c.ID, "error", ferr)
				mu.Lock()
				failures = append(failures, ClientError{ClientID: c.ID, Error: ferr.Error()})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(failures, func(i, j int) bool { return failures[i].ClientID < failures[j].ClientID })
	return clients, skipped, failures, ctx.Err()
}

// Scan moves every client along the escalation ladder and raises the
// immediate non-responding alert. Entries recorded after the pass started
// are not seen until the next pass.
func (e *Engine) Scan(ctx context.Context, now time.Time) (report ScanReport, err error) {
	ctx, done := e.opts.Telemetry.TrackOperation(ctx, "aggregate.scan")
	defer func() { done(err) }()

	asOf := now.UTC()
	report.At = asOf

	var mu sync.Mutex
	report.Clients, report.Skipped, report.Errors, err = e.forEach(ctx, asOf, func(ctx context.Context, c contracts.ClientProfile, today contracts.Date) error {
		entries, err := e.snapshot(ctx, c, today, asOf)
		if err != nil {
			return err
		}

		events, changed, err := e.escalate(ctx, c, entries, today, asOf)
		if err != nil {
			return err
		}
		alerted, err := e.nonResponding(ctx, c, entries, today)

		mu.Lock()
		report.Events = append(report.Events, events...)
		if changed {
			report.EscalationsSet++
		}
		if alerted {
			report.NonResponding = append(report.NonResponding, c.ID)
		}
		mu.Unlock()
		return err
	})
	sort.Slice(report.Events, func(i, j int) bool {
		if report.Events[i].ClientID != report.Events[j].ClientID {
			return report.Events[i].ClientID < report.Events[j].ClientID
		}
		return report.Events[i].Kind < report.Events[j].Kind
	})
	sort.Strings(report.NonResponding)
	return report, err
}

// maxEscalationWrites bounds re-reads when concurrent passes or a coach
// reset move the state between read and write.
const maxEscalationWrites = 5

func (e *Engine) escalate(ctx context.Context, c contracts.ClientProfile, entries []contracts.LogEntry, today contracts.Date, now time.Time) ([]Event, bool, error) {
	for i := 0; i < maxEscalationWrites; i++ {
		state, err := e.store.GetEscalation(ctx, c.ID)
		if err != nil {
			return nil, false, fmt.Errorf("load escalation: %w", err)
		}
		state.ClientID = c.ID

		next, events := e.opts.Ladder.Apply(state, entries, today, now)
		if next == state {
			return nil, false, nil
		}
		err = retry.Do(ctx, e.opts.WritePolicy, "escalation/"+c.ID, func(ctx context.Context) error {
			return e.store.PutEscalation(ctx, next)
		})
		if errors.Is(err, contracts.ErrConflict) {
			e.logger.DebugContext(ctx, "escalation state moved, re-reading", "client_id", c.ID, "version", state.Version)
			continue
		}
		if err != nil {
			e.raise(ctx, e.operational(alert.CodeStoreWrite, c.ID, "escalation state not saved", err))
			return nil, false, fmt.Errorf("save escalation: %w", err)
		}

		for _, ev := range events {
			e.raise(ctx, e.coachAlert(c, ev))
		}
		return events, true, nil
	}
	return nil, false, fmt.Errorf("save escalation for %s: %d conflicting writes: %w", c.ID, maxEscalationWrites, contracts.ErrConflict)
}

func (e *Engine) coachAlert(c contracts.ClientProfile, ev Event) alert.Alert {
	var code, msg string
	switch ev.Kind {
	case EventPrivateWarning:
		code = alert.CodePrivateWarning
		msg = fmt.Sprintf("%s: %d infractions in %d days, private warning due", c.ID, ev.Count, ev.Window)
	case EventRefeedBlocked:
		code = alert.CodeRefeedBlocked
		msg = fmt.Sprintf("%s: %d infractions in %d days, refeeds blocked", c.ID, ev.Count, ev.Window)
	default:
		code = alert.CodePublicCallout
		msg = fmt.Sprintf("%s: %d infractions in %d days, public callout triggered", c.ID, ev.Count, ev.Window)
	}
	a := alert.New(alert.ClassCoach, code, c.ID, msg, e.opts.Clock())
	a.Detail = map[string]string{
		"count":       fmt.Sprint(ev.Count),
		"window_days": fmt.Sprint(ev.Window),
	}
	return a
}

// nonResponding raises the coach alert at most once per client and local day.
func (e *Engine) nonResponding(ctx context.Context, c contracts.ClientProfile, entries []contracts.LogEntry, today contracts.Date) (bool, error) {
	res := Evaluate(Input{Client: c, Entries: entries, WeekEnding: today})
	var match *Match
	for i := range res.Matches {
		if res.Matches[i].Flag == contracts.FlagNonResponding {
			match = &res.Matches[i]
		}
	}
	if match == nil {
		return false, nil
	}

	key := contracts.TaskKey{ClientID: c.ID, Task: contracts.TaskNonResponding, Date: today}
	ok, err := e.claim(ctx, key)
	if !ok || err != nil {
		return false, err
	}

	a := alert.New(alert.ClassCoach, alert.CodeNonResponding, c.ID,
		fmt.Sprintf("%s is not responding: %s", c.ID, match.Detail), e.opts.Clock())
	a.Detail = map[string]string{"date": today.String()}
	e.raise(ctx, a)
	e.opts.Telemetry.FlagRaised(ctx, string(contracts.FlagNonResponding))
	e.markSent(ctx, key)
	return true, nil
}

// Weekly writes one job card per eligible client for the week ending on
// the client's local date at now. Re-running for the same week is a no-op.
func (e *Engine) Weekly(ctx context.Context, now time.Time) (report WeeklyReport, err error) {
	ctx, done := e.opts.Telemetry.TrackOperation(ctx, "aggregate.weekly")
	defer func() { done(err) }()

	asOf := now.UTC()
	report.At = asOf

	var mu sync.Mutex
	report.Clients, report.Skipped, report.Errors, err = e.forEach(ctx, asOf, func(ctx context.Context, c contracts.ClientProfile, today contracts.Date) error {
		rec, ok, err := e.review(ctx, c, today, asOf)
		if err != nil || !ok {
			return err
		}
		mu.Lock()
		report.Records = append(report.Records, rec)
		mu.Unlock()
		return nil
	})
	sort.Slice(report.Records, func(i, j int) bool { return report.Records[i].ClientID < report.Records[j].ClientID })
	return report, err
}

func (e *Engine) review(ctx context.Context, c contracts.ClientProfile, weekEnding contracts.Date, asOf time.Time) (contracts.WeeklyFlagRecord, bool, error) {
	key := contracts.TaskKey{ClientID: c.ID, Task: contracts.TaskWeeklyReview, Date: weekEnding}
	ok, err := e.claim(ctx, key)
	if !ok || err != nil {
		return contracts.WeeklyFlagRecord{}, false, err
	}

	entries, err := e.snapshot(ctx, c, weekEnding, asOf)
	if err != nil {
		e.release(ctx, key)
		return contracts.WeeklyFlagRecord{}, false, err
	}
	res := Evaluate(Input{Client: c, Entries: entries, WeekEnding: weekEnding})
	rec := contracts.WeeklyFlagRecord{
		ID:         uuid.New().String(),
		ClientID:   c.ID,
		WeekEnding: weekEnding,
		Timestamp:  asOf,
		Flags:      res.Flags,
		Summary:    res.Summary,
		Action:     res.Action,
	}

	err = retry.Do(ctx, e.opts.WritePolicy, key.String(), func(ctx context.Context) error {
		return e.store.PutWeekly(ctx, rec)
	})
	switch {
	case errors.Is(err, contracts.ErrConflict):
		// written by an earlier pass that lost its ledger update
		e.logger.InfoContext(ctx, "job card already exists", "client_id", c.ID, "week_ending", weekEnding.String())
		e.markSent(ctx, key)
		return contracts.WeeklyFlagRecord{}, false, nil
	case err != nil:
		e.release(ctx, key)
		e.raise(ctx, e.operational(alert.CodeStoreWrite, c.ID, fmt.Sprintf("job card for week ending %s not saved", weekEnding), err))
		return contracts.WeeklyFlagRecord{}, false, fmt.Errorf("save job card: %w", err)
	}

	for _, f := range rec.Flags {
		e.opts.Telemetry.FlagRaised(ctx, string(f))
	}
	if e.opts.Archiver != nil {
		if aerr := e.opts.Archiver.Archive(ctx, rec); aerr != nil {
			e.logger.WarnContext(ctx, "job card not archived", "id", rec.ID, "error", aerr)
		}
	}
	e.markSent(ctx, key)
	e.logger.InfoContext(ctx, "job card written",
		"client_id", c.ID,
		"week_ending", weekEnding.String(),
		"flags", rec.Flags,
		"action", rec.Action,
	)
	return rec, true, nil
}

// claim reports whether the pass owns key. Terminal or leased keys are
// not an error.
func (e *Engine) claim(ctx context.Context, key contracts.TaskKey) (bool, error) {
	err := retry.Do(ctx, e.opts.WritePolicy, key.String(), func(ctx context.Context) error {
		_, cerr := e.ledger.Claim(ctx, key, e.opts.Lease)
		return cerr
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, contracts.ErrConflict), errors.Is(err, contracts.ErrLeaseHeld):
		return false, nil
	}
	e.raise(ctx, e.operational(alert.CodeLedgerWrite, key.ClientID, fmt.Sprintf("ledger claim for %s failed", key), err))
	return false, fmt.Errorf("claim %s: %w", key, err)
}

func (e *Engine) markSent(ctx context.Context, key contracts.TaskKey) {
	err := retry.Do(ctx, e.opts.WritePolicy, key.String(), func(ctx context.Context) error {
		return e.ledger.MarkSent(ctx, key, 1)
	})
	if err != nil {
		e.logger.WarnContext(ctx, "ledger key not marked sent", "key", key.String(), "error", err)
	}
}

func (e *Engine) release(ctx context.Context, key contracts.TaskKey) {
	if err := e.ledger.Release(ctx, key); err != nil {
		e.logger.WarnContext(ctx, "ledger release failed", "key", key.String(), "error", err)
	}
}

func (e *Engine) operational(code, clientID, msg string, cause error) alert.Alert {
	a := alert.New(alert.ClassOperational, code, clientID, msg, e.opts.Clock())
	a.Detail = map[string]string{"error": cause.Error()}
	return a
}

func (e *Engine) raise(ctx context.Context, a alert.Alert) {
	e.opts.Telemetry.AlertRaised(ctx, string(a.Class), a.Code)
	if e.alerts == nil {
		e.logger.WarnContext(ctx, a.Message, "class", a.Class, "code", a.Code, "client_id", a.ClientID)
		return
	}
	if err := e.alerts.Raise(ctx, a); err != nil {
		e.logger.ErrorContext(ctx, "alert delivery failed", "code", a.Code, "error", err)
	}
}

// Run performs a Scan every interval and the Weekly pass whenever next
// reports the boundary has been crossed.
func (e *Engine) Run(ctx context.Context, interval time.Duration, next func(time.Time) time.Time) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	weeklyAt := next(e.opts.Clock())
	for {
		now := e.opts.Clock()
		if report, err := e.Scan(ctx, now); err != nil && ctx.Err() == nil {
			e.logger.ErrorContext(ctx, "scan failed", "error", err)
		} else if len(report.Events) > 0 || len(report.NonResponding) > 0 {
			e.logger.InfoContext(ctx, "scan complete", "events", len(report.Events), "non_responding", len(report.NonResponding))
		}
		if !now.Before(weeklyAt) {
			if report, err := e.Weekly(ctx, now); err != nil && ctx.Err() == nil {
				e.logger.ErrorContext(ctx, "weekly pass failed", "error", err)
			} else {
				e.logger.InfoContext(ctx, "weekly pass complete", "records", len(report.Records), "errors", len(report.Errors))
			}
			weeklyAt = next(now)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
