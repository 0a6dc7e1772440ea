// Package scheduler runs the clock tick: for every client it converts the
// tick instant to local time and decides, per assignment, whether to drop,
// run the deadline check, or skip with a recorded reason.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
	"github.com/EdwinShiels/TheRegiment/pkg/delivery"
	"github.com/EdwinShiels/TheRegiment/pkg/observability"
	"github.com/EdwinShiels/TheRegiment/pkg/store"
)

// Result is the recorded outcome of one decision.
type Result string

const (
	ResultPaused        Result = "paused"
	ResultPreActivation Result = "pre_activation"
	ResultNotApplicable Result = "not_applicable"
	ResultNotDue        Result = "not_due"
	ResultError         Result = "error"
)

// Skipped reports whether the result is an intentional no-op on the client.
func (r Result) Skipped() bool {
	switch r {
	case ResultPaused, ResultPreActivation, ResultNotApplicable:
		return true
	}
	return false
}

// Decision is one auditable step of a tick. Kind and Task are empty for
// decisions that cover the whole client.
type Decision struct {
	ClientID string         `json:"client_id"`
	Kind     contracts.Kind `json:"kind,omitempty"`
	Task     string         `json:"task,omitempty"`
	Date     contracts.Date `json:"date"`
	Result   Result         `json:"result"`
	Error    string         `json:"error,omitempty"`
}

// TickReport lists every decision taken by a tick.
type TickReport struct {
	At        time.Time  `json:"at"`
	Clients   int        `json:"clients"`
	Decisions []Decision `json:"decisions"`
}

// Count returns how many decisions had result r.
func (r TickReport) Count(res Result) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Result == res {
			n++
		}
	}
	return n
}

// Options configures a Dispatcher.
type Options struct {
	Concurrency int
	Clock       func() time.Time
	Telemetry   *observability.Provider
}

// Dispatcher evaluates clients concurrently. It holds no dispatch state of
// its own; the ledger claim inside each assignment is the only
// synchronization point, so overlapping ticks are safe.
type Dispatcher struct {
	clients     store.ClientStore
	assignments []delivery.Assignment
	opts        Options
	logger      *slog.Logger
}

func NewDispatcher(clients store.ClientStore, assignments []delivery.Assignment, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Dispatcher{
		clients:     clients,
		assignments: assignments,
		opts:        opts,
		logger:      slog.Default().With("component", "scheduler"),
	}
}

// Tick evaluates every client at now. Per-client failures are recorded in
// the report; only failing to list clients aborts the tick.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) (report TickReport, err error) {
	ctx, done := d.opts.Telemetry.TrackOperation(ctx, "scheduler.tick")
	defer func() { done(err) }()

	now = now.UTC()
	report.At = now

	clients, err := d.clients.ListClients(ctx)
	if err != nil {
		return report, fmt.Errorf("list clients: %w", err)
	}
	report.Clients = len(clients)

	var (
		mu        sync.Mutex
		decisions []Decision
	)
	record := func(dec Decision) {
		d.observe(ctx, dec)
		mu.Lock()
		decisions = append(decisions, dec)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for _, c := range clients {
		g.Go(func() error {
			d.evaluate(ctx, c, now, record)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(decisions, func(i, j int) bool {
		a, b := decisions[i], decisions[j]
		if a.ClientID != b.ClientID {
			return a.ClientID < b.ClientID
		}
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Task < b.Task
	})
	report.Decisions = decisions
	return report, ctx.Err()
}

func (d *Dispatcher) evaluate(ctx context.Context, c contracts.ClientProfile, now time.Time, record func(Decision)) {
	local := c.Offset.Local(now)
	today := contracts.DateOf(local)
	clock := contracts.ClockOf(local)

	if c.Paused {
		record(Decision{ClientID: c.ID, Date: today, Result: ResultPaused})
		return
	}
	if !c.Activated(today) {
		record(Decision{ClientID: c.ID, Date: today, Result: ResultPreActivation})
		return
	}

	yesterday := today.AddDays(-1)
	for _, a := range d.assignments {
		if ctx.Err() != nil {
			return
		}
		tmpl := a.Template()
		kind := a.Kind()

		if dec, ok := d.applicable(c, a, today); !ok {
			record(dec)
		} else {
			switch {
			case tmpl.InWindow(clock):
				out, err := a.Drop(ctx, c, today)
				record(outcome(c.ID, kind, string(kind), today, out, err))
			case tmpl.DeadlinePassed(clock):
				out, err := a.CheckDeadline(ctx, c, today)
				record(outcome(c.ID, kind, contracts.DeadlineTask(kind), today, out, err))
			default:
				record(Decision{ClientID: c.ID, Kind: kind, Task: string(kind), Date: today, Result: ResultNotDue})
			}
		}

		// a restart across local midnight must still close yesterday
		if !c.Activated(yesterday) {
			continue
		}
		if dec, ok := d.applicable(c, a, yesterday); !ok {
			if dec.Result == ResultError {
				record(dec)
			}
			continue
		}
		out, err := a.CheckDeadline(ctx, c, yesterday)
		record(outcome(c.ID, kind, contracts.DeadlineTask(kind), yesterday, out, err))
	}
}

func (d *Dispatcher) applicable(c contracts.ClientProfile, a delivery.Assignment, date contracts.Date) (Decision, bool) {
	dec := Decision{ClientID: c.ID, Kind: a.Kind(), Task: string(a.Kind()), Date: date}
	ok, err := a.Applicable(c, date)
	if err != nil {
		dec.Result = ResultError
		dec.Error = fmt.Sprintf("applicability predicate: %v", err)
		return dec, false
	}
	if !ok {
		dec.Result = ResultNotApplicable
		return dec, false
	}
	return dec, true
}

func outcome(clientID string, kind contracts.Kind, task string, date contracts.Date, out delivery.Outcome, err error) Decision {
	dec := Decision{ClientID: clientID, Kind: kind, Task: task, Date: date, Result: Result(out)}
	if err != nil {
		dec.Result = ResultError
		dec.Error = err.Error()
	}
	return dec
}

func (d *Dispatcher) observe(ctx context.Context, dec Decision) {
	attrs := []any{"client_id", dec.ClientID, "date", dec.Date, "result", dec.Result}
	if dec.Kind != "" {
		attrs = append(attrs, "kind", dec.Kind, "task", dec.Task)
	}
	switch {
	case dec.Result == ResultError:
		d.logger.ErrorContext(ctx, "tick decision failed", append(attrs, "error", dec.Error)...)
	case dec.Result.Skipped():
		d.opts.Telemetry.Skipped(ctx, string(dec.Result))
		d.logger.InfoContext(ctx, "skipped", attrs...)
	case dec.Result == Result(delivery.OutcomeDispatched) || dec.Result == Result(delivery.OutcomeMissed):
		d.logger.InfoContext(ctx, "tick decision", attrs...)
	default:
		d.logger.DebugContext(ctx, "tick decision", attrs...)
	}
}

// Run ticks every interval until ctx ends.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := d.Tick(ctx, d.opts.Clock())
		if err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "tick failed", "error", err)
		} else {
			d.logger.InfoContext(ctx, "tick complete",
				"clients", report.Clients,
				"dispatched", report.Count(Result(delivery.OutcomeDispatched)),
				"missed", report.Count(Result(delivery.OutcomeMissed)),
				"errors", report.Count(ResultError),
				"at", report.At.Format(time.RFC3339),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
