// Package retry buffers transport sends and re-attempts failed ones with
// deterministic backoff. Every attempt is recorded against the dispatch
// ledger; exhaustion raises an operational alert.
package retry

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/EdwinShiels/TheRegiment/pkg/alert"
	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
	"github.com/EdwinShiels/TheRegiment/pkg/observability"
	"github.com/EdwinShiels/TheRegiment/pkg/store/ledger"
	"github.com/EdwinShiels/TheRegiment/pkg/transport"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("retry queue closed")

// Job is one pending send. Attempt counts the attempts already made, as
// recorded in the ledger.
type Job struct {
	Key     contracts.TaskKey
	Message transport.Message
	Attempt int
	DueAt   time.Time

	seq uint64
}

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].DueAt.Before(h[j].DueAt)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Options configures a Queue. Lease is added to the retry time when a
// failed attempt is recorded, so the scheduler does not reclaim a key the
// queue still owns.
type Options struct {
	Policy      Policy
	WritePolicy Policy
	SendTimeout time.Duration
	Lease       time.Duration
	Concurrency int
	Clock       func() time.Time
	Telemetry   *observability.Provider
}

// Queue holds jobs in due-time order. A job is in the heap at most once, so
// its attempts are sequential; distinct jobs run concurrently.
type Queue struct {
	mu      sync.Mutex
	jobs    jobHeap
	nextSeq uint64
	closed  bool
	wake    chan struct{}

	sender transport.Sender
	ledger ledger.Ledger
	alerts alert.Sink
	opts   Options
	logger *slog.Logger
}

func NewQueue(sender transport.Sender, l ledger.Ledger, alerts alert.Sink, opts Options) *Queue {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = DefaultSendPolicy()
	}
	if opts.WritePolicy.MaxAttempts == 0 {
		opts.WritePolicy = DefaultWritePolicy()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	q := &Queue{
		wake:   make(chan struct{}, 1),
		sender: sender,
		ledger: l,
		alerts: alerts,
		opts:   opts,
		logger: slog.Default().With("component", "retry"),
	}
	heap.Init(&q.jobs)
	return q
}

// Enqueue schedules a job. A zero DueAt means now.
func (q *Queue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if job.DueAt.IsZero() {
		job.DueAt = q.opts.Clock()
	}
	q.nextSeq++
	job.seq = q.nextSeq
	heap.Push(&q.jobs, &job)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting jobs. Queued jobs are dropped; their ledger leases
// expire and the next tick reclaims them.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Queue) popDue(now time.Time) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*Job
	for len(q.jobs) > 0 && !q.jobs[0].DueAt.After(now) {
		due = append(due, heap.Pop(&q.jobs).(*Job))
	}
	return due
}

// nextDue returns the earliest due time, if any.
func (q *Queue) nextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return time.Time{}, false
	}
	return q.jobs[0].DueAt, true
}

// ProcessDue runs every job due now and waits for them. It returns the
// number of attempts made.
func (q *Queue) ProcessDue(ctx context.Context) int {
	due := q.popDue(q.opts.Clock())
	if len(due) == 0 {
		return 0
	}
	var g errgroup.Group
	g.SetLimit(q.opts.Concurrency)
	for _, job := range due {
		g.Go(func() error {
			q.attempt(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

// Run processes jobs as they come due until ctx ends.
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.ProcessDue(ctx)

		wait := time.Hour
		if at, ok := q.nextDue(); ok {
			wait = at.Sub(q.opts.Clock())
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Drain processes jobs until the queue is empty or ctx ends. One-shot runs
// use it so retries finish before the process exits.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.ProcessDue(ctx)
		at, ok := q.nextDue()
		if !ok {
			return nil
		}
		if wait := at.Sub(q.opts.Clock()); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

func (q *Queue) attempt(ctx context.Context, job *Job) {
	attempt := job.Attempt + 1
	key := job.Key
	kind := string(job.Message.Kind)
	log := q.logger.With("key", key.String(), "attempt", attempt)

	sendCtx, cancel := context.WithTimeout(ctx, q.opts.SendTimeout)
	err := q.sender.Send(sendCtx, job.Message)
	cancel()
	q.opts.Telemetry.SendResult(ctx, kind, attempt, err)

	if err == nil {
		log.InfoContext(ctx, "sent")
		q.record(ctx, key, "mark sent", func(ctx context.Context) error {
			return q.ledger.MarkSent(ctx, key, attempt)
		})
		return
	}

	var te *contracts.TransportError
	if !errors.As(err, &te) {
		log.ErrorContext(ctx, "send failed with non-transport error, not retrying", "error", err)
		q.exhaust(ctx, job, attempt, err)
		return
	}

	if attempt >= q.opts.Policy.MaxAttempts {
		log.WarnContext(ctx, "send attempts exhausted", "error", err)
		q.exhaust(ctx, job, attempt, err)
		return
	}

	retryAt := q.opts.Clock().Add(ComputeBackoff(key.String(), attempt, q.opts.Policy))
	log.WarnContext(ctx, "send failed, retrying", "error", err, "retry_at", retryAt)
	ok := q.record(ctx, key, "mark failed", func(ctx context.Context) error {
		return q.ledger.MarkFailed(ctx, key, attempt, err.Error(), retryAt.Add(q.opts.Lease))
	})
	if !ok {
		return
	}

	next := *job
	next.Attempt = attempt
	next.DueAt = retryAt
	if qerr := q.Enqueue(ctx, next); qerr != nil {
		log.WarnContext(ctx, "retry dropped", "error", qerr)
	}
}

func (q *Queue) exhaust(ctx context.Context, job *Job, attempt int, cause error) {
	key := job.Key
	q.record(ctx, key, "mark exhausted", func(ctx context.Context) error {
		return q.ledger.MarkExhausted(ctx, key, attempt, cause.Error())
	})
	q.opts.Telemetry.Exhausted(ctx, string(job.Message.Kind))

	a := alert.New(alert.ClassOperational, alert.CodeSendExhausted, key.ClientID,
		fmt.Sprintf("send %s gave up after %d attempts", key, attempt), q.opts.Clock())
	a.Detail = map[string]string{"key": key.String(), "last_error": cause.Error()}
	q.raise(ctx, a)
}

// record runs a ledger write with the write policy. A lost CAS stops the
// job; a persistence failure that outlives its retries raises an alert.
// It reports whether the job may continue.
func (q *Queue) record(ctx context.Context, key contracts.TaskKey, op string, fn func(context.Context) error) bool {
	err := Do(ctx, q.opts.WritePolicy, key.String(), fn)
	if err == nil {
		return true
	}
	if errors.Is(err, contracts.ErrConflict) || errors.Is(err, contracts.ErrNotFound) {
		q.logger.WarnContext(ctx, "ledger transition rejected", "key", key.String(), "op", op, "error", err)
		return false
	}
	a := alert.New(alert.ClassOperational, alert.CodeLedgerWrite, key.ClientID,
		fmt.Sprintf("ledger %s failed for %s", op, key), q.opts.Clock())
	a.Detail = map[string]string{"key": key.String(), "error": err.Error()}
	q.raise(ctx, a)
	return true
}

func (q *Queue) raise(ctx context.Context, a alert.Alert) {
	q.opts.Telemetry.AlertRaised(ctx, string(a.Class), a.Code)
	if q.alerts == nil {
		return
	}
	if err := q.alerts.Raise(ctx, a); err != nil {
		q.logger.ErrorContext(ctx, "alert delivery failed", "code", a.Code, "error", err)
	}
}
