package aggregate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EdwinShiels/TheRegiment/pkg/alert"
	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
	"github.com/EdwinShiels/TheRegiment/pkg/retry"
	"github.com/EdwinShiels/TheRegiment/pkg/store"
	"github.com/EdwinShiels/TheRegiment/pkg/store/ledger"
)

type memoryArchive struct {
	mu      sync.Mutex
	records []contracts.WeeklyFlagRecord
}

func (a *memoryArchive) Archive(_ context.Context, r contracts.WeeklyFlagRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
	return nil
}

// failingEscalations refuses every escalation write.
type failingEscalations struct {
	*store.MemoryStore
}

func (failingEscalations) PutEscalation(context.Context, contracts.EscalationState) error {
	return &contracts.PersistenceError{Op: "put escalation", Err: errors.New("read-only replica")}
}

// lockstepEscalations holds the first n escalation reads until all n have
// happened, so concurrent passes read the same version.
type lockstepEscalations struct {
	*store.MemoryStore
	reads   atomic.Int32
	n       int32
	arrived sync.WaitGroup
}

func newLockstep(st *store.MemoryStore, n int) *lockstepEscalations {
	l := &lockstepEscalations{MemoryStore: st, n: int32(n)}
	l.arrived.Add(n)
	return l
}

func (l *lockstepEscalations) GetEscalation(ctx context.Context, clientID string) (contracts.EscalationState, error) {
	s, err := l.MemoryStore.GetEscalation(ctx, clientID)
	if l.reads.Add(1) <= l.n {
		l.arrived.Done()
		l.arrived.Wait()
	}
	return s, err
}

type fixture struct {
	now     time.Time
	store   *store.MemoryStore
	ledger  *ledger.MemoryLedger
	alerts  *alert.MemorySink
	archive *memoryArchive
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:     time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
		alerts:  alert.NewMemorySink(),
		archive: &memoryArchive{},
	}
	clock := func() time.Time { return f.now }
	f.store = store.NewMemoryStore().WithClock(clock)
	f.ledger = ledger.NewMemoryLedger().WithClock(clock)
	f.engine = NewEngine(f.store, f.ledger, f.alerts, Options{
		Archiver:    f.archive,
		Concurrency: 4,
		Clock:       clock,
		WritePolicy: retry.Policy{BaseMs: 1, MaxAttempts: 3},
	})
	require.NoError(t, f.store.PutClient(context.Background(), cutClient()))
	return f
}

func (f *fixture) seed(t *testing.T, entries ...contracts.LogEntry) {
	t.Helper()
	for _, e := range entries {
		_, err := f.store.Finalize(context.Background(), e)
		require.NoError(t, err)
	}
}

func codes(alerts []alert.Alert) []string {
	var out []string
	for _, a := range alerts {
		out = append(out, a.Code)
	}
	return out
}

func TestScan_PrivateWarningOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t,
		missed(contracts.KindFuel, "2026-03-02"),
		missed(contracts.KindFuel, "2026-03-03"),
		missed(contracts.KindFuel, "2026-03-04"),
	)

	report, err := f.engine.Scan(ctx, f.now)
	require.NoError(t, err)
	require.Len(t, report.Events, 1)
	assert.Equal(t, EventPrivateWarning, report.Events[0].Kind)

	f.now = f.now.Add(24 * time.Hour)
	f.seed(t, missed(contracts.KindFuel, "2026-03-05"))
	report, err = f.engine.Scan(ctx, f.now)
	require.NoError(t, err)
	assert.Empty(t, report.Events)

	state, err := f.store.GetEscalation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 4, state.StreakCount)
	assert.Equal(t, 1, state.PrivateWarningsSent)
	assert.Equal(t, []string{alert.CodePrivateWarning}, codes(f.alerts.Alerts(alert.ClassCoach)))
	assert.Empty(t, f.alerts.Alerts(alert.ClassOperational))
}

func TestScan_SnapshotExcludesLaterEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t,
		missed(contracts.KindFuel, "2026-03-02"),
		missed(contracts.KindFuel, "2026-03-03"),
	)
	asOf := f.now

	f.now = asOf.Add(time.Minute)
	f.seed(t, missed(contracts.KindFuel, "2026-03-04"))

	report, err := f.engine.Scan(ctx, asOf)
	require.NoError(t, err)
	assert.Empty(t, report.Events)

	report, err = f.engine.Scan(ctx, f.now)
	require.NoError(t, err)
	require.Len(t, report.Events, 1)
}

func TestScan_NonRespondingAlertOncePerDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t,
		missed(contracts.KindCheckin, "2026-03-02"),
		missed(contracts.KindCheckin, "2026-03-03"),
	)

	for i := 0; i < 3; i++ {
		_, err := f.engine.Scan(ctx, f.now.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{alert.CodeNonResponding}, codes(f.alerts.Alerts(alert.ClassCoach)))

	rec, err := f.ledger.Get(ctx, contracts.TaskKey{ClientID: "c1", Task: contracts.TaskNonResponding, Date: contracts.MustDate("2026-03-04")})
	require.NoError(t, err)
	assert.Equal(t, contracts.DispatchSent, rec.State)

	f.now = f.now.Add(24 * time.Hour)
	report, err := f.engine.Scan(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, report.NonResponding)
	assert.Len(t, f.alerts.Alerts(alert.ClassCoach), 2)
}

func TestScan_SkipsPausedAndInactiveClients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paused := cutClient()
	paused.ID = "c2"
	paused.Paused = true
	future := cutClient()
	future.ID = "c3"
	future.StartDate = contracts.MustDate("2026-04-01")
	require.NoError(t, f.store.PutClient(ctx, paused))
	require.NoError(t, f.store.PutClient(ctx, future))

	for _, id := range []string{"c2", "c3"} {
		for _, d := range []string{"2026-03-02", "2026-03-03", "2026-03-04"} {
			e := missed(contracts.KindCheckin, d)
			e.ClientID = id
			f.seed(t, e)
		}
	}

	report, err := f.engine.Scan(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Clients)
	assert.Equal(t, 2, report.Skipped)
	assert.Empty(t, f.alerts.Alerts(""))

	all, err := f.ledger.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestScan_EscalationWriteFailureRaisesOperationalAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t,
		missed(contracts.KindFuel, "2026-03-02"),
		missed(contracts.KindFuel, "2026-03-03"),
		missed(contracts.KindFuel, "2026-03-04"),
	)
	eng := NewEngine(failingEscalations{f.store}, f.ledger, f.alerts, Options{
		Clock:       func() time.Time { return f.now },
		WritePolicy: retry.Policy{BaseMs: 1, MaxAttempts: 2},
	})

	report, err := eng.Scan(ctx, f.now)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "c1", report.Errors[0].ClientID)
	assert.Equal(t, []string{alert.CodeStoreWrite}, codes(f.alerts.Alerts(alert.ClassOperational)))
	assert.Empty(t, f.alerts.Alerts(alert.ClassCoach))
}

func TestWeekly_WritesOneCardPerWeek(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.now = time.Date(2026, 3, 8, 20, 0, 0, 0, time.UTC)
	f.seed(t,
		missed(contracts.KindFuel, "2026-03-03"),
		missed(contracts.KindFuel, "2026-03-04"),
	)

	report, err := f.engine.Weekly(ctx, f.now)
	require.NoError(t, err)
	require.Len(t, report.Records, 1)
	card := report.Records[0]
	assert.Equal(t, contracts.MustDate("2026-03-08"), card.WeekEnding)
	assert.Equal(t, []contracts.Flag{contracts.FlagSoftCompliance}, card.Flags)
	assert.Equal(t, contracts.ActionCallout, card.Action)
	assert.False(t, card.Resolved)

	report, err = f.engine.Weekly(ctx, f.now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, report.Records)

	cards, err := f.store.ListWeekly(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, card.ID, cards[0].ID)
	assert.Len(t, f.archive.records, 1)

	rec, err := f.ledger.Get(ctx, contracts.TaskKey{ClientID: "c1", Task: contracts.TaskWeeklyReview, Date: card.WeekEnding})
	require.NoError(t, err)
	assert.Equal(t, contracts.DispatchSent, rec.State)
}

func TestWeekly_ExistingCardMarksKeySent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.now = time.Date(2026, 3, 8, 20, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.PutWeekly(ctx, contracts.WeeklyFlagRecord{
		ID:         "earlier",
		ClientID:   "c1",
		WeekEnding: contracts.MustDate("2026-03-08"),
		Action:     contracts.ActionNone,
	}))

	report, err := f.engine.Weekly(ctx, f.now)
	require.NoError(t, err)
	assert.Empty(t, report.Records)
	assert.Empty(t, report.Errors)
	assert.Empty(t, f.archive.records)

	rec, err := f.ledger.Get(ctx, contracts.TaskKey{ClientID: "c1", Task: contracts.TaskWeeklyReview, Date: contracts.MustDate("2026-03-08")})
	require.NoError(t, err)
	assert.Equal(t, contracts.DispatchSent, rec.State)
}

func TestScan_OverlappingPassesWarnOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t,
		missed(contracts.KindFuel, "2026-03-02"),
		missed(contracts.KindFuel, "2026-03-03"),
		missed(contracts.KindFuel, "2026-03-04"),
	)
	clock := func() time.Time { return f.now }
	st := newLockstep(f.store, 2)
	eng := NewEngine(st, f.ledger, f.alerts, Options{
		Clock:       clock,
		WritePolicy: retry.Policy{BaseMs: 1, MaxAttempts: 3},
	})

	var wg sync.WaitGroup
	reports := make([]ScanReport, 2)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := eng.Scan(ctx, f.now)
			assert.NoError(t, err)
			reports[i] = r
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, len(reports[0].Events)+len(reports[1].Events))
	assert.Equal(t, []string{alert.CodePrivateWarning}, codes(f.alerts.Alerts(alert.ClassCoach)))
	state, err := f.store.GetEscalation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.PrivateWarningsSent)
	assert.True(t, state.WarningLatched)
	assert.Equal(t, int64(1), state.Version)
}

func TestScan_DoesNotUndoConcurrentReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t,
		missed(contracts.KindFuel, "2026-03-03"),
		missed(contracts.KindFuel, "2026-03-04"),
	)
	require.NoError(t, f.store.PutEscalation(ctx, contracts.EscalationState{ClientID: "c1", RefeedBlocked: true}))

	st := &resetOnRead{MemoryStore: f.store}
	eng := NewEngine(st, f.ledger, f.alerts, Options{
		Clock:       func() time.Time { return f.now },
		WritePolicy: retry.Policy{BaseMs: 1, MaxAttempts: 3},
	})
	_, err := eng.Scan(ctx, f.now)
	require.NoError(t, err)

	state, err := f.store.GetEscalation(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, state.RefeedBlocked, "the reset written after the read must survive")
	assert.Equal(t, 2, state.StreakCount)
}

// resetOnRead lets a coach reset land right after the first escalation read.
type resetOnRead struct {
	*store.MemoryStore
	once sync.Once
}

func (r *resetOnRead) GetEscalation(ctx context.Context, clientID string) (contracts.EscalationState, error) {
	s, err := r.MemoryStore.GetEscalation(ctx, clientID)
	r.once.Do(func() {
		err = r.MemoryStore.PutEscalation(ctx, contracts.EscalationState{ClientID: clientID, Version: s.Version})
	})
	return s, err
}
