package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"optout_sync/internal/domain/optout"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() ReconcilerConfig {
	return ReconcilerConfig{
		WindowMinutes: 60,
		FetchTimeout:  time.Second,
		CallTimeout:   time.Second,
		Concurrency:   4,
	}
}

func newTestReconciler(t *testing.T, source optout.SourceReader, store optout.KeyValueStore, cfg ReconcilerConfig) (*Reconciler, *test.Hook) {
	t.Helper()
	entry, hook := newTestLogger()
	r, err := NewReconciler(source, store, cfg, entry, WithClock(fixedClock))
	require.NoError(t, err)
	return r, hook
}

func sourceRow(companyID, email string, age time.Duration) optout.SourceRecord {
	return optout.SourceRecord{CompanyID: companyID, Email: email, ModifiedAt: fixedNow.Add(-age)}
}

func TestRun_Scenario(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{sourceRow("42", "Foo@Bar.com", 5*time.Minute)}}
	store := newFakeStore()
	r, _ := newTestReconciler(t, source, store, testConfig())

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, store.puts, 1)
	put := store.puts[0].Entry
	assert.Equal(t, "Company-42", put.Key.PartitionKey)
	assert.Equal(t, "OptOut-foo@bar.com", put.Key.SortKey)
	assert.Equal(t, "42", put.CompanyID)
	assert.Equal(t, "2026-10-19", put.CreatedAtString())

	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.SkippedExisting)
	assert.Equal(t, 0, summary.Failed)
	assert.True(t, summary.Succeeded())
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, []int{60}, source.windows)
	assert.Equal(t, StateIdle, r.State())
}

func TestRun_Idempotent(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{
		sourceRow("1", "a@x.com", time.Minute),
		sourceRow("1", "b@x.com", 2*time.Minute),
		sourceRow("2", "a@x.com", 3*time.Minute),
	}}
	store := newFakeStore()
	r, _ := newTestReconciler(t, source, store, testConfig())

	first, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)
	writes := store.putCount()

	second, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, writes, store.putCount(), "second run must not write")
	assert.Equal(t, 3, second.SkippedExisting)
	assert.Equal(t, 0, second.Created)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_ExistingEntryIsNotTouched(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{sourceRow("42", "a@x.com", time.Minute)}}
	store := newFakeStore()
	original := optout.NewEntry(optout.NewKey("42", "a@x.com"), "42", fixedNow.AddDate(0, -1, 0))
	store.seed(original)
	r, _ := newTestReconciler(t, source, store, testConfig())

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SkippedExisting)
	assert.Zero(t, store.putCount())
	assert.Equal(t, original, store.entries[original.Key])
}

func TestRun_AtMostOneEntryUnderOverlappingRuns(t *testing.T) {
	rows := make([]optout.SourceRecord, 0, 20)
	for i := 0; i < 20; i++ {
		rows = append(rows, sourceRow("7", string(rune('a'+i))+"@x.com", time.Minute))
	}
	source := &fakeSource{rows: rows}
	store := newFakeStore()
	// Widen the race: every existence check sees "absent" before any put lands.
	var gate sync.WaitGroup
	gate.Add(1)
	store.existsHook = func(context.Context, string) error {
		gate.Wait()
		return nil
	}
	r, _ := newTestReconciler(t, source, store, testConfig())

	const runs = 3
	summaries := make([]*RunSummary, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Run(context.Background())
			assert.NoError(t, err)
			summaries[i] = s
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	gate.Done()
	wg.Wait()

	assert.Equal(t, 20, store.entryCount())
	var created, conflicts, skipped, failed int
	for _, s := range summaries {
		created += s.Created
		conflicts += s.Conflicts
		skipped += s.SkippedExisting
		failed += s.Failed
	}
	assert.Equal(t, 20, created, "each key is written exactly once")
	assert.Equal(t, 40, conflicts+skipped)
	assert.Zero(t, failed, "conflicts are not failures")
}

func TestRun_WindowCorrectness(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{
		sourceRow("1", "inside@x.com", 59*time.Minute),
		sourceRow("1", "outside@x.com", 61*time.Minute),
		{CompanyID: "1", Email: "deleted@x.com", Deleted: true, ModifiedAt: fixedNow.Add(-time.Minute)},
	}}
	store := newFakeStore()
	r, _ := newTestReconciler(t, source, store, testConfig())

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Fetched)
	require.Len(t, store.puts, 1)
	assert.Equal(t, "OptOut-inside@x.com", store.puts[0].Entry.Key.SortKey)
}

func TestRun_CaseVariantsCollapseToOneKey(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{
		sourceRow("9", "A@x.com", time.Minute),
		sourceRow("9", "a@x.com", 2*time.Minute),
	}}
	store := newFakeStore()
	cfg := testConfig()
	cfg.Concurrency = 1
	r, _ := newTestReconciler(t, source, store, cfg)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 1, store.existsCalls, "duplicate key is not checked twice in one run")
	assert.Equal(t, 1, store.entryCount())
}

func TestRun_FaultIsolation(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{
		sourceRow("1", "one@x.com", time.Minute),
		sourceRow("1", "two@x.com", time.Minute),
		sourceRow("1", "three@x.com", time.Minute),
	}}
	store := newFakeStore()
	store.existsErr["OptOut-two@x.com"] = errors.New("store unreachable")
	r, hook := newTestReconciler(t, source, store, testConfig())

	summary, err := r.Run(context.Background())
	require.NoError(t, err, "record failures do not fail the run")

	assert.True(t, summary.Succeeded())
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "OptOut-two@x.com", summary.Failures[0].Key.SortKey)
	assert.Equal(t, StageExists, summary.Failures[0].Stage)
	assert.ErrorContains(t, summary.Failures[0].Err, "store unreachable")
	assert.True(t, hasLogEntry(hook, logrus.ErrorLevel, "Failed to reconcile opt-out record"))
}

func TestRun_PutFailureIsIsolated(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{
		sourceRow("1", "one@x.com", time.Minute),
		sourceRow("1", "two@x.com", time.Minute),
	}}
	store := newFakeStore()
	store.putErr["OptOut-one@x.com"] = errors.New("throttled")
	r, _ := newTestReconciler(t, source, store, testConfig())

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, StagePut, summary.Failures[0].Stage)
}

func TestRun_PutConflictIsSuccess(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{sourceRow("1", "a@x.com", time.Minute)}}
	store := newFakeStore()
	store.putHook = func(_ context.Context, e optout.Entry) error {
		// Another run wins the race between our check and our put.
		store.seed(e)
		return nil
	}
	r, _ := newTestReconciler(t, source, store, testConfig())

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Conflicts)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Created)
}

func TestRun_FetchFailureIsFatal(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	store := newFakeStore()
	r, _ := newTestReconciler(t, source, store, testConfig())

	summary, err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, optout.ErrFetchFailed)
	assert.ErrorContains(t, err, "connection refused")
	require.NotNil(t, summary)
	assert.False(t, summary.Succeeded())
	assert.Zero(t, store.existsCalls)
	assert.Zero(t, store.putCount())
}

func TestRun_EmptyFetchIsTrivialSuccess(t *testing.T) {
	r, _ := newTestReconciler(t, &fakeSource{}, newFakeStore(), testConfig())

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Succeeded())
	assert.Zero(t, summary.Fetched)
	assert.False(t, summary.FinishedAt.IsZero())
}

func TestRun_MalformedRecordsAreSkipped(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{
		sourceRow("", "a@x.com", time.Minute),
		sourceRow("1", "  ", time.Minute),
		sourceRow("1", "ok@x.com", time.Minute),
	}}
	store := newFakeStore()
	r, hook := newTestReconciler(t, source, store, testConfig())

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 2, summary.Malformed)
	assert.Equal(t, 1, summary.Created)
	assert.Zero(t, summary.Failed)
	assert.True(t, hasLogEntry(hook, logrus.WarnLevel, "Skipping malformed opt-out record"))
}

func TestRun_CallTimeoutIsRecordFailure(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{
		sourceRow("1", "slow@x.com", time.Minute),
		sourceRow("1", "fast@x.com", time.Minute),
	}}
	store := newFakeStore()
	release := make(chan struct{})
	defer close(release)
	store.existsHook = func(_ context.Context, sortKey string) error {
		if sortKey == "OptOut-slow@x.com" {
			<-release // Ignores its context on purpose.
		}
		return nil
	}
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	r, _ := newTestReconciler(t, source, store, cfg)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.ErrorIs(t, summary.Failures[0].Err, context.DeadlineExceeded)
}

func TestRun_PanickingStoreIsRecordFailure(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{sourceRow("1", "a@x.com", time.Minute)}}
	store := newFakeStore()
	store.putHook = func(context.Context, optout.Entry) error { panic("nil client") }
	r, _ := newTestReconciler(t, source, store, testConfig())

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.ErrorContains(t, summary.Failures[0].Err, "panic: nil client")
}

func TestRun_CancelledBeforeFetch(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{sourceRow("1", "a@x.com", time.Minute)}}
	store := newFakeStore()
	r, _ := newTestReconciler(t, source, store, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, summary.Succeeded())
	assert.Zero(t, source.calls)
	assert.Zero(t, store.putCount())
}

func TestRun_CancelledDuringFetchHasNoSideEffects(t *testing.T) {
	source := &fakeSource{
		rows:  []optout.SourceRecord{sourceRow("1", "a@x.com", time.Minute)},
		block: make(chan struct{}),
	}
	store := newFakeStore()
	r, _ := newTestReconciler(t, source, store, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		assert.Eventually(t, func() bool { return r.State() == StateFetching }, time.Second, time.Millisecond)
		cancel()
	}()
	summary, err := r.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, optout.ErrFetchFailed)
	assert.False(t, summary.Succeeded())
	assert.Zero(t, store.existsCalls)
	assert.Zero(t, store.putCount())
}

func TestRun_CancelledDuringProcessingFinishesInFlight(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{
		sourceRow("1", "first@x.com", time.Minute),
		sourceRow("1", "second@x.com", time.Minute),
		sourceRow("1", "third@x.com", time.Minute),
	}}
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	store.existsHook = func(callCtx context.Context, sortKey string) error {
		if sortKey == "OptOut-first@x.com" {
			cancel()
			// The in-flight call keeps a live context.
			if callCtx.Err() != nil {
				return callCtx.Err()
			}
		}
		return nil
	}
	cfg := testConfig()
	cfg.Concurrency = 1
	r, _ := newTestReconciler(t, source, store, cfg)

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.True(t, summary.Interrupted)
	assert.Equal(t, 1, summary.Created, "in-flight record finishes")
	assert.Equal(t, 2, summary.NotStarted)
	assert.Equal(t, 1, store.putCount())
}

func TestRun_NotStartedCountsOnlyReconcilableRecords(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{
		sourceRow("1", "first@x.com", time.Minute),
		sourceRow("1", "second@x.com", time.Minute),
		sourceRow("", "orphan@x.com", time.Minute),
		sourceRow("1", "Second@x.com", time.Minute),
		sourceRow("1", "third@x.com", time.Minute),
	}}
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	store.existsHook = func(_ context.Context, sortKey string) error {
		if sortKey == "OptOut-first@x.com" {
			cancel()
		}
		return nil
	}
	cfg := testConfig()
	cfg.Concurrency = 1
	r, _ := newTestReconciler(t, source, store, cfg)

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.True(t, summary.Interrupted)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 2, summary.NotStarted, "second and third only")
	assert.Equal(t, 1, summary.Malformed)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, summary.Fetched, summary.Created+summary.NotStarted+summary.Malformed+summary.Duplicates)
}

func TestRun_PaddedValuesMatchExistingEntry(t *testing.T) {
	source := &fakeSource{rows: []optout.SourceRecord{sourceRow("42 ", " Foo@Bar.com", time.Minute)}}
	store := newFakeStore()
	store.seed(optout.Entry{
		Key:       optout.Key{PartitionKey: "Company-42 ", SortKey: "OptOut- foo@bar.com"},
		CompanyID: "42 ",
		CreatedAt: fixedNow.AddDate(0, 0, -7),
	})
	r, _ := newTestReconciler(t, source, store, testConfig())

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SkippedExisting)
	assert.Zero(t, store.putCount())
	assert.Equal(t, 1, store.entryCount())
}

func TestNewReconciler_RejectsInvalidConfig(t *testing.T) {
	entry, _ := newTestLogger()
	for _, cfg := range []ReconcilerConfig{
		{WindowMinutes: 0, FetchTimeout: time.Second, CallTimeout: time.Second, Concurrency: 1},
		{WindowMinutes: 60, FetchTimeout: 0, CallTimeout: time.Second, Concurrency: 1},
		{WindowMinutes: 60, FetchTimeout: time.Second, CallTimeout: 0, Concurrency: 1},
		{WindowMinutes: 60, FetchTimeout: time.Second, CallTimeout: time.Second, Concurrency: 0},
	} {
		_, err := NewReconciler(&fakeSource{}, newFakeStore(), cfg, entry)
		assert.Error(t, err)
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "FETCHING", StateFetching.String())
	assert.Equal(t, "PROCESSING", StateProcessing.String())
	assert.Equal(t, "State(9)", State(9).String())
}
