// internal/app/reconciler.go
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"optout_sync/internal/domain/optout"
	"optout_sync/internal/infra/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// State is the phase of the reconciler's current run.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StateProcessing:
		return "PROCESSING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ReconcilerConfig holds the tunables of a run.
type ReconcilerConfig struct {
	WindowMinutes int           // Lookback window passed to the source
	FetchTimeout  time.Duration // Bound on SourceReader.FetchChanged
	CallTimeout   time.Duration // Bound on each Exists / PutIfAbsent call
	Concurrency   int           // Records processed in parallel
}

func (c ReconcilerConfig) validate() error {
	if c.WindowMinutes <= 0 {
		return fmt.Errorf("window must be positive, got %d minutes", c.WindowMinutes)
	}
	if c.FetchTimeout <= 0 || c.CallTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive (fetch %s, call %s)", c.FetchTimeout, c.CallTimeout)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	return nil
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source used for run timestamps and CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler copies recently changed opt-outs from the system of record into
// the key-value store. Whether a record was already reconciled is derived from
// the store alone; there is no local cursor. Overlapping runs are safe because
// PutIfAbsent conflicts count as success.
type Reconciler struct {
	source optout.SourceReader
	store  optout.KeyValueStore
	cfg    ReconcilerConfig
	logger *logrus.Entry
	now    func() time.Time
	state  atomic.Int32
}

func NewReconciler(
	source optout.SourceReader,
	store optout.KeyValueStore,
	cfg ReconcilerConfig,
	log *logrus.Entry,
	opts ...Option,
) (*Reconciler, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid reconciler config: %w", err)
	}
	r := &Reconciler{
		source: source,
		store:  store,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// State returns the phase of the most recently started run.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// Run executes one reconciliation pass. The returned error is non-nil only when
// the run failed as a whole (fetch error or cancellation before the fetch
// completed); in that case nothing was written. Per-record failures are
// reported in the summary and never fail the run.
//
// Cancelling ctx while records are being processed lets in-flight records
// finish but starts no new ones.
func (r *Reconciler) Run(ctx context.Context) (*RunSummary, error) {
	summary := newRunSummary(uuid.NewString(), r.now())
	log := r.logger.WithField("run_id", summary.RunID)
	defer r.state.Store(int32(StateIdle))

	r.state.Store(int32(StateFetching))
	log.WithField("window_minutes", r.cfg.WindowMinutes).Debug("Fetching changed opt-outs")
	records, err := r.fetch(ctx)
	if err != nil {
		summary.Err = err
		summary.FinishedAt = r.now()
		return summary, err
	}
	summary.Fetched = len(records)
	if len(records) == 0 {
		summary.FinishedAt = r.now()
		log.Debug("No changed opt-outs in window")
		return summary, nil
	}

	r.state.Store(int32(StateProcessing))
	log.WithField("fetched", len(records)).Info("Reconciling changed opt-outs")
	r.process(ctx, log, summary, records)
	summary.FinishedAt = r.now()
	return summary, nil
}

func (r *Reconciler) fetch(ctx context.Context) ([]optout.SourceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled before fetch: %w", err)
	}
	records, err := callWithTimeout(ctx, r.cfg.FetchTimeout, func(callCtx context.Context) ([]optout.SourceRecord, error) {
		return r.source.FetchChanged(callCtx, r.cfg.WindowMinutes)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("run cancelled during fetch: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w: %w", optout.ErrFetchFailed, err)
	}
	// A cancellation that raced a successful fetch still aborts before any write.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled during fetch: %w", err)
	}
	return records, nil
}

func (r *Reconciler) process(ctx context.Context, log *logrus.Entry, summary *RunSummary, records []optout.SourceRecord) {
	// In-flight records must be able to finish after ctx is cancelled; each
	// call still carries its own timeout.
	workCtx := context.WithoutCancel(ctx)
	observedAt := summary.StartedAt
	sem := semaphore.NewWeighted(int64(r.cfg.Concurrency))
	seen := make(map[optout.Key]struct{}, len(records))
	var g errgroup.Group

	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			summary.record(optout.Key{}, OutcomeMalformed, "", err)
			log.WithError(err).Warn("Skipping malformed opt-out record")
			continue
		}
		rec = rec.Normalized()
		key := optout.NewKey(rec.CompanyID, rec.Email)
		if _, dup := seen[key]; dup {
			summary.record(key, OutcomeDuplicate, "", nil)
			log.WithField("partition_key", key.PartitionKey).Debug("Opt-out key already handled in this run")
			continue
		}

		seen[key] = struct{}{}
		if summary.Interrupted {
			// Still classified so that only reconcilable records count as not started.
			summary.NotStarted++
			continue
		}

		// Acquire may succeed on an already cancelled ctx, so check again.
		if err := sem.Acquire(ctx, 1); err != nil || ctx.Err() != nil {
			if err == nil {
				sem.Release(1)
			}
			summary.Interrupted = true
			summary.NotStarted++
			continue
		}

		g.Go(func() error {
			defer sem.Release(1)
			r.reconcileRecord(workCtx, log, summary, rec, key, observedAt)
			return nil
		})
	}
	if summary.Interrupted {
		log.WithField("not_started", summary.NotStarted).Warn("Run cancelled; remaining records not started")
	}
	_ = g.Wait()
}

func (r *Reconciler) reconcileRecord(ctx context.Context, log *logrus.Entry, summary *RunSummary, rec optout.SourceRecord, key optout.Key, observedAt time.Time) {
	recLog := log.WithFields(logrus.Fields{
		"partition_key": key.PartitionKey,
		"email":         logger.RedactEmail(rec.Email),
	})

	outcome, stage, err := r.reconcile(ctx, rec, key, observedAt)
	summary.record(key, outcome, stage, err)

	switch outcome {
	case OutcomeCreated:
		recLog.Info("Created opt-out entry")
	case OutcomeConflict:
		recLog.Info("Opt-out entry was created concurrently; treating as done")
	case OutcomeSkippedExisting:
		recLog.Debug("Opt-out entry already exists")
	case OutcomeFailed:
		recLog.WithError(err).WithField("stage", stage).Error("Failed to reconcile opt-out record")
	}
}

func (r *Reconciler) reconcile(ctx context.Context, rec optout.SourceRecord, key optout.Key, observedAt time.Time) (Outcome, Stage, error) {
	exists, err := callWithTimeout(ctx, r.cfg.CallTimeout, func(callCtx context.Context) (bool, error) {
		return r.store.Exists(callCtx, key.PartitionKey, key.SortKey)
	})
	if err != nil {
		return OutcomeFailed, StageExists, fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		return OutcomeSkippedExisting, "", nil
	}

	entry := optout.NewEntry(key, rec.CompanyID, observedAt)
	_, err = callWithTimeout(ctx, r.cfg.CallTimeout, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, r.store.PutIfAbsent(callCtx, entry)
	})
	switch {
	case err == nil:
		return OutcomeCreated, "", nil
	case errors.Is(err, optout.ErrEntryExists):
		return OutcomeConflict, "", nil
	default:
		return OutcomeFailed, StagePut, fmt.Errorf("putting entry: %w", err)
	}
}

// callWithTimeout bounds fn by timeout even when fn ignores its context, and
// turns a panic in fn into an error.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				res.err = fmt.Errorf("panic: %v", p)
			}
			done <- res
		}()
		res.value, res.err = fn(callCtx)
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-callCtx.Done():
		var zero T
		return zero, fmt.Errorf("call did not complete within %s: %w", timeout, callCtx.Err())
	}
}
