package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"optout_sync/internal/app"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is what the scheduler triggers on every tick.
type Job interface {
	Execute(ctx context.Context) (*app.RunSummary, error)
}

// ReconcileScheduler triggers the reconciliation job on a fixed interval. A
// tick that fires while the previous run is still going is skipped.
type ReconcileScheduler struct {
	cronEngine *cron.Cron
	job        Job
	logger     *logrus.Entry
	spec       string
	runOnStart bool
	entryID    cron.EntryID
	startRun   sync.WaitGroup // Run-on-start is not tracked by the cron engine

	// ctx is handed to every run; Stop cancels it so that a run in progress
	// starts no new records.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewReconcileScheduler(job Job, logger *logrus.Entry, interval time.Duration, runOnStart bool) *ReconcileScheduler {
	cl := cronLogger{entry: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReconcileScheduler{
		cronEngine: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		job:        job,
		logger:     logger,
		spec:       "@every " + interval.String(),
		runOnStart: runOnStart,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *ReconcileScheduler) Start() error {
	s.logger.WithField("spec", s.spec).Info("Starting reconciliation scheduler...")

	id, err := s.cronEngine.AddFunc(s.spec, s.tick)
	if err != nil {
		return fmt.Errorf("could not add reconciliation cron job: %w", err)
	}
	s.entryID = id
	s.cronEngine.Start()

	if s.runOnStart {
		// Through the wrapped job so the skip-if-running guard applies.
		wrapped := s.cronEngine.Entry(id).WrappedJob
		s.startRun.Add(1)
		go func() {
			defer s.startRun.Done()
			wrapped.Run()
		}()
	}
	s.logger.Info("Reconciliation scheduler started.")
	return nil
}

func (s *ReconcileScheduler) tick() {
	s.logger.Debug("Cron job triggered for opt-out reconciliation.")
	// The job reports its own outcome; only the skip is logged here.
	if _, err := s.job.Execute(s.ctx); errors.Is(err, app.ErrRunLocked) {
		s.logger.Debug("Reconciliation skipped, lock held by another instance.")
	}
}

// Stop cancels the running job's context and waits for it to return.
func (s *ReconcileScheduler) Stop() {
	s.logger.Info("Stopping reconciliation scheduler...")
	s.cancel()
	ctx := s.cronEngine.Stop() // Stops the scheduler from adding new jobs, waits for running jobs.
	<-ctx.Done()
	s.startRun.Wait()
	s.logger.Info("Reconciliation scheduler gracefully stopped.")
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(toFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(toFields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func toFields(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
