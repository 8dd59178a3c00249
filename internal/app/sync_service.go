// internal/app/sync_service.go
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrRunLocked is returned by SyncService.Execute when another run holds the lock.
var ErrRunLocked = errors.New("another reconciliation run holds the lock")

// RunLock guards against overlapping runs across processes.
type RunLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Runner executes one reconciliation pass.
type Runner interface {
	Run(ctx context.Context) (*RunSummary, error)
}

// SyncService is what a trigger invokes: it takes the run lock, runs the
// reconciler and reports the outcome.
type SyncService struct {
	runner   Runner
	lock     RunLock // nil disables cross-process locking
	reporter *RunReporter
	logger   *logrus.Entry
}

func NewSyncService(runner Runner, lock RunLock, reporter *RunReporter, log *logrus.Entry) *SyncService {
	return &SyncService{
		runner:   runner,
		lock:     lock,
		reporter: reporter,
		logger:   log,
	}
}

// Execute runs one guarded reconciliation. It returns ErrRunLocked when the
// run was skipped, and the run error when the run failed as a whole.
func (s *SyncService) Execute(ctx context.Context) (*RunSummary, error) {
	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			s.logger.WithError(err).Error("Could not acquire run lock; skipping run")
			return nil, fmt.Errorf("acquiring run lock: %w", err)
		}
		if !acquired {
			s.logger.Info("Run lock held elsewhere; skipping run")
			return nil, ErrRunLocked
		}
		defer func() {
			// Release must happen even if ctx was cancelled mid-run.
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	summary, err := s.runner.Run(ctx)
	if summary != nil {
		s.reporter.Report(ctx, summary)
	}
	return summary, err
}
