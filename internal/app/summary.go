// internal/app/summary.go
package app

import (
	"fmt"
	"sync"
	"time"

	"optout_sync/internal/domain/optout"
)

// Outcome classifies what happened to a single source record within a run.
type Outcome string

const (
	OutcomeCreated         Outcome = "CREATED"          // Entry written by this run
	OutcomeSkippedExisting Outcome = "SKIPPED_EXISTING" // Entry already present
	OutcomeConflict        Outcome = "CONFLICT"         // Lost the put race; entry exists
	OutcomeDuplicate       Outcome = "DUPLICATE"        // Same key already handled in this run
	OutcomeMalformed       Outcome = "MALFORMED"        // Missing company id or email
	OutcomeFailed          Outcome = "FAILED"           // Existence check or insert failed
)

// Stage names the external call a record failure happened in.
type Stage string

const (
	StageExists Stage = "exists"
	StagePut    Stage = "put"
)

// RecordFailure describes one record that could not be reconciled.
type RecordFailure struct {
	Key   optout.Key
	Stage Stage
	Err   error
}

// RunSummary aggregates per-record outcomes of one run.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Fetched         int
	Created         int
	SkippedExisting int
	Conflicts       int
	Duplicates      int
	Malformed       int
	Failed          int
	NotStarted      int // Valid, distinct records not dispatched after cancellation

	Interrupted bool // Cancellation arrived while processing
	Failures    []RecordFailure

	// Err is set when the run as a whole failed (fetch error or cancellation
	// before the fetch completed). Per-record failures never set it.
	Err error

	mu sync.Mutex
}

func newRunSummary(runID string, startedAt time.Time) *RunSummary {
	return &RunSummary{RunID: runID, StartedAt: startedAt}
}

// Succeeded reports whether the run completed its fetch and processed the batch.
func (s *RunSummary) Succeeded() bool {
	return s.Err == nil
}

// HasRecordFailures reports whether any record failed its existence check or insert.
func (s *RunSummary) HasRecordFailures() bool {
	return s.Failed > 0
}

func (s *RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s *RunSummary) String() string {
	return fmt.Sprintf("fetched=%d created=%d skipped=%d failed=%d conflicts=%d duplicates=%d malformed=%d not_started=%d",
		s.Fetched, s.Created, s.SkippedExisting, s.Failed, s.Conflicts, s.Duplicates, s.Malformed, s.NotStarted)
}

// record is safe to call from concurrent workers.
func (s *RunSummary) record(key optout.Key, outcome Outcome, stage Stage, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch outcome {
	case OutcomeCreated:
		s.Created++
	case OutcomeSkippedExisting:
		s.SkippedExisting++
	case OutcomeConflict:
		s.Conflicts++
	case OutcomeDuplicate:
		s.Duplicates++
	case OutcomeMalformed:
		s.Malformed++
	case OutcomeFailed:
		s.Failed++
		s.Failures = append(s.Failures, RecordFailure{Key: key, Stage: stage, Err: err})
	}
}
