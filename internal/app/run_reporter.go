// internal/app/run_reporter.go
package app

import (
	"context"
	"fmt"
	"strings"

	"optout_sync/internal/domain/alert"

	"github.com/sirupsen/logrus"
)

// maxAlertFailures caps the number of failed keys listed in one alert.
const maxAlertFailures = 10

// RunReporter surfaces run summaries through logs and, optionally, alerts.
type RunReporter struct {
	alerts alert.Client // nil disables alerting
	logger *logrus.Entry
}

func NewRunReporter(alerts alert.Client, log *logrus.Entry) *RunReporter {
	return &RunReporter{alerts: alerts, logger: log}
}

// Report logs the summary and sends an alert for failed runs or runs with
// failed records.
func (r *RunReporter) Report(ctx context.Context, s *RunSummary) {
	log := r.logger.WithFields(logrus.Fields{
		"run_id":           s.RunID,
		"fetched":          s.Fetched,
		"created":          s.Created,
		"skipped_existing": s.SkippedExisting,
		"conflicts":        s.Conflicts,
		"duplicates":       s.Duplicates,
		"malformed":        s.Malformed,
		"failed":           s.Failed,
		"not_started":      s.NotStarted,
		"duration_ms":      s.Duration().Milliseconds(),
	})

	switch {
	case !s.Succeeded():
		log.WithError(s.Err).Error("Opt-out reconciliation run failed")
	case s.HasRecordFailures():
		keys := make([]string, 0, len(s.Failures))
		for _, f := range s.Failures {
			keys = append(keys, f.Key.PartitionKey)
		}
		log.WithField("failed_partitions", keys).Warn("Opt-out reconciliation run completed with failed records")
	case s.Interrupted:
		log.Warn("Opt-out reconciliation run interrupted")
	default:
		log.Info("Opt-out reconciliation run completed")
	}

	if r.alerts == nil || (s.Succeeded() && !s.HasRecordFailures()) {
		return
	}
	if err := r.alerts.SendAlert(ctx, FormatAlert(s)); err != nil {
		log.WithError(err).Warn("Failed to send run alert")
	}
}

// FormatAlert renders a plain-text alert for a run summary. Only partition
// keys are listed so that email addresses never leave the process.
func FormatAlert(s *RunSummary) string {
	var b strings.Builder
	if !s.Succeeded() {
		fmt.Fprintf(&b, "Opt-out sync run %s FAILED: %v\n", s.RunID, s.Err)
		return b.String()
	}

	fmt.Fprintf(&b, "Opt-out sync run %s finished with %d failed record(s)\n", s.RunID, s.Failed)
	fmt.Fprintf(&b, "%s\n", s.String())
	for i, f := range s.Failures {
		if i == maxAlertFailures {
			fmt.Fprintf(&b, "... and %d more\n", len(s.Failures)-maxAlertFailures)
			break
		}
		fmt.Fprintf(&b, "- %s (%s): %v\n", f.Key.PartitionKey, f.Stage, f.Err)
	}
	return b.String()
}
