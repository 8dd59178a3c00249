// internal/domain/optout/window.go
package optout

import "time"

// Window is the trailing lookback interval. A record is inside the window when
// its age is strictly less than the window length (closed-open interval).
type Window struct {
	Minutes int
}

func (w Window) Duration() time.Duration {
	return time.Duration(w.Minutes) * time.Minute
}

// Start returns the exclusive lower bound for modification times at now.
func (w Window) Start(now time.Time) time.Time {
	return now.Add(-w.Duration())
}

// Contains reports whether modifiedAt falls inside the window at now.
func (w Window) Contains(modifiedAt, now time.Time) bool {
	return now.Sub(modifiedAt) < w.Duration()
}
