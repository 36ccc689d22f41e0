package reconcile

import (
	"time"

	"github.com/classbook/backend/internal/session"
)

// Scheduler runs cancellable delayed tasks.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) session.Timer
}

// ClockScheduler schedules on the wall clock.
type ClockScheduler struct{}

func (ClockScheduler) AfterFunc(d time.Duration, fn func()) session.Timer {
	return time.AfterFunc(d, fn)
}

// DefaultDelays is the retry plan after a checkout: three attempts with
// escalating, fixed delays measured from when the plan starts.
var DefaultDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}
