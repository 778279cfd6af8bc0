package util

import "time"

// Clock abstracts time for components that pace themselves, so tests can
// substitute a controlled source. Ledger height, not the clock, gates
// settlement; the clock only paces periodic re-evaluation.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }
