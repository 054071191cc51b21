package backoff

import "time"

// Table is a fixed retry schedule: the n-th retry waits Table[n].
type Table []time.Duration

// Default is the schedule used for failed media processing.
var Default = Table{
	1 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

// Delay returns the wait before retrying after the given 0-based attempt
// failed, or false when retries are exhausted.
func (t Table) Delay(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= len(t) {
		return 0, false
	}
	return t[attempt], true
}

// Retries is the number of retries the table allows.
func (t Table) Retries() int { return len(t) }

// Elapsed is the total time spent waiting before the given attempt starts.
func (t Table) Elapsed(attempt int) time.Duration {
	var d time.Duration
	for i := 0; i < attempt && i < len(t); i++ {
		d += t[i]
	}
	return d
}
