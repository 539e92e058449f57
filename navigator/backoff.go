package navigator

import "time"

// BackoffPolicy computes the delay schedule for navigation retries.
// Delays double per retry from Base and are capped at Max. The policy is
// a pure value: the same inputs always produce the same schedule, which
// keeps retry behavior reproducible in tests.
type BackoffPolicy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps any single delay. Zero means no cap.
	Max time.Duration

	// MaxRetries is how many retries are allowed after the initial
	// attempt. Zero disables retries.
	MaxRetries int
}

// Next returns the delay to apply before retry number `retry` (1-based)
// and whether that retry is within budget.
func (b BackoffPolicy) Next(retry int) (time.Duration, bool) {
	if retry < 1 || retry > b.MaxRetries {
		return 0, false
	}
	if b.Base <= 0 {
		return 0, true
	}
	d := b.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max, true
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d, true
}
