// Package drip runs multi-step email sequences: it selects due enrollments,
// gates steps on their conditions, delivers and advances each enrollment.
package drip

import "time"

// Clock is the time source of the engine
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC
func SystemClock() Clock {
	return systemClock{}
}

// NextSendAt returns when a step with the given delay becomes due. A step
// without delay is due immediately, which is expressed one minute in the
// past so the next selection picks it up.
func NextSendAt(now time.Time, delay time.Duration) time.Time {
	if delay <= 0 {
		return now.Add(-time.Minute).UTC()
	}
	return now.Add(delay).UTC()
}
