// Package system supplies the wall clock used outside of tests.
package system

import "time"

// Clock satisfies pipeline.Clock with the real time source.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now reports the current time in UTC so stored timestamps compare cleanly
// across backends.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
