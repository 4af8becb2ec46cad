// Package system provides the wall clock used for health timestamps.
package system

import "time"

// Clock implements proxy.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// EpochSeconds converts t to fractional seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
