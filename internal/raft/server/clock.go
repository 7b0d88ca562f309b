package server

import "time"

// Clock is the time source of the server. time.Now carries a monotonic reading, so comparisons between two values it
// returned are immune to wall clock adjustments.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
