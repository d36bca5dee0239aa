// Package checkin holds the single shared timestamp a worker touches after
// each unit of forward progress and a watchdog reads to detect stalls.
package checkin

import (
	"sync/atomic"
	"time"
)

// Clock is a lock-free last-checkin timestamp stored as Unix milliseconds.
// It is written by exactly one worker and read by exactly one watchdog.
// The zero value reads as the Unix epoch, which is always stale.
type Clock struct {
	millis atomic.Int64
}

// New returns a Clock already checked in at now.
func New(now time.Time) *Clock {
	c := &Clock{}
	c.Touch(now)
	return c
}

// Touch records now as the most recent checkin.
func (c *Clock) Touch(now time.Time) {
	c.millis.Store(now.UnixMilli())
}

// Read returns the most recent checkin.
func (c *Clock) Read() time.Time {
	return time.UnixMilli(c.millis.Load())
}
