package util

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// NowMillis is the timestamp format stored on orders and games.
func NowMillis(c Clock) int64 { return c.Now().UnixMilli() }

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
