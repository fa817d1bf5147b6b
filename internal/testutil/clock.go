package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// StubClock stands in for the kiosk clock. It only moves when a test calls
// Advance.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock starts on Monday 2024-01-15 at 10:30 UTC, so activity records
// land on date "2024-01-15" and time "10:30:00".
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// StubIDGenerator hands out predictable sync tokens:
// 00000000-0000-4000-8000-000000000001, then ...0002 and so on.
type StubIDGenerator struct {
	issued atomic.Int64
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", g.issued.Add(1))
}
