// Package faketime provides a deterministic clock.Clock for tests. Unlike a
// coordinated test clock, waits complete immediately: After records the
// requested duration, advances the fake time by it and fires at once, so
// tests can assert on sleep sequences without goroutine choreography.
package faketime

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

type Clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

var _ clock.Clock = (*Clock)(nil)

func New(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake time forward without recording a sleep.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns every duration waited on via After so far.
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// ClearSleeps discards the recorded sleep history.
func (c *Clock) ClearSleeps() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = nil
}

func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.Advance(d)
	f()
	return &firedTimer{ch: make(chan time.Time)}
}

func (c *Clock) NewTimer(d time.Duration) clock.Timer {
	t := &firedTimer{ch: make(chan time.Time, 1)}
	t.ch <- c.Now().Add(d)
	c.Advance(d)
	return t
}

// At fires immediately, recording the wait and advancing the fake time to t
// when t is still in the future.
func (c *Clock) At(t time.Time) <-chan time.Time {
	c.mu.Lock()
	if d := t.Sub(c.now); d > 0 {
		c.sleeps = append(c.sleeps, d)
		c.now = t
	}
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *Clock) AtFunc(t time.Time, f func()) clock.Alarm {
	c.advanceTo(t)
	f()
	return &firedAlarm{ch: make(chan time.Time)}
}

func (c *Clock) NewAlarm(t time.Time) clock.Alarm {
	a := &firedAlarm{ch: make(chan time.Time, 1)}
	c.advanceTo(t)
	a.ch <- c.Now()
	return a
}

func (c *Clock) advanceTo(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

type firedTimer struct {
	ch chan time.Time
}

func (t *firedTimer) Chan() <-chan time.Time     { return t.ch }
func (t *firedTimer) Reset(d time.Duration) bool { return false }
func (t *firedTimer) Stop() bool                 { return false }

type firedAlarm struct {
	ch chan time.Time
}

func (a *firedAlarm) Chan() <-chan time.Time { return a.ch }
func (a *firedAlarm) Reset(t time.Time) bool { return false }
func (a *firedAlarm) Stop() bool             { return false }
