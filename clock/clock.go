// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package clock

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Clock provides time operations for deterministic testing
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
	// Sleep blocks for d or until ctx is done, whichever comes first
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer represents a cancellable timer
type Timer interface {
	Stop() bool
}

// AutoClock uses real time
type AutoClock struct{}

// NewAutoClock creates a clock that uses real time
func NewAutoClock() *AutoClock {
	return &AutoClock{}
}

func (c *AutoClock) Now() time.Time {
	return time.Now()
}

func (c *AutoClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (c *AutoClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (c *AutoClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ManualClock provides deterministic time control for testing
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers timerHeap
}

// NewManualClock creates a clock with manual time control
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() {
		ch <- c.Now()
	})
	return ch
}

func (c *ManualClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.newTimer(d, nil)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.fired:
		return nil
	}
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.newTimer(d, f)
}

func (c *ManualClock) newTimer(d time.Duration, f func()) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	mt := &manualTimer{
		fireAt: c.now.Add(d),
		fn:     f,
		clock:  c,
		fired:  make(chan struct{}),
	}
	heap.Push(&c.timers, mt)
	return mt
}

// Pending returns the number of timers that have not fired or been stopped.
// Tests use it to wait until a goroutine is parked on the clock.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Advance moves time forward and fires all timers that should trigger
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := c.popDue()
	c.mu.Unlock()

	for _, mt := range due {
		close(mt.fired)
		if mt.fn != nil {
			mt.fn()
		}
	}
}

func (c *ManualClock) popDue() []*manualTimer {
	var due []*manualTimer
	for len(c.timers) > 0 && !c.timers[0].fireAt.After(c.now) {
		due = append(due, heap.Pop(&c.timers).(*manualTimer))
	}
	return due
}

type manualTimer struct {
	fireAt time.Time
	fn     func()
	clock  *ManualClock
	fired  chan struct{}
	index  int // for heap
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.clock.timers, t.index)
	return true
}

// timerHeap implements heap.Interface for timers
type timerHeap []*manualTimer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	timer := x.(*manualTimer)
	timer.index = len(*h)
	*h = append(*h, timer)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	timer := old[n-1]
	old[n-1] = nil
	timer.index = -1
	*h = old[0 : n-1]
	return timer
}
