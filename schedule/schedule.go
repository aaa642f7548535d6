// Package schedule provides the periodic-timer capability the engine uses
// to drive heartbeats, decoupling it from any specific event loop or from
// real wall-clock time in tests.
package schedule

import (
	"time"

	"code.cloudfoundry.org/clock"
)

// Scheduler arms a repeating callback. It is the only timing capability
// the engine depends on; embedders that already run their own event loop
// can supply an implementation that marshals ticks onto it instead of
// spawning goroutines.
type Scheduler interface {
	// SchedulePeriodic invokes fn every interval until the returned cancel
	// func is called. cancel is idempotent.
	SchedulePeriodic(interval time.Duration, fn func()) (cancel func())
}

type clockScheduler struct {
	clk clock.Clock
}

// New builds a Scheduler backed by clk. Passing a fake clock (such as
// code.cloudfoundry.org/clock/fakeclock.FakeClock) makes timer firing
// deterministic under test: ticks happen only when the clock is advanced.
// fn always runs on a goroutine owned by the Scheduler, so it completes
// asynchronously with respect to the call that advanced the clock.
func New(clk clock.Clock) Scheduler {
	return &clockScheduler{clk: clk}
}

// NewReal builds a Scheduler backed by the real wall clock.
func NewReal() Scheduler {
	return New(clock.NewClock())
}

func (s *clockScheduler) SchedulePeriodic(interval time.Duration, fn func()) func() {
	ticker := s.clk.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C():
				fn()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var closed bool
	return func() {
		if closed {
			return
		}
		closed = true
		close(done)
	}
}
