package schedule

import (
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
)

func TestSchedulePeriodicFiresOnFakeClock(t *testing.T) {
	fake := fakeclock.NewFakeClock(time.Now())
	sched := New(fake)

	ticks := make(chan struct{}, 8)
	cancel := sched.SchedulePeriodic(100*time.Millisecond, func() {
		ticks <- struct{}{}
	})
	defer cancel()

	fake.WaitForWatcherAndIncrement(100 * time.Millisecond)
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first tick")
	}

	fake.Increment(100 * time.Millisecond)
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second tick")
	}
}

func TestCancelStopsFurtherTicks(t *testing.T) {
	fake := fakeclock.NewFakeClock(time.Now())
	sched := New(fake)

	ticks := make(chan struct{}, 8)
	cancel := sched.SchedulePeriodic(50*time.Millisecond, func() {
		ticks <- struct{}{}
	})

	fake.WaitForWatcherAndIncrement(50 * time.Millisecond)
	<-ticks

	cancel()
	cancel() // idempotent

	time.Sleep(20 * time.Millisecond)
	select {
	case <-ticks:
		t.Fatal("did not expect a tick after cancel")
	default:
	}

	assert.Equal(t, 0, len(ticks))
}
