package heartbeat

import (
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexera-public/stomp-out/schedule"
)

type recordingHost struct {
	sent   [][]byte
	errors []string
}

func (h *recordingHost) SendBytes(b []byte) {
	h.sent = append(h.sent, append([]byte{}, b...))
}

func (h *recordingHost) ReportError(message string) {
	h.errors = append(h.errors, message)
}

func TestNegotiationAppliesFloor(t *testing.T) {
	fake := fakeclock.NewFakeClock(time.Now())
	host := &recordingHost{}
	sched := schedule.New(fake)

	hb, err := New(host, sched, "2000,3000", 5000*time.Millisecond, 0)
	require.NoError(t, err)

	assert.Equal(t, 5000*time.Millisecond, hb.IncomingRate())
	assert.Equal(t, 3000*time.Millisecond, hb.OutgoingRate())
}

func TestZeroOnEitherSideDisablesThatTimer(t *testing.T) {
	fake := fakeclock.NewFakeClock(time.Now())
	host := &recordingHost{}
	sched := schedule.New(fake)

	hb, err := New(host, sched, "0,0", 5000*time.Millisecond, 1000*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), hb.IncomingRate())
	assert.Equal(t, time.Duration(0), hb.OutgoingRate())
}

func TestMalformedHeaderIsRejected(t *testing.T) {
	fake := fakeclock.NewFakeClock(time.Now())
	host := &recordingHost{}
	sched := schedule.New(fake)

	_, err := New(host, sched, "not-a-rate", 0, 0)
	assert.Error(t, err)
}

func TestOutgoingTickSendsHeartbeatWhenIdle(t *testing.T) {
	fake := fakeclock.NewFakeClock(time.Now())
	host := &recordingHost{}
	sched := schedule.New(fake)

	hb, err := New(host, sched, "0,100", 0, 0)
	require.NoError(t, err)
	hb.Start()
	defer hb.Stop()

	fake.WaitForWatcherAndIncrement(100 * time.Millisecond)
	assert.Eventually(t, func() bool { return len(host.sent) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte("\n"), host.sent[0])
}

func TestOutgoingTickSkipsWhenDataWasSent(t *testing.T) {
	fake := fakeclock.NewFakeClock(time.Now())
	host := &recordingHost{}
	sched := schedule.New(fake)

	hb, err := New(host, sched, "0,100", 0, 0)
	require.NoError(t, err)
	hb.Start()
	defer hb.Stop()

	hb.SentData()
	fake.WaitForWatcherAndIncrement(100 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, host.sent)
}

func TestIncomingTickReportsFailureWhenIdle(t *testing.T) {
	fake := fakeclock.NewFakeClock(time.Now())
	host := &recordingHost{}
	sched := schedule.New(fake)

	hb, err := New(host, sched, "100,0", 0, 0)
	require.NoError(t, err)
	hb.Start()
	defer hb.Stop()

	fake.WaitForWatcherAndIncrement(150 * time.Millisecond)
	assert.Eventually(t, func() bool { return len(host.errors) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "heartbeat failure", host.errors[0])
}

func TestIncomingTickClearsFlagWhenDataReceived(t *testing.T) {
	fake := fakeclock.NewFakeClock(time.Now())
	host := &recordingHost{}
	sched := schedule.New(fake)

	hb, err := New(host, sched, "100,0", 0, 0)
	require.NoError(t, err)
	hb.Start()
	defer hb.Stop()

	hb.ReceivedData()
	fake.WaitForWatcherAndIncrement(150 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, host.errors)
}
