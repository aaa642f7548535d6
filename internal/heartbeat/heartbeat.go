// Package heartbeat implements the STOMP heart-beat timers shared by the
// client and server engines: negotiating a rate from the "heart-beat"
// header and driving outgoing/incoming timers off an injected scheduler.
package heartbeat

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/flexera-public/stomp-out/schedule"
)

// Host is the set of callbacks a Heartbeat needs from its owning engine.
type Host interface {
	// SendBytes writes raw bytes to the peer, bypassing frame
	// serialization (a heartbeat line is just "\n").
	SendBytes(b []byte)
	// ReportError notifies the embedder that the heartbeat has failed and
	// the connection should be considered dead.
	ReportError(message string)
}

// Heartbeat negotiates and drives the outgoing/incoming heartbeat timers
// for one connection.
type Heartbeat struct {
	host  Host
	sched schedule.Scheduler

	outgoingRate time.Duration // how often we must send
	incomingRate time.Duration // how often we expect to receive

	sent atomic.Bool
	recv atomic.Bool

	cancelOutgoing func()
	cancelIncoming func()
	stopOnce       sync.Once
}

// New negotiates rates from the peer-supplied "cx,cy" header against this
// side's own minSendInterval/desiredReceiveInterval and returns a Heartbeat
// ready to Start. A malformed header yields a plain error; the client and
// server engines report it as a ProtocolError.
func New(host Host, sched schedule.Scheduler, peerRateHeader string, minSendInterval, desiredReceiveInterval time.Duration) (*Heartbeat, error) {
	cx, cy, err := parseRateHeader(peerRateHeader)
	if err != nil {
		return nil, err
	}

	hb := &Heartbeat{host: host, sched: sched}

	if cx > 0 {
		hb.incomingRate = maxDuration(cx, minSendInterval)
	}
	if cy > 0 {
		hb.outgoingRate = maxDuration(cy, desiredReceiveInterval)
	}
	return hb, nil
}

func parseRateHeader(header string) (cx, cy time.Duration, err error) {
	parts := strings.Split(header, ",")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("malformed heart-beat header %q", header)
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || x < 0 {
		return 0, 0, errors.Errorf("malformed heart-beat header %q", header)
	}
	y, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || y < 0 {
		return 0, 0, errors.Errorf("malformed heart-beat header %q", header)
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// OutgoingRate is the negotiated period at which this side must send data
// (zero whenever the peer's cy value is zero, whatever the local floor).
func (h *Heartbeat) OutgoingRate() time.Duration { return h.outgoingRate }

// IncomingRate is the negotiated period at which this side expects to
// receive data (zero whenever the peer's cx value is zero, whatever the
// local floor).
func (h *Heartbeat) IncomingRate() time.Duration { return h.incomingRate }

// Start arms the negotiated timers. Calling Start with both rates zero is
// a no-op: neither side asked for heartbeats.
func (h *Heartbeat) Start() {
	if h.outgoingRate > 0 {
		h.cancelOutgoing = h.sched.SchedulePeriodic(h.outgoingRate, h.tickOutgoing)
	}
	if h.incomingRate > 0 {
		h.cancelIncoming = h.sched.SchedulePeriodic(h.incomingRate+h.incomingRate/2, h.tickIncoming)
	}
}

func (h *Heartbeat) tickOutgoing() {
	if h.sent.Swap(false) {
		return
	}
	h.host.SendBytes([]byte("\n"))
}

func (h *Heartbeat) tickIncoming() {
	if h.recv.Swap(false) {
		return
	}
	h.Stop()
	h.host.ReportError("heartbeat failure")
}

// SentData records that data (a frame or a heartbeat line) was sent since
// the last outgoing tick.
func (h *Heartbeat) SentData() { h.sent.Store(true) }

// ReceivedData records that data was received since the last incoming tick.
func (h *Heartbeat) ReceivedData() { h.recv.Store(true) }

// Stop cancels both timers. Safe to call more than once and safe to call
// when Start was never invoked.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		if h.cancelOutgoing != nil {
			h.cancelOutgoing()
		}
		if h.cancelIncoming != nil {
			h.cancelIncoming()
		}
	})
}
