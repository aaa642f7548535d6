package stomp

import (
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexera-public/stomp-out/idgen"
	"github.com/flexera-public/stomp-out/schedule"
)

type fakeClientHost struct {
	sent       [][]byte
	connected  []string
	messages   []*Frame
	receipts   []string
	errs       []error
}

func (h *fakeClientHost) SendBytes(b []byte) { h.sent = append(h.sent, append([]byte{}, b...)) }
func (h *fakeClientHost) OnConnected(sessionID, serverName string) {
	h.connected = append(h.connected, sessionID+"|"+serverName)
}
func (h *fakeClientHost) OnMessage(frame *Frame, destination string, body []byte, decoded interface{}) {
	h.messages = append(h.messages, frame)
}
func (h *fakeClientHost) OnReceipt(receiptID string) { h.receipts = append(h.receipts, receiptID) }
func (h *fakeClientHost) OnError(frame *Frame, err error) { h.errs = append(h.errs, err) }

func newTestClient() (*Client, *fakeClientHost) {
	host := &fakeClientHost{}
	opts := Options{
		IDGenerator: idgen.Sequential("id"),
		Scheduler:   schedule.New(fakeclock.NewFakeClock(time.Now())),
	}
	opts.applyDefaults()
	c := NewClient(host, opts)
	return c, host
}

func connectAndAccept(t *testing.T, c *Client, host *fakeClientHost, version Version) {
	t.Helper()
	require.NoError(t, c.Connect(ConnectOptions{}))
	require.Len(t, host.sent, 1)

	connected := NewFrame("CONNECTED", map[string]string{
		HdrVersion: string(version),
		HdrSession: "sess-1",
	}, nil)
	require.NoError(t, c.Feed(connected.Serialize()))
	require.Len(t, host.connected, 1)
}

func TestConnectEmitsAcceptVersionAndHost(t *testing.T) {
	c, host := newTestClient()
	require.NoError(t, c.Connect(ConnectOptions{}))
	require.Len(t, host.sent, 1)

	f := decodeOne(t, host.sent[0])
	assert.Equal(t, "CONNECT", f.Command)
	av, _ := f.Get(HdrAcceptVersion)
	assert.Equal(t, AcceptVersionHeader, av)
	h, _ := f.Get(HdrHost)
	assert.Equal(t, "stomp", h)
}

func TestConnectTwiceFails(t *testing.T) {
	c, _ := newTestClient()
	require.NoError(t, c.Connect(ConnectOptions{}))
	require.NoError(t, c.Feed(NewFrame("CONNECTED", map[string]string{HdrVersion: string(V12)}, nil).Serialize()))
	err := c.Connect(ConnectOptions{})
	assert.Error(t, err)
	_, ok := err.(*ProtocolError)
	assert.True(t, ok)
}

func TestCommandsFailBeforeConnect(t *testing.T) {
	c, _ := newTestClient()
	_, err := c.Send("/queue/a", nil, SendOptions{})
	assert.Error(t, err)
}

func TestSubscribeAndMessageDispatch(t *testing.T) {
	c, host := newTestClient()
	connectAndAccept(t, c, host, V12)

	_, err := c.Subscribe("/queue/a", SubscribeOptions{Ack: AckClient})
	require.NoError(t, err)

	msg := NewFrame("MESSAGE", map[string]string{
		HdrDestination:   "/queue/a",
		HdrMessageID:     "m1",
		HdrSubscription:  "sub-1",
		HdrAck:           "ack-1",
	}, []byte("hello"))
	require.NoError(t, c.Feed(msg.Serialize()))

	require.Len(t, host.messages, 1)
	assert.Equal(t, "/queue/a", host.messages[0].GetDefault(HdrDestination, ""))
}

func TestDuplicateSubscribeIsRejected(t *testing.T) {
	c, host := newTestClient()
	connectAndAccept(t, c, host, V12)

	_, err := c.Subscribe("/queue/a", SubscribeOptions{})
	require.NoError(t, err)
	_, err = c.Subscribe("/queue/a", SubscribeOptions{})
	assert.Error(t, err)
}

func TestAckRequiresKnownID(t *testing.T) {
	c, host := newTestClient()
	connectAndAccept(t, c, host, V12)
	_, err := c.Ack("nope", AckOptions{})
	assert.Error(t, err)
}

func TestNackRejectedOnV10(t *testing.T) {
	c, host := newTestClient()
	connectAndAccept(t, c, host, V10)
	_, err := c.Nack("whatever", AckOptions{})
	require.Error(t, err)
	_, ok := err.(*ProtocolError)
	assert.True(t, ok)
}

func TestReceiptRoundTrip(t *testing.T) {
	c, host := newTestClient()
	connectAndAccept(t, c, host, V12)

	receiptID, err := c.Send("/queue/a", []byte("x"), SendOptions{Receipt: true})
	require.NoError(t, err)
	require.NotEmpty(t, receiptID)

	receipt := NewFrame("RECEIPT", map[string]string{HdrReceiptID: receiptID}, nil)
	require.NoError(t, c.Feed(receipt.Serialize()))
	require.Len(t, host.receipts, 1)
	assert.Equal(t, receiptID, host.receipts[0])
}

func TestUnknownReceiptIsApplicationError(t *testing.T) {
	c, host := newTestClient()
	connectAndAccept(t, c, host, V12)

	receipt := NewFrame("RECEIPT", map[string]string{HdrReceiptID: "ghost"}, nil)
	require.NoError(t, c.Feed(receipt.Serialize()))
	require.Len(t, host.errs, 1)
	_, ok := host.errs[0].(*ApplicationError)
	assert.True(t, ok)
}

func TestBeginCommitAbort(t *testing.T) {
	c, host := newTestClient()
	connectAndAccept(t, c, host, V12)

	txID, _, err := c.Begin(BeginOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, txID)

	_, err = c.Commit(txID, TxOptions{})
	require.NoError(t, err)

	_, err = c.Commit(txID, TxOptions{})
	assert.Error(t, err)

	abortID, _, err := c.Begin(BeginOptions{})
	require.NoError(t, err)
	_, err = c.Abort(abortID, TxOptions{})
	require.NoError(t, err)
	_, err = c.Abort(abortID, TxOptions{})
	assert.Error(t, err)
}

func TestErrorFrameSurfacesAsRemoteError(t *testing.T) {
	c, host := newTestClient()
	connectAndAccept(t, c, host, V12)

	errFrame := NewFrame("ERROR", map[string]string{HdrMessage: "bad request"}, nil)
	require.NoError(t, c.Feed(errFrame.Serialize()))
	require.Len(t, host.errs, 1)
	_, ok := host.errs[0].(*RemoteError)
	assert.True(t, ok)
}

func decodeOne(t *testing.T, b []byte) *Frame {
	t.Helper()
	p := NewParser()
	require.NoError(t, p.Feed(b))
	f, ok := p.Next()
	require.True(t, ok)
	return f
}
