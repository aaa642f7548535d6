package stomp

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/flexera-public/stomp-out/idgen"
	"github.com/flexera-public/stomp-out/internal/heartbeat"
	"github.com/flexera-public/stomp-out/jsoncodec"
	"github.com/flexera-public/stomp-out/schedule"
)

// ClientHost is what a Client needs from its embedder: a place to put
// outbound bytes and a set of lifecycle notifications for inbound frames.
// The Client never opens a socket and never blocks; every method here is
// called synchronously from inside Connect/Feed/Send/etc., except that
// heartbeat bytes (SendBytes) and heartbeat failures (OnError) come from
// the Scheduler's timer callback.
type ClientHost interface {
	// SendBytes delivers serialized frame (or heartbeat) bytes to the
	// wire. The embedder owns the transport.
	SendBytes(b []byte)
	// OnConnected fires once the CONNECTED frame has been processed.
	OnConnected(sessionID, serverName string)
	// OnMessage fires for each inbound MESSAGE frame. decoded is non-nil
	// only when AutoJSON is set and the body's content-type was
	// "application/json".
	OnMessage(frame *Frame, destination string, body []byte, decoded interface{})
	// OnReceipt fires when a RECEIPT frame arrives for a previously
	// requested receipt-id.
	OnReceipt(receiptID string)
	// OnError fires for ERROR frames from the peer as well as for any
	// protocol/application/internal error the engine itself raises.
	OnError(frame *Frame, err error)
}

// Options configures a Client for its whole lifetime.
type Options struct {
	// Host is the value sent as the CONNECT "host" header. Defaults to
	// "stomp" if empty.
	Host string
	// Receipt requests a receipt on every outbound command except CONNECT.
	// When it is false, a per-call Receipt option requests one for that
	// call only; a per-call option cannot turn it off.
	Receipt bool
	// AutoJSON decodes MESSAGE bodies whose content-type is
	// "application/json" and passes the decoded value to OnMessage.
	AutoJSON bool
	// MinSendInterval is this side's floor on how often it can guarantee
	// sending heartbeat data; zero disables the outgoing-floor guarantee.
	MinSendInterval time.Duration
	// DesiredReceiveInterval is this side's floor on how often it wishes
	// to receive heartbeat data.
	DesiredReceiveInterval time.Duration

	IDGenerator idgen.Generator
	Scheduler   schedule.Scheduler
	Codec       jsoncodec.Codec
	Logger      *logrus.Logger
}

// DefaultOptions returns an Options with production-sensible defaults: a
// random-UUID generator, a real-time scheduler, the standard JSON codec,
// and logrus's standard logger.
func DefaultOptions() Options {
	return Options{
		IDGenerator: idgen.UUID(),
		Scheduler:   schedule.NewReal(),
		Codec:       jsoncodec.Default(),
		Logger:      logrus.StandardLogger(),
	}
}

func (o *Options) applyDefaults() {
	if o.IDGenerator == nil {
		o.IDGenerator = idgen.UUID()
	}
	if o.Scheduler == nil {
		o.Scheduler = schedule.NewReal()
	}
	if o.Codec == nil {
		o.Codec = jsoncodec.Default()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// ConnectOptions customizes a Connect call.
type ConnectOptions struct {
	Login, Passcode string
	ExtraHeaders    map[string]string
}

// SendOptions customizes a Send call.
type SendOptions struct {
	ContentType  string
	Transaction  string
	Receipt      bool
	ExtraHeaders map[string]string
}

// SubscribeOptions customizes a Subscribe call.
type SubscribeOptions struct {
	Ack          string // AckAuto, AckClient, AckClientIndividual; defaults to AckAuto
	Receipt      bool
	ExtraHeaders map[string]string
}

// UnsubscribeOptions customizes an Unsubscribe call.
type UnsubscribeOptions struct {
	Receipt      bool
	ExtraHeaders map[string]string
}

// AckOptions customizes an Ack or Nack call.
type AckOptions struct {
	Transaction  string
	Receipt      bool
	ExtraHeaders map[string]string
}

// BeginOptions customizes a Begin call.
type BeginOptions struct {
	Receipt      bool
	ExtraHeaders map[string]string
}

// TxOptions customizes a Commit or Abort call.
type TxOptions struct {
	Receipt      bool
	ExtraHeaders map[string]string
}

// DisconnectOptions customizes a Disconnect call.
type DisconnectOptions struct {
	Receipt      bool
	ExtraHeaders map[string]string
}

type subscription struct {
	id   string
	dest string
	ack  string
}

// Client is a transport-independent STOMP client frame engine. It never
// opens a socket: the embedder feeds inbound bytes through Feed and
// receives outbound bytes through ClientHost.SendBytes.
type Client struct {
	mu sync.Mutex

	opts Options
	host ClientHost
	log  *logrus.Entry

	parser *Parser
	hb     *heartbeat.Heartbeat

	connected   bool
	version     Version
	sessionID   string
	serverName  string

	subsByDest map[string]*subscription
	ackToMsg   map[string]string
	openTx     map[string]bool
	receipts   map[string]bool

	nextSubID     uint64
	nextAckID     uint64
	nextTxID      uint64
	nextReceiptID uint64
}

// NewClient constructs a Client bound to host. Any zero-valued fields in
// opts are filled with production defaults.
func NewClient(host ClientHost, opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		opts:       opts,
		host:       host,
		log:        opts.Logger.WithField("component", "stomp.client"),
		parser:     NewParser(),
		subsByDest: make(map[string]*subscription),
		ackToMsg:   make(map[string]string),
		openTx:     make(map[string]bool),
		receipts:   make(map[string]bool),
	}
}

func (c *Client) nextID(counter *uint64, prefix string) string {
	*counter++
	return fmt.Sprintf("%s-%d", prefix, *counter)
}

// Connect emits a CONNECT frame. It fails with a ProtocolError if the
// client believes itself already connected.
func (c *Client) Connect(opts ConnectOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return NewProtocolError("Already connected")
	}

	host := c.opts.Host
	if host == "" {
		host = "stomp"
	}

	f := NewFrame("CONNECT", map[string]string{
		HdrAcceptVersion: AcceptVersionHeader,
		HdrHost:          host,
	}, nil)
	if opts.Login != "" {
		f.Set(HdrLogin, opts.Login)
	}
	if opts.Passcode != "" {
		f.Set(HdrPasscode, opts.Passcode)
	}
	if c.opts.MinSendInterval > 0 || c.opts.DesiredReceiveInterval > 0 {
		f.Set(HdrHeartBeat, fmt.Sprintf("%d,%d", c.opts.MinSendInterval.Milliseconds(), c.opts.DesiredReceiveInterval.Milliseconds()))
	}
	for k, v := range opts.ExtraHeaders {
		f.Set(k, v)
	}

	c.sendLocked(f)
	return nil
}

// Feed supplies inbound bytes to the engine. It drains every complete
// frame the Parser yields and dispatches each one; a panic anywhere in
// that path is recovered and reported through OnError rather than
// propagated to the caller.
func (c *Client) Feed(b []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = internalError(r)
			c.host.OnError(nil, err)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hb != nil {
		c.hb.ReceivedData()
	}

	if ferr := c.parser.Feed(b); ferr != nil {
		c.dispatchErrorLocked(nil, ferr)
		return nil
	}

	for {
		frame, ok := c.parser.Next()
		if !ok {
			return nil
		}
		c.handleFrameLocked(frame)
	}
}

func (c *Client) handleFrameLocked(f *Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.dispatchErrorLocked(f, internalError(r))
		}
	}()

	switch f.Command {
	case "HEARTBEAT":
	case "CONNECTED":
		c.handleConnectedLocked(f)
	case "MESSAGE":
		c.handleMessageLocked(f)
	case "RECEIPT":
		c.handleReceiptLocked(f)
	case "ERROR":
		c.host.OnError(f, &RemoteError{Frame: f})
	default:
		c.dispatchErrorLocked(f, NewProtocolError(fmt.Sprintf("Unhandled frame: %s", f.Command)).WithFrame(f))
	}
}

func (c *Client) dispatchErrorLocked(f *Frame, err error) {
	c.log.WithError(err).Warn("stomp client error")
	c.host.OnError(f, err)
}

func (c *Client) handleConnectedLocked(f *Frame) {
	c.version = Version(f.GetDefault(HdrVersion, string(V10)))
	c.sessionID = f.GetDefault(HdrSession, "")
	c.serverName = f.GetDefault(HdrServer, "")

	if rate, ok := f.Get(HdrHeartBeat); ok {
		host := &clientHeartbeatHost{c: c}
		hb, err := heartbeat.New(host, c.opts.Scheduler, rate, c.opts.MinSendInterval, c.opts.DesiredReceiveInterval)
		if err != nil {
			c.dispatchErrorLocked(f, NewProtocolError("Invalid heart-beat header").WithFrame(f).WithCause(err))
		} else {
			c.hb = hb
			c.hb.Start()
		}
	}

	c.connected = true
	c.host.OnConnected(c.sessionID, c.serverName)
}

func (c *Client) handleMessageLocked(f *Frame) {
	specs := []HeaderSpec{Req(HdrDestination), Req(HdrMessageID), Req(HdrSubscription, V10)}
	if err := f.Require(c.version, specs...); err != nil {
		c.dispatchErrorLocked(f, err)
		return
	}

	dest, _ := f.Get(HdrDestination)
	sub, ok := c.subsByDest[dest]
	if !ok {
		c.dispatchErrorLocked(f, NewApplicationError("Message for unknown subscription").WithFrame(f))
		return
	}
	if c.version != V10 {
		if subID, _ := f.Get(HdrSubscription); subID != sub.id {
			c.dispatchErrorLocked(f, NewApplicationError("Message subscription id mismatch").WithFrame(f))
			return
		}
	}

	if sub.ack != AckAuto {
		var ackID string
		if c.version == V12 {
			ackID, _ = f.Get(HdrAck)
		}
		if ackID == "" {
			ackID = c.nextID(&c.nextAckID, "ack")
		}
		if _, dup := c.ackToMsg[ackID]; dup {
			c.dispatchErrorLocked(f, NewApplicationError("Duplicate ack id").WithFrame(f))
			return
		}
		msgID, _ := f.Get(HdrMessageID)
		c.ackToMsg[ackID] = msgID
	}

	var decoded interface{}
	if c.opts.AutoJSON {
		if ct, _ := f.Get(HdrContentType); ct == "application/json" {
			var v interface{}
			if err := c.opts.Codec.Decode(f.Body, &v); err == nil {
				decoded = v
			}
		}
	}

	c.host.OnMessage(f, dest, f.Body, decoded)
}

func (c *Client) handleReceiptLocked(f *Frame) {
	if err := f.Require(c.version, Req(HdrReceiptID)); err != nil {
		c.dispatchErrorLocked(f, err)
		return
	}
	id, _ := f.Get(HdrReceiptID)
	if !c.receipts[id] {
		c.dispatchErrorLocked(f, NewApplicationError("Receipt for unknown id").WithFrame(f))
		return
	}
	delete(c.receipts, id)
	c.host.OnReceipt(id)
}

func (c *Client) sendLocked(f *Frame) {
	b := f.Serialize()
	c.host.SendBytes(b)
	if c.hb != nil {
		c.hb.SentData()
	}
}

func (c *Client) attachReceipt(f *Frame, requested bool) string {
	if !requested && !c.opts.Receipt {
		return ""
	}
	id := c.nextID(&c.nextReceiptID, "receipt")
	f.Set(HdrReceipt, id)
	c.receipts[id] = true
	return id
}

func (c *Client) requireConnectedLocked() error {
	if !c.connected {
		return NewProtocolError("Not connected")
	}
	return nil
}

// Send emits a SEND frame for dest.
func (c *Client) Send(dest string, body []byte, opts SendOptions) (receiptID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireConnectedLocked(); err != nil {
		return "", err
	}

	f := NewFrame("SEND", map[string]string{HdrDestination: dest}, body)
	if opts.ContentType != "" {
		f.Set(HdrContentType, opts.ContentType)
	}
	if opts.Transaction != "" {
		f.Set(HdrTransaction, opts.Transaction)
	}
	for k, v := range opts.ExtraHeaders {
		f.Set(k, v)
	}
	receiptID = c.attachReceipt(f, opts.Receipt)
	c.sendLocked(f)
	return receiptID, nil
}

func validAckModeForVersion(mode string) bool {
	switch mode {
	case AckAuto, AckClient, AckClientIndividual:
		return true
	default:
		return false
	}
}

// Subscribe emits a SUBSCRIBE frame for dest.
func (c *Client) Subscribe(dest string, opts SubscribeOptions) (receiptID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireConnectedLocked(); err != nil {
		return "", err
	}
	if _, exists := c.subsByDest[dest]; exists {
		return "", NewApplicationError(fmt.Sprintf("Already subscribed to %s", dest))
	}

	ack := opts.Ack
	if ack == "" {
		ack = AckAuto
	}
	if !validAckModeForVersion(ack) {
		return "", NewProtocolError(fmt.Sprintf("Invalid ack mode %q", ack))
	}

	id := c.nextID(&c.nextSubID, "sub")
	f := NewFrame("SUBSCRIBE", map[string]string{
		HdrID:          id,
		HdrDestination: dest,
		HdrAck:         ack,
	}, nil)
	for k, v := range opts.ExtraHeaders {
		f.Set(k, v)
	}
	receiptID = c.attachReceipt(f, opts.Receipt)

	c.subsByDest[dest] = &subscription{id: id, dest: dest, ack: ack}
	c.sendLocked(f)
	return receiptID, nil
}

// Unsubscribe emits an UNSUBSCRIBE frame for dest.
func (c *Client) Unsubscribe(dest string, opts UnsubscribeOptions) (receiptID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireConnectedLocked(); err != nil {
		return "", err
	}
	sub, ok := c.subsByDest[dest]
	if !ok {
		return "", NewApplicationError(fmt.Sprintf("Not subscribed to %s", dest))
	}

	headers := map[string]string{HdrID: sub.id}
	if c.version == V10 {
		headers[HdrDestination] = dest
	}
	f := NewFrame("UNSUBSCRIBE", headers, nil)
	for k, v := range opts.ExtraHeaders {
		f.Set(k, v)
	}
	receiptID = c.attachReceipt(f, opts.Receipt)

	delete(c.subsByDest, dest)
	c.sendLocked(f)
	return receiptID, nil
}

func (c *Client) ackOrNack(command, ackID string, opts AckOptions) (receiptID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireConnectedLocked(); err != nil {
		return "", err
	}
	if command == "NACK" && c.version == V10 {
		return "", NewProtocolError("NACK is not supported on STOMP 1.0")
	}

	headers := map[string]string{}
	if c.version == V10 {
		msgID, ok := c.ackToMsg[ackID]
		if !ok {
			return "", NewApplicationError(fmt.Sprintf("Unknown ack id %s", ackID))
		}
		headers[HdrMessageID] = msgID
	} else {
		if _, ok := c.ackToMsg[ackID]; !ok {
			return "", NewApplicationError(fmt.Sprintf("Unknown ack id %s", ackID))
		}
		headers[HdrID] = ackID
	}
	if opts.Transaction != "" {
		headers[HdrTransaction] = opts.Transaction
	}

	f := NewFrame(command, headers, nil)
	for k, v := range opts.ExtraHeaders {
		f.Set(k, v)
	}
	receiptID = c.attachReceipt(f, opts.Receipt)

	delete(c.ackToMsg, ackID)
	c.sendLocked(f)
	return receiptID, nil
}

// Ack emits an ACK frame for a previously delivered message.
func (c *Client) Ack(ackID string, opts AckOptions) (receiptID string, err error) {
	return c.ackOrNack("ACK", ackID, opts)
}

// Nack emits a NACK frame for a previously delivered message. Fails with a
// ProtocolError on a 1.0 connection, where NACK does not exist.
func (c *Client) Nack(ackID string, opts AckOptions) (receiptID string, err error) {
	return c.ackOrNack("NACK", ackID, opts)
}

// Begin emits a BEGIN frame, allocating a new transaction id.
func (c *Client) Begin(opts BeginOptions) (txID string, receiptID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireConnectedLocked(); err != nil {
		return "", "", err
	}

	txID = c.nextID(&c.nextTxID, "tx")
	f := NewFrame("BEGIN", map[string]string{HdrTransaction: txID}, nil)
	for k, v := range opts.ExtraHeaders {
		f.Set(k, v)
	}
	receiptID = c.attachReceipt(f, opts.Receipt)

	c.openTx[txID] = true
	c.sendLocked(f)
	return txID, receiptID, nil
}

func (c *Client) endTx(command, txID string, opts TxOptions) (receiptID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireConnectedLocked(); err != nil {
		return "", err
	}
	if !c.openTx[txID] {
		return "", NewApplicationError(fmt.Sprintf("Unknown transaction %s", txID))
	}

	f := NewFrame(command, map[string]string{HdrTransaction: txID}, nil)
	for k, v := range opts.ExtraHeaders {
		f.Set(k, v)
	}
	receiptID = c.attachReceipt(f, opts.Receipt)

	delete(c.openTx, txID)
	c.sendLocked(f)
	return receiptID, nil
}

// Commit emits a COMMIT frame for txID.
func (c *Client) Commit(txID string, opts TxOptions) (receiptID string, err error) {
	return c.endTx("COMMIT", txID, opts)
}

// Abort emits an ABORT frame for txID.
func (c *Client) Abort(txID string, opts TxOptions) (receiptID string, err error) {
	return c.endTx("ABORT", txID, opts)
}

// Disconnect emits a DISCONNECT frame, stops the heartbeat, and clears the
// connected flag.
func (c *Client) Disconnect(opts DisconnectOptions) (receiptID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireConnectedLocked(); err != nil {
		return "", err
	}

	f := NewFrame("DISCONNECT", nil, nil)
	for k, v := range opts.ExtraHeaders {
		f.Set(k, v)
	}
	receiptID = c.attachReceipt(f, opts.Receipt)

	if c.hb != nil {
		c.hb.Stop()
		c.hb = nil
	}
	c.connected = false
	c.clearSessionStateLocked()
	c.sendLocked(f)
	return receiptID, nil
}

// clearSessionStateLocked discards everything scoped to the current
// connection: buffered transactions, subscriptions, and pending ack and
// receipt correlations. A reused Client starts its next Connect with no
// carryover from the prior session.
func (c *Client) clearSessionStateLocked() {
	c.openTx = make(map[string]bool)
	c.subsByDest = make(map[string]*subscription)
	c.ackToMsg = make(map[string]string)
	c.receipts = make(map[string]bool)
}

// clientHeartbeatHost adapts a Client to heartbeat.Host, routing heartbeat
// send requests through the client's own byte sink and routing heartbeat
// failures through the client's error-dispatch path.
type clientHeartbeatHost struct {
	c *Client
}

func (h *clientHeartbeatHost) SendBytes(b []byte) {
	h.c.host.SendBytes(b)
}

func (h *clientHeartbeatHost) ReportError(message string) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.c.dispatchErrorLocked(nil, errors.New(message))
}
