package stomp

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flexera-public/stomp-out/idgen"
	"github.com/flexera-public/stomp-out/internal/heartbeat"
	"github.com/flexera-public/stomp-out/jsoncodec"
	"github.com/flexera-public/stomp-out/schedule"
)

// ServerHost is what a Server needs from its embedder.
type ServerHost interface {
	SendBytes(b []byte)
	// OnConnect authorizes a CONNECT/STOMP attempt. A non-empty returned
	// session id overrides the generated one; ok=false rejects the login.
	OnConnect(frame *Frame, login, passcode, host, sessionID string) (acceptedSessionID string, ok bool)
	OnMessage(frame *Frame, destination string, body []byte, contentType string)
	OnSubscribe(frame *Frame, id, destination, ack string)
	OnUnsubscribe(frame *Frame, id, destination string)
	OnAck(frame *Frame, ackID string)
	OnNack(frame *Frame, ackID string)
	OnError(frame *Frame, err error)
	OnDisconnect(frame *Frame, reason string)
}

// ServerOptions configures a Server for its whole lifetime.
type ServerOptions struct {
	// ServerName, if set, is sent as the CONNECTED "server" header.
	ServerName string
	// ServerVersion, if set, is appended to ServerName as "<name>/<ver>".
	ServerVersion string

	MinSendInterval        time.Duration // default 5000ms
	DesiredReceiveInterval time.Duration // default 60000ms

	AutoJSON bool

	IDGenerator idgen.Generator
	Scheduler   schedule.Scheduler
	Codec       jsoncodec.Codec
	Logger      *logrus.Logger
}

func (o *ServerOptions) applyDefaults() {
	if o.MinSendInterval == 0 {
		o.MinSendInterval = 5000 * time.Millisecond
	}
	if o.DesiredReceiveInterval == 0 {
		o.DesiredReceiveInterval = 60000 * time.Millisecond
	}
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

// DefaultServerOptions returns a ServerOptions with production-sensible
// defaults.
func DefaultServerOptions() ServerOptions {
	o := ServerOptions{}
	o.applyDefaults()
	return o
}

type serverSubscription struct {
	id   string
	dest string
	ack  string
}

// Server is a transport-independent STOMP server frame engine for a single
// connection. Like Client, it never opens a socket: bytes arrive through
// Feed and leave through ServerHost.SendBytes.
type Server struct {
	mu sync.Mutex

	opts ServerOptions
	host ServerHost
	log  *logrus.Entry

	parser *Parser
	hb     *heartbeat.Heartbeat

	connected  bool
	version    Version
	sessionID  string

	subsByDest map[string]*serverSubscription
	subsByID   map[string]*serverSubscription
	msgToAckID map[string]string
	openTx     map[string][]*Frame
}

// NewServer constructs a Server bound to host.
func NewServer(host ServerHost, opts ServerOptions) *Server {
	opts.applyDefaults()
	return &Server{
		opts:       opts,
		host:       host,
		log:        opts.Logger.WithField("component", "stomp.server"),
		parser:     NewParser(),
		subsByDest: make(map[string]*serverSubscription),
		subsByID:   make(map[string]*serverSubscription),
		msgToAckID: make(map[string]string),
		openTx:     make(map[string][]*Frame),
	}
}

// Feed supplies inbound bytes to the engine.
func (s *Server) Feed(b []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cause := internalError(r)
			s.emitInternalError()
			s.host.OnError(nil, cause)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hb != nil {
		s.hb.ReceivedData()
	}

	if ferr := s.parser.Feed(b); ferr != nil {
		s.reportErrorLocked(nil, ferr)
		return nil
	}

	for {
		frame, ok := s.parser.Next()
		if !ok {
			return nil
		}
		s.dispatchLocked(frame)
	}
}

func (s *Server) dispatchLocked(f *Frame) {
	defer func() {
		if r := recover(); r != nil {
			cause := internalError(r)
			s.emitInternalErrorLocked()
			s.host.OnError(f, cause)
		}
	}()

	if f.Command == "HEARTBEAT" {
		return
	}

	if !isKnownCommand(f.Command) {
		s.reportErrorLocked(f, NewProtocolError(fmt.Sprintf("Unknown command %s", f.Command)).WithFrame(f))
		return
	}

	if !s.connected && f.Command != "CONNECT" && f.Command != "STOMP" {
		s.reportErrorLocked(f, NewProtocolError("Not connected").WithFrame(f))
		return
	}

	if tx, ok := f.Get(HdrTransaction); ok && f.Command != "BEGIN" && f.Command != "COMMIT" && f.Command != "ABORT" {
		if !isTransactable(f.Command) {
			s.reportErrorLocked(f, NewProtocolError("Transaction not permitted").WithFrame(f))
			return
		}
		buf, exists := s.openTx[tx]
		if !exists {
			s.reportErrorLocked(f, NewProtocolError(fmt.Sprintf("Unknown transaction %s", tx)).WithFrame(f))
			return
		}
		s.openTx[tx] = append(buf, f)
		return
	}

	s.execLocked(f)

	if receiptID, ok := f.Get(HdrReceipt); ok && f.Command != "CONNECT" && f.Command != "STOMP" {
		s.sendFrameLocked(NewFrame("RECEIPT", map[string]string{HdrReceiptID: receiptID}, nil))
	}
}

func isKnownCommand(cmd string) bool {
	switch cmd {
	case "CONNECT", "STOMP", "SEND", "SUBSCRIBE", "UNSUBSCRIBE", "ACK", "NACK",
		"BEGIN", "COMMIT", "ABORT", "DISCONNECT":
		return true
	default:
		return false
	}
}

func isTransactable(cmd string) bool {
	switch cmd {
	case "SEND", "ACK", "NACK", "BEGIN", "COMMIT", "ABORT":
		return true
	default:
		return false
	}
}

func (s *Server) execLocked(f *Frame) {
	switch f.Command {
	case "CONNECT", "STOMP":
		s.handleConnectLocked(f)
	case "SEND":
		s.handleSendLocked(f)
	case "SUBSCRIBE":
		s.handleSubscribeLocked(f)
	case "UNSUBSCRIBE":
		s.handleUnsubscribeLocked(f)
	case "ACK":
		s.handleAckOrNackLocked(f, true)
	case "NACK":
		s.handleAckOrNackLocked(f, false)
	case "BEGIN":
		s.handleBeginLocked(f)
	case "COMMIT":
		s.handleCommitLocked(f)
	case "ABORT":
		s.handleAbortLocked(f)
	case "DISCONNECT":
		s.connected = false
		if s.hb != nil {
			s.hb.Stop()
			s.hb = nil
		}
		s.clearSessionStateLocked()
		s.host.OnDisconnect(f, "client request")
	}
}

func negotiateVersion(accept string) (Version, error) {
	if accept == "" {
		return V10, nil
	}
	offered := map[Version]bool{}
	for _, v := range splitComma(accept) {
		offered[Version(v)] = true
	}
	for i := len(SupportedVersions) - 1; i >= 0; i-- {
		if offered[SupportedVersions[i]] {
			return SupportedVersions[i], nil
		}
	}
	return "", NewProtocolError("Incompatible version").WithHeader(HdrVersion, AcceptVersionHeader)
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, trimSpace(s[start:i]))
			start = i + 1
		}
	}
	out = append(out, trimSpace(s[start:]))
	return out
}

func (s *Server) handleConnectLocked(f *Frame) {
	if s.connected {
		s.reportErrorLocked(f, NewProtocolError("Already connected").WithFrame(f))
		return
	}
	if _, hasReceipt := f.Get(HdrReceipt); hasReceipt {
		s.reportErrorLocked(f, NewProtocolError("receipt not valid on CONNECT").WithFrame(f))
		return
	}

	version, verr := negotiateVersion(f.GetDefault(HdrAcceptVersion, ""))
	if verr != nil {
		s.reportErrorLocked(f, verr)
		return
	}

	if err := f.Require(version, Req(HdrHost, V10)); err != nil {
		s.reportErrorLocked(f, err)
		return
	}

	login := f.GetDefault(HdrLogin, "")
	passcode := f.GetDefault(HdrPasscode, "")
	host := f.GetDefault(HdrHost, "")
	generatedID := s.opts.IDGenerator.NewID()

	acceptedID, ok := s.host.OnConnect(f, login, passcode, host, generatedID)
	if !ok {
		s.reportErrorLocked(f, NewProtocolError("Invalid login").WithFrame(f))
		return
	}
	if acceptedID == "" {
		acceptedID = generatedID
	}

	resp := NewFrame("CONNECTED", map[string]string{
		HdrVersion: string(version),
		HdrSession: acceptedID,
	}, nil)

	if rate, hasRate := f.Get(HdrHeartBeat); hasRate {
		h := &serverHeartbeatHost{s: s}
		hb, herr := heartbeat.New(h, s.opts.Scheduler, rate, s.opts.MinSendInterval, s.opts.DesiredReceiveInterval)
		if herr != nil {
			s.reportErrorLocked(f, NewProtocolError("Invalid heart-beat header").WithFrame(f).WithCause(herr))
			return
		}
		s.hb = hb
		resp.Set(HdrHeartBeat, fmt.Sprintf("%d,%d", hb.OutgoingRate().Milliseconds(), hb.IncomingRate().Milliseconds()))
	}

	s.version = version
	s.sessionID = acceptedID
	s.connected = true

	if s.opts.ServerName != "" {
		name := s.opts.ServerName
		if s.opts.ServerVersion != "" {
			name = fmt.Sprintf("%s/%s", name, s.opts.ServerVersion)
		}
		resp.Set(HdrServer, name)
	}

	s.sendFrameLocked(resp)
	if s.hb != nil {
		s.hb.Start()
	}
}

func (s *Server) handleSendLocked(f *Frame) {
	if err := f.Require(s.version, Req(HdrDestination)); err != nil {
		s.reportErrorLocked(f, err)
		return
	}
	dest, _ := f.Get(HdrDestination)
	ct := f.GetDefault(HdrContentType, "text/plain")
	s.host.OnMessage(f, dest, f.Body, ct)
}

func allowedAckModes(version Version) map[string]bool {
	if version == V10 {
		return map[string]bool{AckAuto: true, AckClient: true}
	}
	return map[string]bool{AckAuto: true, AckClient: true, AckClientIndividual: true}
}

func (s *Server) handleSubscribeLocked(f *Frame) {
	if err := f.Require(s.version, Req(HdrDestination), Req(HdrID, V10)); err != nil {
		s.reportErrorLocked(f, err)
		return
	}
	dest, _ := f.Get(HdrDestination)
	id, hasID := f.Get(HdrID)
	if !hasID {
		id = s.opts.IDGenerator.NewID()
	}
	ack := f.GetDefault(HdrAck, AckAuto)
	if !allowedAckModes(s.version)[ack] {
		s.reportErrorLocked(f, NewProtocolError(fmt.Sprintf("Invalid ack mode %q", ack)).WithFrame(f))
		return
	}

	sub := &serverSubscription{id: id, dest: dest, ack: ack}
	s.subsByDest[dest] = sub
	s.subsByID[id] = sub
	s.host.OnSubscribe(f, id, dest, ack)
}

func (s *Server) handleUnsubscribeLocked(f *Frame) {
	id, hasID := f.Get(HdrID)
	if !hasID && s.version == V10 {
		if dest, hasDest := f.Get(HdrDestination); hasDest {
			if sub, ok := s.subsByDest[dest]; ok {
				id = sub.id
				hasID = true
			}
		}
	}
	if !hasID {
		s.reportErrorLocked(f, NewProtocolError("Missing 'id' header").WithFrame(f))
		return
	}

	sub, ok := s.subsByID[id]
	if !ok {
		s.reportErrorLocked(f, NewProtocolError("Subscription not found").WithFrame(f))
		return
	}
	delete(s.subsByID, id)
	delete(s.subsByDest, sub.dest)
	s.host.OnUnsubscribe(f, sub.id, sub.dest)
}

func (s *Server) handleAckOrNackLocked(f *Frame, isAck bool) {
	if !isAck && s.version == V10 {
		s.reportErrorLocked(f, NewProtocolError("Invalid command").WithFrame(f))
		return
	}

	var ackID string
	if s.version == V12 {
		if err := f.Require(s.version, Req(HdrID)); err != nil {
			s.reportErrorLocked(f, err)
			return
		}
		ackID, _ = f.Get(HdrID)
	} else {
		if err := f.Require(s.version, Req(HdrMessageID)); err != nil {
			s.reportErrorLocked(f, err)
			return
		}
		messageID, _ := f.Get(HdrMessageID)
		var ok bool
		ackID, ok = s.msgToAckID[messageID]
		if !ok {
			s.reportErrorLocked(f, NewApplicationError(fmt.Sprintf("Unknown message-id %s", messageID)).WithFrame(f))
			return
		}
		delete(s.msgToAckID, messageID)
	}

	if isAck {
		s.host.OnAck(f, ackID)
	} else {
		s.host.OnNack(f, ackID)
	}
}

func (s *Server) handleBeginLocked(f *Frame) {
	if err := f.Require(s.version, Req(HdrTransaction)); err != nil {
		s.reportErrorLocked(f, err)
		return
	}
	tx, _ := f.Get(HdrTransaction)
	if _, exists := s.openTx[tx]; exists {
		s.reportErrorLocked(f, NewProtocolError(fmt.Sprintf("Transaction %s already exists", tx)).WithFrame(f))
		return
	}
	s.openTx[tx] = nil
}

func (s *Server) handleCommitLocked(f *Frame) {
	if err := f.Require(s.version, Req(HdrTransaction)); err != nil {
		s.reportErrorLocked(f, err)
		return
	}
	tx, _ := f.Get(HdrTransaction)
	buffered, exists := s.openTx[tx]
	if !exists {
		s.reportErrorLocked(f, NewProtocolError(fmt.Sprintf("Unknown transaction %s", tx)).WithFrame(f))
		return
	}
	delete(s.openTx, tx)

	for _, buf := range buffered {
		replay := NewFrame(buf.Command, copyHeaders(buf.Headers), buf.Body)
		delete(replay.Headers, HdrTransaction)
		s.dispatchLocked(replay)
	}
}

func (s *Server) handleAbortLocked(f *Frame) {
	if err := f.Require(s.version, Req(HdrTransaction)); err != nil {
		s.reportErrorLocked(f, err)
		return
	}
	tx, _ := f.Get(HdrTransaction)
	if _, exists := s.openTx[tx]; !exists {
		s.reportErrorLocked(f, NewProtocolError(fmt.Sprintf("Unknown transaction %s", tx)).WithFrame(f))
		return
	}
	delete(s.openTx, tx)
}

// clearSessionStateLocked discards everything scoped to the current
// connection: buffered transactions, subscriptions, and pending ack
// correlations. A reused Server starts its next CONNECT with no carryover
// from the prior session.
func (s *Server) clearSessionStateLocked() {
	s.openTx = make(map[string][]*Frame)
	s.subsByDest = make(map[string]*serverSubscription)
	s.subsByID = make(map[string]*serverSubscription)
	s.msgToAckID = make(map[string]string)
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (s *Server) sendFrameLocked(f *Frame) {
	b := f.Serialize()
	s.host.SendBytes(b)
	if s.hb != nil {
		s.hb.SentData()
	}
}

func (s *Server) reportErrorLocked(f *Frame, err error) {
	s.log.WithError(err).Warn("stomp server error")
	s.emitErrorFrameLocked(f, err)
	s.host.OnError(f, err)
}

func (s *Server) emitErrorFrameLocked(triggering *Frame, err error) {
	headers := map[string]string{}
	message := err.Error()
	var body []byte

	switch e := err.(type) {
	case *ProtocolError:
		message = e.Message
		if e.Headers != nil {
			for k, v := range e.Headers {
				headers[k] = v
			}
		}
	case *ApplicationError:
		message = e.Message
		for k, v := range e.Headers {
			headers[k] = v
		}
	}
	headers[HdrMessage] = message

	if triggering != nil {
		if rid, ok := triggering.Get(HdrReceipt); ok && triggering.Command != "CONNECT" && triggering.Command != "STOMP" {
			headers[HdrReceiptID] = rid
		}
		raw := triggering.Serialize()
		body = []byte(fmt.Sprintf("Failed frame:\n-----\n%s\n-----", trimTrailingNUL(raw)))
	}

	s.sendFrameLocked(NewFrame("ERROR", headers, body))
}

// trimTrailingNUL strips the NUL that terminates a serialized frame together
// with the newline Serialize appends after it, so the embedded frame in an
// ERROR body ends with its blank header-terminating line.
func trimTrailingNUL(b []byte) string {
	s := string(b)
	if i := len(s) - 1; i >= 0 && s[i] == '\n' {
		s = s[:i]
	}
	if i := len(s) - 1; i >= 0 && s[i] == 0 {
		s = s[:i]
	}
	return s
}

func (s *Server) emitInternalError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitInternalErrorLocked()
}

func (s *Server) emitInternalErrorLocked() {
	defer func() { recover() }()
	s.sendFrameLocked(NewFrame("ERROR", map[string]string{HdrMessage: "Internal STOMP server error"}, nil))
}

// Message constructs and sends a MESSAGE frame to the embedder's peer.
func (s *Server) Message(headers map[string]string, body []byte) (messageID string, ackID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return "", "", NewProtocolError("Not connected")
	}

	h := copyHeaders(headers)
	dest, hasDest := h[HdrDestination]
	if !hasDest {
		return "", "", NewProtocolError("Missing 'destination' header")
	}
	if s.version != V10 {
		if _, hasSub := h[HdrSubscription]; !hasSub {
			return "", "", NewProtocolError("Missing 'subscription' header")
		}
	}

	sub, ok := s.subsByDest[dest]
	if !ok {
		return "", "", NewApplicationError(fmt.Sprintf("No subscription for %s", dest))
	}
	if s.version != V10 {
		if h[HdrSubscription] != sub.id {
			return "", "", NewApplicationError("Subscription id mismatch")
		}
	} else {
		h[HdrSubscription] = sub.id
	}

	messageID = h[HdrMessageID]
	if messageID == "" {
		messageID = s.opts.IDGenerator.NewID()
		h[HdrMessageID] = messageID
	}

	if sub.ack != AckAuto {
		if s.version == V12 {
			ackID = h[HdrAck]
			if ackID == "" {
				ackID = s.opts.IDGenerator.NewID()
				h[HdrAck] = ackID
			}
		} else {
			ackID = h[HdrAck]
			if ackID == "" {
				ackID = s.opts.IDGenerator.NewID()
			}
			delete(h, HdrAck)
			s.msgToAckID[messageID] = ackID
		}
	}

	f := NewFrame("MESSAGE", h, body)
	s.sendFrameLocked(f)
	return messageID, ackID, nil
}

// Error serializes an ERROR frame from a ProtocolError or ApplicationError
// (or any other error, as a generic internal failure) and notifies the
// embedder.
func (s *Server) Error(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var triggering *Frame
	switch e := err.(type) {
	case *ProtocolError:
		triggering = e.Frame
	case *ApplicationError:
		triggering = e.Frame
	default:
		s.emitInternalErrorLocked()
		s.host.OnError(nil, err)
		return nil
	}
	s.emitErrorFrameLocked(triggering, err)
	s.host.OnError(triggering, err)
	return nil
}

// Disconnect stops the heartbeat and marks the connection closed. Safe to
// call more than once.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hb != nil {
		s.hb.Stop()
		s.hb = nil
	}
	s.connected = false
	s.clearSessionStateLocked()
}

type serverHeartbeatHost struct {
	s *Server
}

func (h *serverHeartbeatHost) SendBytes(b []byte) {
	h.s.host.SendBytes(b)
}

func (h *serverHeartbeatHost) ReportError(message string) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.reportErrorLocked(nil, NewProtocolError(message))
}
