package stomp

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Version identifies a negotiated STOMP protocol version.
type Version string

const (
	V10 Version = "1.0"
	V11 Version = "1.1"
	V12 Version = "1.2"
)

// SupportedVersions lists every version this engine can negotiate, in
// ascending order.
var SupportedVersions = []Version{V10, V11, V12}

// AcceptVersionHeader is the value CONNECT/STOMP frames send to advertise
// every version this engine supports.
const AcceptVersionHeader = "1.0,1.1,1.2"

// Ack modes, as carried on the SUBSCRIBE "ack" header.
const (
	AckAuto             = "auto"
	AckClient           = "client"
	AckClientIndividual = "client-individual"
)

// Common header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrAck           = "ack"
	HdrContentLength = "content-length"
	HdrContentType   = "content-type"
	HdrDestination   = "destination"
	HdrHeartBeat     = "heart-beat"
	HdrHost          = "host"
	HdrID            = "id"
	HdrLogin         = "login"
	HdrMessage       = "message"
	HdrMessageID     = "message-id"
	HdrPasscode      = "passcode"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrServer        = "server"
	HdrSession       = "session"
	HdrSubscription  = "subscription"
	HdrTransaction   = "transaction"
	HdrVersion       = "version"
)

// Frame is a single STOMP protocol unit: a command, a set of headers, and a
// possibly-empty body. A Frame carries no connection state; it is a plain
// value produced and consumed by the Parser and the two engines.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame builds a Frame with an initialized header map.
func NewFrame(command string, headers map[string]string, body []byte) *Frame {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &Frame{Command: command, Headers: headers, Body: body}
}

// Get returns the header value and whether it was present.
func (f *Frame) Get(name string) (string, bool) {
	v, ok := f.Headers[name]
	return v, ok
}

// GetDefault returns the header value, or def if the header is absent.
func (f *Frame) GetDefault(name, def string) string {
	if v, ok := f.Headers[name]; ok {
		return v
	}
	return def
}

// Set assigns a header value, overwriting any existing value.
func (f *Frame) Set(name, value string) {
	f.Headers[name] = value
}

// HeaderSpec names a header that must be present on a frame, unless the
// negotiated version is one of ExcludedVersions.
type HeaderSpec struct {
	Name             string
	ExcludedVersions []Version
}

// Req builds a HeaderSpec. excluded lists versions for which the header is
// not required.
func Req(name string, excluded ...Version) HeaderSpec {
	return HeaderSpec{Name: name, ExcludedVersions: excluded}
}

func versionExcluded(version Version, excluded []Version) bool {
	for _, v := range excluded {
		if v == version {
			return true
		}
	}
	return false
}

// Require checks specs against the frame's headers for the given negotiated
// version. Specs are checked in header-name order so the first missing
// header alphabetically is the one reported, independent of call-site order.
func (f *Frame) Require(version Version, specs ...HeaderSpec) error {
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	for _, spec := range specs {
		if versionExcluded(version, spec.ExcludedVersions) {
			continue
		}
		if _, ok := f.Headers[spec.Name]; !ok {
			return NewProtocolError(fmt.Sprintf("Missing '%s' header", spec.Name)).WithFrame(f)
		}
	}
	return nil
}

// Serialize renders the frame in STOMP wire format: the command line, each
// header in name-sorted order, a blank line, the body, and a trailing NUL.
// A body containing a NUL gets an auto-computed content-length header; any
// non-empty body without an explicit content-type gets "text/plain". Both
// are recorded on the frame itself, not just the returned bytes.
func (f *Frame) Serialize() []byte {
	if len(f.Body) > 0 {
		if bytes.IndexByte(f.Body, 0) >= 0 {
			f.Headers[HdrContentLength] = strconv.Itoa(len(f.Body))
		}
		if _, ok := f.Headers[HdrContentType]; !ok {
			f.Headers[HdrContentType] = "text/plain"
		}
	}

	names := make([]string, 0, len(f.Headers))
	for name := range f.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte(':')
		buf.WriteString(f.Headers[name])
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	buf.WriteByte('\n')
	return buf.Bytes()
}
