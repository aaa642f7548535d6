package stomp

import (
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolError reports a STOMP wire-protocol violation: a malformed frame,
// a missing required header, an unsupported version. The engine raises a
// ProtocolError itself; it never originates from the remote peer.
type ProtocolError struct {
	Message string
	Frame   *Frame
	Headers map[string]string
	cause   error
}

func NewProtocolError(message string) *ProtocolError {
	return &ProtocolError{Message: message}
}

// WithFrame attaches the frame that triggered the error, for logging and
// for building the ERROR frame's body.
func (e *ProtocolError) WithFrame(f *Frame) *ProtocolError {
	e.Frame = f
	return e
}

// WithHeader attaches an extra header to surface on the ERROR reply (for
// example "version" on an incompatible negotiation).
func (e *ProtocolError) WithHeader(name, value string) *ProtocolError {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[name] = value
	return e
}

// WithCause wraps an underlying error using pkg/errors, preserving a stack
// trace for the original failure.
func (e *ProtocolError) WithCause(cause error) *ProtocolError {
	e.cause = errors.WithStack(cause)
	return e
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("stomp: protocol error: %s: %v", e.Message, e.cause)
	}
	return fmt.Sprintf("stomp: protocol error: %s", e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.cause }

// Cause supports github.com/pkg/errors.Cause, unwrapping to the original
// underlying error rather than the stack-trace wrapper WithCause adds.
func (e *ProtocolError) Cause() error {
	if e.cause == nil {
		return nil
	}
	return errors.Cause(e.cause)
}

// ApplicationError reports a violation of the engines' own bookkeeping
// rules: an unknown subscription, a subscription id mismatch, an unknown
// transaction, ack id or receipt, a duplicate ack id or subscription.
// Panics from host callbacks are not ApplicationErrors; they are reported
// through the internal classification (see internalError).
type ApplicationError struct {
	Message string
	Frame   *Frame
	Headers map[string]string
	cause   error
}

func NewApplicationError(message string) *ApplicationError {
	return &ApplicationError{Message: message}
}

func (e *ApplicationError) WithFrame(f *Frame) *ApplicationError {
	e.Frame = f
	return e
}

func (e *ApplicationError) WithHeader(name, value string) *ApplicationError {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[name] = value
	return e
}

func (e *ApplicationError) WithCause(cause error) *ApplicationError {
	e.cause = errors.WithStack(cause)
	return e
}

func (e *ApplicationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("stomp: application error: %s: %v", e.Message, e.cause)
	}
	return fmt.Sprintf("stomp: application error: %s", e.Message)
}

func (e *ApplicationError) Unwrap() error { return e.cause }

// Cause supports github.com/pkg/errors.Cause, unwrapping to the original
// underlying error rather than the stack-trace wrapper WithCause adds.
func (e *ApplicationError) Cause() error {
	if e.cause == nil {
		return nil
	}
	return errors.Cause(e.cause)
}

// RemoteError wraps a STOMP ERROR frame received from the peer. It is
// reported to the host via OnError but is not itself a ProtocolError or
// ApplicationError: the local engine did nothing wrong, the peer did.
type RemoteError struct {
	Frame *Frame
}

func (e *RemoteError) Error() string {
	msg, _ := e.Frame.Get(HdrMessage)
	if msg == "" {
		msg = "(no message header)"
	}
	return fmt.Sprintf("stomp: remote error: %s", msg)
}

// internalError classifies a panic recovered from host callback code or
// from the engine's own dispatch as an internal failure, wrapping it with
// a stack trace. It is not exported: callers observe it only through the
// error value passed to OnError, never by type-asserting on it.
func internalError(recovered interface{}) error {
	if err, ok := recovered.(error); ok {
		return errors.Wrap(err, "stomp: internal error")
	}
	return errors.Errorf("stomp: internal error: %v", recovered)
}
