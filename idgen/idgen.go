// Package idgen supplies the identifier-generation capability the server
// engine uses for session, message and ack ids (and for subscription ids
// on STOMP 1.0 when the client sends none). The client engine mints its
// subscription, ack, transaction and receipt ids from its own counters.
// The engine never imports a UUID library directly; it depends only on the
// Generator interface, treating id provisioning as an external collaborator.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator mints opaque, unique identifiers.
type Generator interface {
	NewID() string
}

type uuidGenerator struct{}

// UUID returns a Generator that mints random UUIDs via github.com/google/uuid.
// Engines constructed without an explicit generator fall back to this one.
func UUID() Generator {
	return uuidGenerator{}
}

func (uuidGenerator) NewID() string {
	return uuid.NewString()
}

// sequential is a deterministic Generator for tests: it mints
// "<prefix>-1", "<prefix>-2", ... in order, with no randomness.
type sequential struct {
	prefix string
	next   uint64
}

// Sequential returns a deterministic Generator suitable for assertions in
// tests that would otherwise need to match against a random UUID.
func Sequential(prefix string) Generator {
	return &sequential{prefix: prefix}
}

func (s *sequential) NewID() string {
	n := atomic.AddUint64(&s.next, 1)
	return fmt.Sprintf("%s-%d", s.prefix, n)
}
