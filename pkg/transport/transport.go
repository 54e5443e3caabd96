// Package transport abstracts the tunnel's underlying connection technology
// behind a small capability interface. Concrete variants are selected at
// construction time; the rest of the system only sees envelopes.
package transport

import (
	"context"

	"github.com/DragonSecurity/conduit/pkg/proto"
)

// Transport is one established, authenticated tunnel connection.
type Transport interface {
	ReadEnvelope() (*proto.Envelope, error)
	WriteEnvelope(*proto.Envelope) error
	// Close tears the connection down. Implementations send a protocol-normal
	// closure when the underlying technology has one.
	Close() error
}

// Dialer establishes transports against an endpoint. The credential is an
// opaque bearer token presented during connection upgrade.
type Dialer interface {
	Dial(ctx context.Context, endpoint, credential string) (Transport, error)
}
