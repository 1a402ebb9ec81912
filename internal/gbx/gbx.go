// Package gbx speaks the GBXRemote protocol used to control a Trackmania
// dedicated server: synchronous XML-RPC method calls multiplexed with
// asynchronous callbacks over a single framed TCP session.
package gbx

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAuthFailed means the dedicated server rejected our credentials.
	// Fatal for the connection until configuration changes.
	ErrAuthFailed = errors.New("gbx: authentication failed")

	// ErrUnreachable means the server could not be reached at all.
	ErrUnreachable = errors.New("gbx: server unreachable")

	// ErrTimeout means the handshake or a call exceeded its deadline.
	ErrTimeout = errors.New("gbx: timed out")

	// ErrClosed means the session has been closed.
	ErrClosed = errors.New("gbx: session closed")
)

// ServerIdentity is the opaque ID plus connection parameters for one
// dedicated server. Immutable once a session exists.
type ServerIdentity struct {
	ID       string
	Host     string
	Port     int
	User     string
	Password string
}

// Callback is one asynchronous notification pushed by the server.
type Callback struct {
	Method string
	Args   []any
	At     time.Time
}

// Client is one authenticated session to a dedicated server.
//
// Call is safe for concurrent use. Callbacks returns the session's single
// callback stream; it is closed when the session dies for any reason, after
// which Call returns ErrClosed.
type Client interface {
	Call(ctx context.Context, method string, args ...any) (any, error)
	Callbacks() <-chan Callback
	Close() error
}

// Dialer establishes authenticated sessions. The registry holds one and
// calls it for every connect and reconnect attempt; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, identity ServerIdentity) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, identity ServerIdentity) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, identity ServerIdentity) (Client, error) {
	return f(ctx, identity)
}
