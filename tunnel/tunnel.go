// Package tunnel defines the core capability interfaces of the fabric: a Tunnel is a
// bidirectional transport able to open and accept many independent Streams, each a logical
// byte-oriented connection multiplexed over that transport.
package tunnel

import (
	"context"
	"fmt"
	"io"
)

// ID is a process-unique, monotonically-assigned identifier for a Tunnel. It is never reused
// for the lifetime of the process that minted it.
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("tunnel-%d", uint64(id))
}

// Name is the post-authentication identity assigned to a Tunnel by an AuthenticationHandler. It
// is opaque to the registry and dispatch layers.
type Name string

// Stream is one logical bidirectional byte stream multiplexed inside a Tunnel.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// CloseWrite half-closes the stream for writing, signalling "no more data" to the peer
	// without tearing down the read side. Implementations that cannot half-close fall back to
	// a full Close.
	CloseWrite() error
}

// Downlink is the lazy sequence of sub-streams the remote peer opens toward us. Next blocks
// until a new stream arrives, the downlink is closed (io.EOF), or ctx is done.
type Downlink interface {
	Next(ctx context.Context) (Stream, error)
}

// Uplink opens new sub-streams toward the remote peer.
type Uplink interface {
	Open(ctx context.Context) (Stream, error)
}

// Side distinguishes which peer initiated the underlying transport connection.
type Side int

const (
	// SideListener is the side that accepted an inbound transport connection.
	SideListener Side = iota
	// SideInitiator is the side that dialed out to establish the transport connection.
	SideInitiator
)

// Tunnel is a bidirectional transport carrying many independent Streams between two peers.
// Implementations are expected to be cheap to copy (an interface value over a shared handle);
// the registry and daemon hold Tunnels by value and never assume exclusive ownership.
type Tunnel interface {
	// Downlink returns the facility for accepting peer-initiated streams, or nil if this
	// Tunnel never accepts streams (e.g. a pure client-mode uplink-only tunnel).
	Downlink() Downlink

	// Uplink returns the facility for opening streams toward the peer.
	Uplink() Uplink

	// Side reports which peer initiated the transport connection.
	Side() Side

	// Close tears down the transport and all of its streams. Deregistration does not imply
	// Close; callers that want the transport to actually go away must call Close explicitly.
	Close() error
}
