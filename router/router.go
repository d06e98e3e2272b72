// Package router implements the outbound counterpart of negotiation: given a Request naming a
// route address, pick a target tunnel via the registry and open a sub-stream on its uplink.
//
// Grounded on pkg/connpool/dialer.go's dial-and-hand-off pattern (NewDialer/open), lifted from
// dialing a raw net.Conn to dialing a sub-stream over a tunnel.Tunnel's Uplink.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/QPC-database/snocat/registry"
	"github.com/QPC-database/snocat/service"
	"github.com/QPC-database/snocat/tunnel"
)

// Sentinel errors for routing failures.
var (
	ErrNoMatchingTunnel = errors.New("router: no matching tunnel")
)

// LinkOpenFailure wraps an error returned by a Tunnel's Uplink.Open call, distinguishing
// "we know who to route to, but opening a stream to them failed" from ErrNoMatchingTunnel.
type LinkOpenFailure struct {
	TunnelID tunnel.ID
	Err      error
}

func (e *LinkOpenFailure) Error() string {
	return fmt.Sprintf("router: open uplink stream to %s: %v", e.TunnelID, e.Err)
}

func (e *LinkOpenFailure) Unwrap() error { return e.Err }

// Request is the outbound counterpart of a negotiated inbound sub-stream: an address to route,
// and the client that will speak the resulting protocol.
type Request struct {
	Address service.Address
	Client  DynamicResponseClient
}

// Response is an opaque, type-erased payload produced by a Client's Handle call. Callers that
// know the concrete Client implementation type-assert the underlying value back out.
type Response struct {
	Payload any
}

// Client is the initiator counterpart of a service.Service: given the (possibly rewritten)
// address and an opened stream, it speaks the service-specific protocol. When called by a
// RequestClientHandler, the address handshake has already been written and acknowledged.
type Client interface {
	// Handle drives stream to completion and returns a typed result.
	Handle(ctx context.Context, address service.Address, stream tunnel.Stream) (any, error)
}

// DynamicResponseClient is the type-erased form of Client used by Request, so that Router and
// RequestClientHandler need not be generic over the response type.
type DynamicResponseClient interface {
	Client
}

// Router picks the target tunnel for a route address and opens a sub-stream toward it. It may
// rewrite the address before handing it to the Client (e.g. stripping a routing prefix that
// only the router needed to see).
type Router interface {
	// Route resolves address against reg, opens a sub-stream on the chosen tunnel's Uplink,
	// and returns the (possibly rewritten) address together with the opened stream.
	Route(ctx context.Context, address service.Address, reg registry.Registry) (service.Address, tunnel.Stream, error)
}

// ByName is the reference Router: it treats the address as "<tunnel-name>/<rest>" and routes to
// the tunnel registered under <tunnel-name>, rewriting the address to "/<rest>" before the
// Client sees it.
type ByName struct{}

// Route implements Router.
func (ByName) Route(ctx context.Context, address service.Address, reg registry.Registry) (service.Address, tunnel.Stream, error) {
	name, rest, ok := splitFirstSegment(string(address))
	if !ok {
		return "", nil, fmt.Errorf("%w: address %q has no tunnel-name segment", ErrNoMatchingTunnel, address)
	}

	rec, ok := reg.LookupByName(tunnel.Name(name))
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrNoMatchingTunnel, name)
	}

	uplink := rec.Tunnel.Uplink()
	if uplink == nil {
		return "", nil, &LinkOpenFailure{TunnelID: rec.ID, Err: errors.New("tunnel has no uplink")}
	}

	stream, err := uplink.Open(ctx)
	if err != nil {
		return "", nil, &LinkOpenFailure{TunnelID: rec.ID, Err: err}
	}

	return service.Address(rest), stream, nil
}

// splitFirstSegment splits "/name/rest" into ("name", "/rest", true), or returns ok=false if
// address does not have a leading "/"-delimited segment to route on.
func splitFirstSegment(address string) (name, rest string, ok bool) {
	if len(address) == 0 || address[0] != '/' {
		return "", "", false
	}
	body := address[1:]
	for i := 0; i < len(body); i++ {
		if body[i] == '/' {
			return body[:i], body[i:], true
		}
	}
	if body == "" {
		return "", "", false
	}
	return body, "/", true
}
