package tcpproxy

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/QPC-database/snocat/router"
	"github.com/QPC-database/snocat/service"
	"github.com/QPC-database/snocat/tunnel"
)

// Client errors surfaced by Handle, per the client-side negotiation contract.
var (
	ErrInvalidAddress = errors.New("tcpproxy: invalid route address")
	ErrUnexpectedEnd  = errors.New("tcpproxy: connection ended unexpectedly")
)

// Result is the typed payload a Client.Handle returns; router.Response.Payload carries one of
// these as an any for tcpproxy requests.
type Result struct {
	BytesForwarded bool
}

// Client is the reference router.DynamicResponseClient / router.Client for TCP forwarding: it
// pipes bytes between the locally-accepted net.Conn it's constructed with and the sub-stream
// handed to it by the RequestClientHandler.
//
// Grounded symmetrically with Service: the negotiation handshake (service.WriteAddress) is
// performed by router.RequestClientHandler before Handle is called, so Handle's only job is the
// same bidirectional pipe Service runs on the responder side.
type Client struct {
	Local net.Conn
}

// NewClient wraps the locally-accepted connection that originated this forwarding request.
func NewClient(local net.Conn) *Client {
	return &Client{Local: local}
}

// Handle implements router.Client and router.DynamicResponseClient.
func (c *Client) Handle(ctx context.Context, address service.Address, stream tunnel.Stream) (any, error) {
	if _, err := Parse(address); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	if err := pipe(ctx, stream, c.Local); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedEnd, err)
	}
	return Result{BytesForwarded: true}, nil
}

var _ router.Client = (*Client)(nil)
var _ router.DynamicResponseClient = (*Client)(nil)
