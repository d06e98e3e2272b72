package router

import (
	"context"
	"fmt"

	"github.com/QPC-database/snocat/registry"
	"github.com/QPC-database/snocat/service"
)

// RequestClientHandler composes a Router, a service.Registry and a registry.Registry: it looks
// up the target tunnel via the Router, opens a sub-stream, writes the negotiated address
// handshake, and hands the stream to the Request's Client.
//
// Grounded on pkg/connpool/dialer.go: the handler that owns the dial-and-dispatch lifecycle for
// one logical connection, generalized here to one logical Request.
type RequestClientHandler struct {
	router   Router
	tunnels  registry.Registry
	services *service.Registry
}

// NewRequestClientHandler builds a handler over the given collaborators.
func NewRequestClientHandler(router Router, tunnels registry.Registry, services *service.Registry) *RequestClientHandler {
	return &RequestClientHandler{router: router, tunnels: tunnels, services: services}
}

// Handle resolves req.Address to a tunnel, opens a sub-stream, performs the negotiation
// handshake as the initiator, and dispatches to req.Client. The returned Response wraps
// whatever the Client produced.
func (h *RequestClientHandler) Handle(ctx context.Context, req Request) (Response, error) {
	addr, stream, err := h.router.Route(ctx, req.Address, h.tunnels)
	if err != nil {
		return Response{}, fmt.Errorf("request client handler: route %q: %w", req.Address, err)
	}

	if err := service.WriteAddress(stream, addr); err != nil {
		_ = stream.Close()
		return Response{}, fmt.Errorf("request client handler: handshake for %q: %w", addr, err)
	}

	payload, err := req.Client.Handle(ctx, addr, stream)
	if err != nil {
		return Response{}, fmt.Errorf("request client handler: client for %q: %w", addr, err)
	}
	return Response{Payload: payload}, nil
}
